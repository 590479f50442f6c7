package appointment

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const tokenBytes = 32

// NewCancellationToken mints an opaque, unguessable cancellation token.
func NewCancellationToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate cancellation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// deadline is the last instant at which the patient may still cancel.
func (s *Service) deadline(a *Appointment) time.Time {
	return a.StartsAt.Add(-s.cfg.CancellationDeadline)
}

// checkCancellable applies the self-service rules in order: cancelled,
// started, inside the deadline window, completed.
func (s *Service) checkCancellable(a *Appointment, now time.Time) error {
	if a.Status == StatusCancelled {
		return ErrAlreadyCancelled
	}
	if !now.Before(a.StartsAt) {
		return ErrPastAppointment
	}
	if !now.Before(s.deadline(a)) {
		return ErrDeadlineExceeded
	}
	if a.Status == StatusCompleted {
		return fmt.Errorf("%w: appointment is completed", ErrInvalidStatusTransition)
	}
	return nil
}

// CancelByToken is the patient's self-service cancellation. The token is the
// only credential.
func (s *Service) CancelByToken(ctx context.Context, token string) (_ *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.cancel_by_token")
	defer s.finish(span, "cancel_by_token", time.Now(), &err)

	appt, err := s.lookupToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.checkCancellable(appt, s.now()); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, StatusCancelled)
	if errors.Is(err, ErrStatusConflict) {
		// Lost a race; report what the appointment became.
		current, rerr := s.repo.GetAppointmentByID(ctx, appt.ID)
		if rerr == nil {
			if cerr := s.checkCancellable(current, s.now()); cerr != nil {
				return nil, cerr
			}
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	s.logger.Info("appointment cancelled by patient", zap.Stringer("appointment_id", appt.ID))
	s.emit(ctx, EventCancelledByPatient, appt.ID, nil)
	return updated, nil
}

// CancellationPreview is what the cancellation page shows before the patient
// confirms. BlockedBy is the error key that would stop a cancel, if any.
type CancellationPreview struct {
	Appointment *AppointmentDetail
	Deadline    time.Time
	Cancellable bool
	BlockedBy   string
}

func (s *Service) PreviewCancellation(ctx context.Context, token string) (*CancellationPreview, error) {
	appt, err := s.lookupToken(ctx, token)
	if err != nil {
		return nil, err
	}
	detail, err := s.repo.GetAppointmentDetail(ctx, appt.ID)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	p := &CancellationPreview{
		Appointment: detail,
		Deadline:    s.deadline(appt),
		Cancellable: true,
	}
	if err := s.checkCancellable(appt, s.now()); err != nil {
		p.Cancellable = false
		p.BlockedBy = ErrorKey(err)
	}
	return p, nil
}

func (s *Service) lookupToken(ctx context.Context, token string) (*Appointment, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > 128 {
		return nil, ErrInvalidToken
	}
	appt, err := s.repo.GetAppointmentByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	return appt, nil
}
