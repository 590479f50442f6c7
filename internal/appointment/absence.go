package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	redisclient "github.com/webcuts/orthopaedie-booking/internal/redis"
)

// cascadeRetries bounds how often one appointment is re-read after losing a
// status race during a cascade.
const cascadeRetries = 3

type AbsenceInput struct {
	ProviderID uuid.UUID
	StartDate  time.Time
	EndDate    time.Time
	Reason     AbsenceReason
	Note       string
}

// AbsenceResult lists the appointments this run cancelled. Appointments that
// were already cancelled before the run are not included.
type AbsenceResult struct {
	Absence   *Absence
	Cancelled []uuid.UUID
}

// CreateAbsence stores the absence and cancels the provider's active
// appointments inside it. When the cascade fails part way the absence is
// still stored and the result carries what was cancelled; CascadeAbsence
// resumes.
func (s *Service) CreateAbsence(ctx context.Context, in AbsenceInput) (_ *AbsenceResult, err error) {
	ctx, span := tracer.Start(ctx, "absence.create")
	defer s.finish(span, "absence_create", time.Now(), &err)

	if in.ProviderID == uuid.Nil {
		return nil, invalid("provider_id", "required")
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return nil, invalid("start_date", "required")
	}
	start, end := civilDate(in.StartDate), civilDate(in.EndDate)
	if end.Before(start) {
		return nil, invalid("end_date", "before_start_date")
	}
	if !in.Reason.Valid() {
		return nil, invalid("reason", "unknown")
	}
	if _, err := s.repo.GetProviderByID(ctx, in.ProviderID); err != nil {
		return nil, fmt.Errorf("load provider: %w", err)
	}

	absence := &Absence{
		ID:         uuid.New(),
		ProviderID: in.ProviderID,
		StartDate:  start,
		EndDate:    end,
		Reason:     in.Reason,
	}
	if note := strings.TrimSpace(in.Note); note != "" {
		absence.Note = &note
	}
	created, err := s.repo.CreateAbsence(ctx, absence)
	if err != nil {
		return nil, fmt.Errorf("create absence: %w", err)
	}

	s.logger.Info("absence created",
		zap.Stringer("absence_id", created.ID),
		zap.Stringer("provider_id", created.ProviderID),
		zap.Time("start_date", created.StartDate),
		zap.Time("end_date", created.EndDate),
	)

	cancelled, err := s.cascade(ctx, created)
	return &AbsenceResult{Absence: created, Cancelled: cancelled}, err
}

// CascadeAbsence re-runs the cancellation cascade of a stored absence.
// Running it again after success is a no-op.
func (s *Service) CascadeAbsence(ctx context.Context, absenceID uuid.UUID) (_ *AbsenceResult, err error) {
	ctx, span := tracer.Start(ctx, "absence.cascade")
	defer s.finish(span, "absence_cascade", time.Now(), &err)

	absence, err := s.repo.GetAbsenceByID(ctx, absenceID)
	if err != nil {
		return nil, fmt.Errorf("load absence: %w", err)
	}
	cancelled, err := s.cascade(ctx, absence)
	return &AbsenceResult{Absence: absence, Cancelled: cancelled}, err
}

// DeleteAbsence removes an absence. Appointments it cancelled stay cancelled.
func (s *Service) DeleteAbsence(ctx context.Context, absenceID uuid.UUID) error {
	if err := s.repo.DeleteAbsence(ctx, absenceID); err != nil {
		return fmt.Errorf("delete absence: %w", err)
	}
	s.logger.Info("absence deleted", zap.Stringer("absence_id", absenceID))
	return nil
}

func (s *Service) cascade(ctx context.Context, absence *Absence) ([]uuid.UUID, error) {
	var cancelled []uuid.UUID
	run := func(ctx context.Context) error {
		var err error
		cancelled, err = s.cascadeLocked(ctx, absence)
		return err
	}

	if s.locker == nil {
		err := run(ctx)
		return cancelled, err
	}
	err := s.locker.WithLock(ctx, "absence:"+absence.ProviderID.String(), run)
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return nil, ErrCascadeInProgress
	case errors.Is(err, redisclient.ErrLockUnavailable), errors.Is(err, redisclient.ErrLockLost):
		// Resumable through CascadeAbsence once Redis answers again.
		return cancelled, fmt.Errorf("absence cascade: %w: %w", ErrTransientStore, err)
	}
	return cancelled, err
}

func (s *Service) cascadeLocked(ctx context.Context, absence *Absence) ([]uuid.UUID, error) {
	from := startOfDay(absence.StartDate, s.cfg.Location)
	to := startOfDay(civilDate(absence.EndDate).AddDate(0, 0, 1), s.cfg.Location)
	providerID := absence.ProviderID

	var (
		cancelled []uuid.UUID
		errs      []error
		offset    int
	)
	const page = 200
	for {
		batch, err := s.repo.ListAppointments(ctx, AppointmentFilter{
			From:       from,
			To:         to,
			ProviderID: &providerID,
			Statuses:   ActiveStatuses,
			Limit:      page,
			Offset:     offset,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("list appointments: %w", err))
			break
		}
		failed := 0
		for i := range batch {
			won, err := s.cancelForAbsence(ctx, batch[i])
			if err != nil {
				failed++
				errs = append(errs, fmt.Errorf("appointment %s: %w", batch[i].ID, err))
				continue
			}
			if won {
				cancelled = append(cancelled, batch[i].ID)
			}
		}
		if len(batch) < page {
			break
		}
		// Handled rows drop out of the active filter; only failed ones stay.
		offset += failed
	}

	s.metrics.AddCascadeCancelled(len(cancelled))
	s.logger.Info("absence cascade finished",
		zap.Stringer("absence_id", absence.ID),
		zap.Int("cancelled", len(cancelled)),
		zap.Int("failed", len(errs)),
	)
	return cancelled, errors.Join(errs...)
}

// cancelForAbsence cancels one appointment unless something else already
// moved it to a terminal state. It reports whether this call cancelled it.
func (s *Service) cancelForAbsence(ctx context.Context, appt Appointment) (bool, error) {
	ctx, span := tracer.Start(ctx, "absence.cancel_appointment")
	defer span.End()
	span.SetAttributes(attribute.String("booking.appointment_id", appt.ID.String()))

	current := &appt
	for attempt := 0; attempt < cascadeRetries; attempt++ {
		if current.Status.Terminal() {
			return false, nil
		}
		_, err := s.repo.UpdateAppointmentStatus(ctx, current.ID, current.Status, StatusCancelled)
		if err == nil {
			s.emit(ctx, EventCancelledByPractice, current.ID, func(ev *NotificationEvent) {
				ev.Reason = "provider_absence"
			})
			return true, nil
		}
		if !errors.Is(err, ErrStatusConflict) {
			return false, err
		}
		current, err = s.repo.GetAppointmentByID(ctx, appt.ID)
		if err != nil {
			return false, err
		}
	}
	return false, ErrStatusConflict
}
