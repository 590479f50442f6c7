package appointment

import (
	"context"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/webcuts/orthopaedie-booking/internal/config"
	"github.com/webcuts/orthopaedie-booking/internal/observability/metrics"
	redisclient "github.com/webcuts/orthopaedie-booking/internal/redis"
)

var tracer = otel.Tracer("orthopaedie.internal.appointment")

const notifyTimeout = 5 * time.Second

var supportedLanguages = map[string]bool{"de": true, "en": true}

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ()/-]{5,19}$`)

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	notifier Notifier
	cfg      config.Config
	logger   *zap.Logger
	metrics  *metrics.BookingMetrics
	now      func() time.Time
}

// NewService wires the booking core. locker and notifier may be nil: without
// a locker absence cascades are not serialized across processes, without a
// notifier events are dropped.
func NewService(repo Repository, locker redisclient.Locker, notifier Notifier, cfg config.Config, logger *zap.Logger) *Service {
	if repo == nil {
		panic("appointment: repository required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SlotUnit <= 0 {
		cfg.SlotUnit = 10 * time.Minute
	}
	if cfg.CancellationDeadline < 0 {
		cfg.CancellationDeadline = 0
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.InitialStatus == "" {
		cfg.InitialStatus = string(StatusConfirmed)
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) WithMetrics(m *metrics.BookingMetrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// PatientInput is what the booking wizard collects about a new patient.
type PatientInput struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Insurance Insurance
}

// CreateRequest books a treatment starting at StartSlotID. PatientID books
// for a stored patient and takes precedence over Patient.
type CreateRequest struct {
	PatientID       *uuid.UUID
	Patient         PatientInput
	TreatmentTypeID uuid.UUID
	ProviderID      *uuid.UUID
	StartSlotID     uuid.UUID
	Language        string
	Notes           string
}

// CreateAppointment reserves the contiguous units the treatment needs and
// stores the appointment in its initial status.
func (s *Service) CreateAppointment(ctx context.Context, req CreateRequest) (_ *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.create")
	defer s.finish(span, "create", time.Now(), &err)

	if req.TreatmentTypeID == uuid.Nil {
		return nil, invalid("treatment_type_id", "required")
	}
	if req.StartSlotID == uuid.Nil {
		return nil, invalid("start_slot_id", "required")
	}
	lang, err := normalizeLanguage(req.Language)
	if err != nil {
		return nil, err
	}

	patient, newPatient, err := s.resolvePatient(ctx, req)
	if err != nil {
		return nil, err
	}

	treatment, err := s.repo.GetTreatmentTypeByID(ctx, req.TreatmentTypeID)
	if err != nil {
		return nil, fmt.Errorf("load treatment type: %w", err)
	}
	slot, err := s.repo.GetSlotByID(ctx, req.StartSlotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if err := checkSlotClass(treatment, slot.Owner, req.ProviderID); err != nil {
		return nil, err
	}
	if !slot.StartsAt.After(s.now()) {
		return nil, invalid("start_slot_id", "in_past")
	}

	run, err := s.reserveRun(ctx, treatment, *slot, patient.Insurance, nil)
	if err != nil {
		return nil, err
	}

	token, err := NewCancellationToken()
	if err != nil {
		return nil, err
	}

	appt := &Appointment{
		ID:                uuid.New(),
		PatientID:         patient.ID,
		TreatmentTypeID:   treatment.ID,
		Kind:              slot.Owner,
		SlotIDs:           slotIDs(run),
		StartsAt:          run[0].StartsAt,
		EndsAt:            run[len(run)-1].EndsAt,
		Status:            AppointmentStatus(s.cfg.InitialStatus),
		CancellationToken: token,
		Language:          lang,
	}
	if notes := strings.TrimSpace(req.Notes); notes != "" {
		appt.Notes = &notes
	}

	var toInsert *Patient
	if newPatient {
		toInsert = patient
	}
	created, err := s.repo.CreateBooking(ctx, toInsert, appt, runDaysOf(run, s.cfg.Location))
	if err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}

	span.SetAttributes(
		attribute.String("booking.appointment_id", created.ID.String()),
		attribute.String("booking.kind", created.Kind.String()),
		attribute.Int("booking.units", len(created.SlotIDs)),
	)
	s.logger.Info("appointment created",
		zap.Stringer("appointment_id", created.ID),
		zap.Stringer("kind", created.Kind),
		zap.Time("starts_at", created.StartsAt),
		zap.Int("units", len(created.SlotIDs)),
	)

	s.emit(ctx, EventCreated, created.ID, nil)
	return created, nil
}

// SetStatus moves an appointment out of a non-terminal status. Cancelling
// releases its slots.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, to AppointmentStatus) (_ *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.set_status")
	defer s.finish(span, "set_status", time.Now(), &err)

	if !to.Valid() {
		return nil, invalid("status", "unknown")
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if appt.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is final", ErrInvalidStatusTransition, appt.Status)
	}
	if appt.Status == to {
		return nil, fmt.Errorf("%w: already %s", ErrInvalidStatusTransition, to)
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, appt.Status, to)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	s.logger.Info("appointment status changed",
		zap.Stringer("appointment_id", id),
		zap.String("from", string(appt.Status)),
		zap.String("to", string(to)),
	)

	if to == StatusCancelled {
		s.emit(ctx, EventCancelledByPractice, id, nil)
	}
	return updated, nil
}

// Reschedule moves an appointment to the run starting at newStartSlotID.
// The old slots stay held unless the move commits.
func (s *Service) Reschedule(ctx context.Context, id, newStartSlotID uuid.UUID) (_ *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.reschedule")
	defer s.finish(span, "reschedule", time.Now(), &err)

	if newStartSlotID == uuid.Nil {
		return nil, invalid("start_slot_id", "required")
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	switch appt.Status {
	case StatusCancelled:
		return nil, ErrAlreadyCancelled
	case StatusCompleted:
		return nil, fmt.Errorf("%w: completed appointments cannot move", ErrInvalidStatusTransition)
	}

	treatment, err := s.repo.GetTreatmentTypeByID(ctx, appt.TreatmentTypeID)
	if err != nil {
		return nil, fmt.Errorf("load treatment type: %w", err)
	}
	slot, err := s.repo.GetSlotByID(ctx, newStartSlotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if err := checkSlotClass(treatment, slot.Owner, nil); err != nil {
		return nil, err
	}
	if !slot.StartsAt.After(s.now()) {
		return nil, invalid("start_slot_id", "in_past")
	}

	run, err := s.reserveRun(ctx, treatment, *slot, "", idSet(appt.SlotIDs))
	if err != nil {
		return nil, err
	}
	newIDs := slotIDs(run)
	if sameIDs(newIDs, appt.SlotIDs) {
		return appt, nil
	}

	updated, err := s.repo.RescheduleAppointment(ctx, RescheduleChange{
		AppointmentID:  appt.ID,
		ExpectedStatus: appt.Status,
		OldSlotIDs:     appt.SlotIDs,
		NewSlotIDs:     newIDs,
		Kind:           slot.Owner,
		StartsAt:       run[0].StartsAt,
		EndsAt:         run[len(run)-1].EndsAt,
		Days:           runDaysOf(run, s.cfg.Location),
	})
	if err != nil {
		return nil, fmt.Errorf("reschedule appointment: %w", err)
	}

	s.logger.Info("appointment rescheduled",
		zap.Stringer("appointment_id", id),
		zap.Time("from", appt.StartsAt),
		zap.Time("to", updated.StartsAt),
	)

	prevStart, prevEnd := appt.StartsAt, appt.EndsAt
	s.emit(ctx, EventRescheduled, id, func(ev *NotificationEvent) {
		ev.PreviousStartsAt = &prevStart
		ev.PreviousEndsAt = &prevEnd
	})
	return updated, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return detail, nil
}

// ListAppointments backs the admin calendar.
func (s *Service) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100 // default
	}
	if filter.Limit > 500 {
		filter.Limit = 500 // max
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, invalid("to", "before_from")
	}
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, invalid("status", "unknown")
		}
	}

	appointments, err := s.repo.ListAppointments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}

// GenerateSlots triggers the store's slot generation for a rolling window.
func (s *Service) GenerateSlots(ctx context.Context, weeksAhead int) (int, error) {
	if weeksAhead <= 0 || weeksAhead > 52 {
		return 0, invalid("weeks_ahead", "out_of_range")
	}
	n, err := s.repo.GenerateSlots(ctx, weeksAhead)
	if err != nil {
		return 0, fmt.Errorf("generate slots: %w", err)
	}
	s.logger.Info("slots generated", zap.Int("weeks_ahead", weeksAhead), zap.Int("created", n))
	return n, nil
}

// reserveRun finds the n contiguous usable units starting at start. Slots in
// own count as free; they belong to the appointment being moved.
func (s *Service) reserveRun(ctx context.Context, treatment *TreatmentType, start TimeSlot, ins Insurance, own map[uuid.UUID]bool) ([]TimeSlot, error) {
	n := requiredUnits(treatment.DurationMinutes, s.cfg.SlotUnit)
	end := start.StartsAt.Add(time.Duration(n) * s.cfg.SlotUnit)

	slots, err := s.repo.ListSlots(ctx, SlotFilter{
		From:       start.StartsAt,
		To:         end,
		Class:      start.Owner.Kind,
		ProviderID: start.Owner.ProviderRef(),
	})
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	b, err := s.loadBlockers(ctx, start.Owner.Kind, start.Owner.ProviderRef(), start.StartsAt, end)
	if err != nil {
		return nil, err
	}

	group := groupByOwner(slots)[start.Owner]
	if len(group) == 0 || group[0].ID != start.ID {
		return nil, ErrSlotConflict
	}
	run, ok := runFrom(group, 0, n, s.cfg.SlotUnit, func(ts TimeSlot) bool {
		return (ts.Available || own[ts.ID]) && !b.blocks(ts) && insuranceAllows(ins, ts)
	})
	if !ok {
		return nil, ErrSlotConflict
	}
	return run, nil
}

// loadBlockers reads the closure calendar and provider absences for
// [from, to). Practice-service slots ignore both.
func (s *Service) loadBlockers(ctx context.Context, class Kind, providerID *uuid.UUID, from, to time.Time) (blockers, error) {
	b := blockers{loc: s.cfg.Location}
	if class == KindPracticeService {
		return b, nil
	}

	closures, err := s.repo.ListClosures(ctx, from, to)
	if err != nil {
		return b, fmt.Errorf("list closures: %w", err)
	}
	absences, err := s.repo.ListAbsences(ctx, providerID, dayIn(from, s.cfg.Location), dayIn(to, s.cfg.Location))
	if err != nil {
		return b, fmt.Errorf("list absences: %w", err)
	}

	b.closures = closures
	b.absences = make(map[uuid.UUID][]Absence)
	for _, a := range absences {
		b.absences[a.ProviderID] = append(b.absences[a.ProviderID], a)
	}
	return b, nil
}

func (s *Service) resolvePatient(ctx context.Context, req CreateRequest) (*Patient, bool, error) {
	if req.PatientID != nil {
		p, err := s.repo.GetPatientByID(ctx, *req.PatientID)
		if err != nil {
			return nil, false, fmt.Errorf("load patient: %w", err)
		}
		if p.AnonymizedAt != nil {
			return nil, false, invalid("patient_id", "anonymized")
		}
		return p, false, nil
	}

	in := req.Patient
	first := strings.TrimSpace(in.FirstName)
	last := strings.TrimSpace(in.LastName)
	email := strings.TrimSpace(in.Email)
	phone := strings.TrimSpace(in.Phone)

	switch {
	case first == "":
		return nil, false, invalid("first_name", "required")
	case len(first) > 100:
		return nil, false, invalid("first_name", "too_long")
	case last == "":
		return nil, false, invalid("last_name", "required")
	case len(last) > 100:
		return nil, false, invalid("last_name", "too_long")
	case email == "":
		return nil, false, invalid("email", "required")
	case !validEmail(email):
		return nil, false, invalid("email", "malformed")
	case phone != "" && !phonePattern.MatchString(phone):
		return nil, false, invalid("phone", "malformed")
	case !in.Insurance.Valid():
		return nil, false, invalid("insurance", "unknown")
	}

	p := &Patient{
		ID:        uuid.New(),
		FirstName: first,
		LastName:  last,
		Email:     &email,
		Insurance: in.Insurance,
	}
	if phone != "" {
		p.Phone = &phone
	}
	return p, true, nil
}

func validEmail(raw string) bool {
	addr, err := mail.ParseAddress(raw)
	return err == nil && addr.Address == raw
}

func normalizeLanguage(lang string) (string, error) {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return "de", nil
	}
	if !supportedLanguages[lang] {
		return "", invalid("language", "unsupported")
	}
	return lang, nil
}

// checkSlotClass makes sure the slot's owner can serve the treatment and
// matches an explicitly requested provider.
func checkSlotClass(t *TreatmentType, owner BookingKind, providerID *uuid.UUID) error {
	if owner.Kind != t.Class() {
		return invalid("start_slot_id", "kind_mismatch")
	}
	if providerID != nil {
		if !owner.IsProvider() || owner.ProviderID != *providerID {
			return invalid("provider_id", "slot_of_other_provider")
		}
	}
	return nil
}

// emit hands an event to the notifier. Failures are logged and counted but
// never reach the caller: the scheduling change is already committed.
func (s *Service) emit(ctx context.Context, kind EventKind, appointmentID uuid.UUID, decorate func(*NotificationEvent)) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	detail, err := s.repo.GetAppointmentDetail(ctx, appointmentID)
	if err != nil {
		s.metrics.ObserveNotification(string(kind), false)
		s.logger.Warn("notification skipped, appointment not loadable",
			zap.String("kind", string(kind)),
			zap.Stringer("appointment_id", appointmentID),
			zap.Error(err),
		)
		return
	}

	ev := newEvent(kind, detail, s.now())
	deadline := s.deadline(&detail.Appointment)
	ev.Deadline = &deadline
	if decorate != nil {
		decorate(&ev)
	}

	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.metrics.ObserveNotification(string(kind), false)
		s.logger.Warn("notification failed",
			zap.String("kind", string(kind)),
			zap.Stringer("appointment_id", appointmentID),
			zap.Error(err),
		)
		return
	}
	s.metrics.ObserveNotification(string(kind), true)
}

func (s *Service) finish(span trace.Span, op string, started time.Time, errp *error) {
	outcome := "ok"
	if err := *errp; err != nil {
		outcome = ErrorKey(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if outcome == "internal_error" || outcome == "store_unavailable" {
			s.logger.Error("booking operation failed", zap.String("operation", op), zap.Error(err))
		}
	}
	s.metrics.ObserveOperation(op, outcome, time.Since(started))
	span.End()
}
