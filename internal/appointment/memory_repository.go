package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository with the same atomicity
// contract as the Postgres one: every mutation runs under one lock and
// either applies completely or not at all. Values are copied on the way in
// and out.
type MemoryRepository struct {
	mu           sync.RWMutex
	patients     map[uuid.UUID]Patient
	providers    map[uuid.UUID]Provider
	treatments   map[uuid.UUID]TreatmentType
	slots        map[uuid.UUID]TimeSlot
	appointments map[uuid.UUID]Appointment
	tokens       map[string]uuid.UUID
	absences     map[uuid.UUID]Absence
	closures     []Closure
	lastWrite    time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients:     make(map[uuid.UUID]Patient),
		providers:    make(map[uuid.UUID]Provider),
		treatments:   make(map[uuid.UUID]TreatmentType),
		slots:        make(map[uuid.UUID]TimeSlot),
		appointments: make(map[uuid.UUID]Appointment),
		tokens:       make(map[string]uuid.UUID),
		absences:     make(map[uuid.UUID]Absence),
	}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) AddPatient(p Patient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.ID] = p
}

func (r *MemoryRepository) AddProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID] = p
}

func (r *MemoryRepository) AddTreatmentType(t TreatmentType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.treatments[t.ID] = t
}

func (r *MemoryRepository) AddSlot(s TimeSlot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[s.ID] = s
}

func (r *MemoryRepository) AddClosure(c Closure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closures = append(r.closures, c)
}

func (r *MemoryRepository) AddAbsence(a Absence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.absences[a.ID] = a
}

// AddAppointment stores a as is and marks its slots taken when a is active.
func (r *MemoryRepository) AddAppointment(a Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.SlotIDs = append([]uuid.UUID(nil), a.SlotIDs...)
	r.appointments[a.ID] = a
	if a.CancellationToken != "" {
		r.tokens[a.CancellationToken] = a.ID
	}
	if !a.Status.Terminal() {
		r.setAvailable(a.SlotIDs, false)
	}
}

func (r *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetProviderByID(_ context.Context, id uuid.UUID) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetTreatmentTypeByID(_ context.Context, id uuid.UUID) (*TreatmentType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.treatments[id]
	if !ok {
		return nil, ErrTreatmentNotFound
	}
	return &t, nil
}

func (r *MemoryRepository) GetSlotByID(_ context.Context, id uuid.UUID) (*TimeSlot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) ListSlots(_ context.Context, f SlotFilter) ([]TimeSlot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []TimeSlot
	for _, s := range r.slots {
		if s.StartsAt.Before(f.From) || !s.StartsAt.Before(f.To) {
			continue
		}
		if f.Class != "" && s.Owner.Kind != f.Class {
			continue
		}
		if f.ProviderID != nil && (!s.Owner.IsProvider() || s.Owner.ProviderID != *f.ProviderID) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartsAt.Before(out[j].StartsAt)
	})
	return out, nil
}

func (r *MemoryRepository) ListClosures(_ context.Context, from, to time.Time) ([]Closure, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Closure
	for _, c := range r.closures {
		if c.overlaps(from, to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListAbsences(_ context.Context, providerID *uuid.UUID, from, to time.Time) ([]Absence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	from, to = civilDate(from), civilDate(to)
	var out []Absence
	for _, a := range r.absences {
		if providerID != nil && a.ProviderID != *providerID {
			continue
		}
		if civilDate(a.EndDate).Before(from) || civilDate(a.StartDate).After(to) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// GenerateSlots is a no-op; slot generation is a database procedure.
func (r *MemoryRepository) GenerateSlots(context.Context, int) (int, error) {
	return 0, nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return cloneAppointment(a), nil
}

func (r *MemoryRepository) GetAppointmentByToken(_ context.Context, token string) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.tokens[token]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return cloneAppointment(r.appointments[id]), nil
}

func (r *MemoryRepository) GetAppointmentDetail(_ context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	d := &AppointmentDetail{Appointment: *cloneAppointment(a)}
	if p, ok := r.patients[a.PatientID]; ok {
		d.Patient = &p
	}
	if t, ok := r.treatments[a.TreatmentTypeID]; ok {
		d.Treatment = &t
	}
	if a.Kind.IsProvider() {
		if p, ok := r.providers[a.Kind.ProviderID]; ok {
			d.Provider = &p
		}
	}
	return d, nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, f AppointmentFilter) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make(map[AppointmentStatus]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses[st] = true
	}

	var out []Appointment
	for _, a := range r.appointments {
		if !f.From.IsZero() && a.StartsAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !a.StartsAt.Before(f.To) {
			continue
		}
		if f.ProviderID != nil && (!a.Kind.IsProvider() || a.Kind.ProviderID != *f.ProviderID) {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if len(statuses) > 0 && !statuses[a.Status] {
			continue
		}
		out = append(out, *cloneAppointment(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListReminderCandidates(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	all, err := r.ListAppointments(ctx, AppointmentFilter{
		From:     from,
		To:       to,
		Statuses: []AppointmentStatus{StatusConfirmed},
	})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.ReminderSentAt == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *MemoryRepository) CreateBooking(_ context.Context, patient *Patient, appt *Appointment, days RunDays) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if patient == nil {
		if _, ok := r.patients[appt.PatientID]; !ok {
			return nil, ErrPatientNotFound
		}
	}
	if _, taken := r.tokens[appt.CancellationToken]; taken {
		return nil, invalid("cancellation_token", "duplicate")
	}
	if !r.allAvailable(appt.SlotIDs) || r.blocked(appt.Kind, appt.StartsAt, appt.EndsAt, days) {
		return nil, ErrSlotConflict
	}

	now := r.touch()
	if patient != nil {
		p := *patient
		p.CreatedAt, p.UpdatedAt = now, now
		r.patients[p.ID] = p
	}
	r.setAvailable(appt.SlotIDs, false)

	a := *cloneAppointment(*appt)
	a.CreatedAt, a.UpdatedAt = now, now
	r.appointments[a.ID] = a
	r.tokens[a.CancellationToken] = a.ID
	return cloneAppointment(a), nil
}

func (r *MemoryRepository) RescheduleAppointment(_ context.Context, c RescheduleChange) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[c.AppointmentID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != c.ExpectedStatus || !sameIDs(a.SlotIDs, c.OldSlotIDs) {
		return nil, ErrStatusConflict
	}
	reserve := minus(c.NewSlotIDs, c.OldSlotIDs)
	if !r.allAvailable(reserve) || r.blocked(c.Kind, c.StartsAt, c.EndsAt, c.Days) {
		return nil, ErrSlotConflict
	}

	r.setAvailable(reserve, false)
	r.setAvailable(minus(c.OldSlotIDs, c.NewSlotIDs), true)

	a.SlotIDs = append([]uuid.UUID(nil), c.NewSlotIDs...)
	a.Kind = c.Kind
	a.StartsAt = c.StartsAt
	a.EndsAt = c.EndsAt
	a.ReminderSentAt = nil
	a.UpdatedAt = r.touch()
	r.appointments[a.ID] = a
	return cloneAppointment(a), nil
}

func (r *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrStatusConflict
	}

	now := r.touch()
	a.Status = to
	a.UpdatedAt = now
	if to == StatusCancelled {
		a.CancelledAt = &now
		r.setAvailable(a.SlotIDs, true)
	}
	r.appointments[id] = a
	return cloneAppointment(a), nil
}

func (r *MemoryRepository) MarkReminderSent(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return false, ErrAppointmentNotFound
	}
	if a.Status != StatusConfirmed || a.ReminderSentAt != nil {
		return false, nil
	}
	a.ReminderSentAt = &at
	r.appointments[id] = a
	return true, nil
}

func (r *MemoryRepository) AnonymizePatient(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.patients[id]
	if !ok {
		return ErrPatientNotFound
	}
	if p.AnonymizedAt != nil {
		return nil
	}
	p.FirstName = AnonymizedName
	p.LastName = ""
	p.Email = nil
	p.Phone = nil
	p.AnonymizedAt = &at
	p.UpdatedAt = at
	r.patients[id] = p
	return nil
}

func (r *MemoryRepository) CreateAbsence(_ context.Context, a *Absence) (*Absence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[a.ProviderID]; !ok {
		return nil, ErrProviderNotFound
	}
	stored := *a
	stored.CreatedAt = time.Now().UTC()
	r.absences[stored.ID] = stored
	return &stored, nil
}

func (r *MemoryRepository) GetAbsenceByID(_ context.Context, id uuid.UUID) (*Absence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.absences[id]
	if !ok {
		return nil, ErrAbsenceNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) DeleteAbsence(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.absences[id]; !ok {
		return ErrAbsenceNotFound
	}
	delete(r.absences, id)
	return nil
}

// touch returns a write timestamp strictly after the previous one, at the
// microsecond precision Postgres keeps. Callers hold the write lock.
func (r *MemoryRepository) touch() time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(r.lastWrite) {
		now = r.lastWrite.Add(time.Microsecond)
	}
	r.lastWrite = now
	return now
}

// allAvailable must be called with the write lock held.
func (r *MemoryRepository) allAvailable(ids []uuid.UUID) bool {
	for _, id := range ids {
		s, ok := r.slots[id]
		if !ok || !s.Available {
			return false
		}
	}
	return true
}

// blocked reports whether a closure or an absence of the run's provider
// covers the run. Must be called with the write lock held.
func (r *MemoryRepository) blocked(kind BookingKind, startsAt, endsAt time.Time, days RunDays) bool {
	if !kind.IsProvider() {
		return false
	}
	for _, c := range r.closures {
		if c.overlaps(startsAt, endsAt) {
			return true
		}
	}
	first, last := civilDate(days.First), civilDate(days.Last)
	for _, a := range r.absences {
		if a.ProviderID != kind.ProviderID {
			continue
		}
		if !civilDate(a.StartDate).After(last) && !civilDate(a.EndDate).Before(first) {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) setAvailable(ids []uuid.UUID, available bool) {
	for _, id := range ids {
		if s, ok := r.slots[id]; ok {
			s.Available = available
			r.slots[id] = s
		}
	}
}

func cloneAppointment(a Appointment) *Appointment {
	a.SlotIDs = append([]uuid.UUID(nil), a.SlotIDs...)
	return &a
}
