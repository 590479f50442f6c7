package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webcuts/orthopaedie-booking/internal/config"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []NotificationEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) count(kind EventKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Kind == kind {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) last() NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

type fixture struct {
	repo     *MemoryRepository
	svc      *Service
	sink     *recordingNotifier
	now      time.Time
	provider Provider
	other    Provider
	patient  Patient
	short    TreatmentType
	long     TreatmentType
	mfa      TreatmentType
}

func testConfig() config.Config {
	return config.Config{
		SlotUnit:             10 * time.Minute,
		CancellationDeadline: 24 * time.Hour,
		InitialStatus:        string(StatusConfirmed),
		ReminderLead:         24 * time.Hour,
		Location:             time.UTC,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	email := "erika@example.com"
	f := &fixture{
		repo:     NewMemoryRepository(),
		sink:     &recordingNotifier{},
		now:      time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
		provider: Provider{ID: uuid.New(), Name: "Dr. Weber", Active: true},
		other:    Provider{ID: uuid.New(), Name: "Dr. Braun", Active: true},
		patient:  Patient{ID: uuid.New(), FirstName: "Erika", LastName: "Muster", Email: &email, Insurance: InsurancePublic},
		short:    TreatmentType{ID: uuid.New(), Name: "Kontrolle", DurationMinutes: 10},
		long:     TreatmentType{ID: uuid.New(), Name: "Erstuntersuchung", DurationMinutes: 30},
		mfa:      TreatmentType{ID: uuid.New(), Name: "Verbandswechsel", DurationMinutes: 20, PracticeService: true},
	}
	f.repo.AddProvider(f.provider)
	f.repo.AddProvider(f.other)
	f.repo.AddPatient(f.patient)
	f.repo.AddTreatmentType(f.short)
	f.repo.AddTreatmentType(f.long)
	f.repo.AddTreatmentType(f.mfa)

	f.svc = NewService(f.repo, nil, f.sink, testConfig(), zap.NewNop()).
		WithClock(func() time.Time { return f.now })
	return f
}

// addSlots adds count consecutive 10 minute units for owner starting at start.
func (f *fixture) addSlots(owner BookingKind, start time.Time, count int) []TimeSlot {
	out := make([]TimeSlot, count)
	for i := range out {
		s := TimeSlot{
			ID:        uuid.New(),
			Owner:     owner,
			StartsAt:  start.Add(time.Duration(i) * 10 * time.Minute),
			EndsAt:    start.Add(time.Duration(i+1) * 10 * time.Minute),
			Available: true,
		}
		f.repo.AddSlot(s)
		out[i] = s
	}
	return out
}

func (f *fixture) book(t *testing.T, treatment TreatmentType, start TimeSlot) *Appointment {
	t.Helper()
	patientID := f.patient.ID
	appt, err := f.svc.CreateAppointment(context.Background(), CreateRequest{
		PatientID:       &patientID,
		TreatmentTypeID: treatment.ID,
		StartSlotID:     start.ID,
	})
	require.NoError(t, err)
	return appt
}

func (f *fixture) available(t *testing.T, ids ...uuid.UUID) []bool {
	t.Helper()
	out := make([]bool, len(ids))
	for i, id := range ids {
		s, err := f.repo.GetSlotByID(context.Background(), id)
		require.NoError(t, err)
		out[i] = s.Available
	}
	return out
}

func at(day time.Time, hour, min int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, min, 0, 0, time.UTC)
}

func newPatientInput(email string) PatientInput {
	return PatientInput{FirstName: "Max", LastName: "Mustermann", Email: email, Phone: "+49 30 1234567", Insurance: InsurancePrivate}
}

// failingStatusRepo fails status updates for the ids in fail.
type failingStatusRepo struct {
	*MemoryRepository
	fail map[uuid.UUID]bool
}

func (r *failingStatusRepo) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	if r.fail[id] {
		return nil, errors.New("connection reset")
	}
	return r.MemoryRepository.UpdateAppointmentStatus(ctx, id, from, to)
}

// absenceBeforeCommit stores an absence, cascade included, after the service
// has checked the calendars but before its booking or move reaches the store.
type absenceBeforeCommit struct {
	*MemoryRepository
	svc *Service
	in  AbsenceInput
	res *AbsenceResult
	err error
}

func (r *absenceBeforeCommit) race(ctx context.Context) {
	if r.res == nil && r.err == nil {
		r.res, r.err = r.svc.CreateAbsence(ctx, r.in)
	}
}

func (r *absenceBeforeCommit) CreateBooking(ctx context.Context, patient *Patient, appt *Appointment, days RunDays) (*Appointment, error) {
	r.race(ctx)
	return r.MemoryRepository.CreateBooking(ctx, patient, appt, days)
}

func (r *absenceBeforeCommit) RescheduleAppointment(ctx context.Context, c RescheduleChange) (*Appointment, error) {
	r.race(ctx)
	return r.MemoryRepository.RescheduleAppointment(ctx, c)
}
