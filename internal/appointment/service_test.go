package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func TestCreateAppointmentReservesContiguousUnits(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 6)

	appt, err := f.svc.CreateAppointment(context.Background(), CreateRequest{
		Patient:         newPatientInput("max@example.com"),
		TreatmentTypeID: f.long.ID,
		StartSlotID:     slots[0].ID,
		Language:        "EN",
	})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{slots[0].ID, slots[1].ID, slots[2].ID}, appt.SlotIDs)
	assert.Equal(t, at(day, 9, 0), appt.StartsAt)
	assert.Equal(t, at(day, 9, 30), appt.EndsAt)
	assert.Equal(t, StatusConfirmed, appt.Status)
	assert.Equal(t, ProviderKind(f.provider.ID), appt.Kind)
	assert.Equal(t, "en", appt.Language)
	assert.Len(t, appt.CancellationToken, 43)

	assert.Equal(t, []bool{false, false, false, true, true, true},
		f.available(t, slotIDs(slots)...))

	require.Equal(t, 1, f.sink.count(EventCreated))
	ev := f.sink.last()
	assert.Equal(t, appt.ID, ev.AppointmentID)
	assert.Equal(t, "Max Mustermann", ev.Patient.Name)
	assert.Equal(t, "Erstuntersuchung", ev.Treatment)
	assert.Equal(t, "Dr. Weber", ev.Provider)
	require.NotNil(t, ev.Deadline)
	assert.Equal(t, at(day, 9, 0).Add(-24*time.Hour), *ev.Deadline)

	p, err := f.repo.GetPatientByID(context.Background(), appt.PatientID)
	require.NoError(t, err)
	assert.Equal(t, InsurancePrivate, p.Insurance)
}

func TestCreateAppointmentFailsWhenMiddleUnitHeld(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 3)
	f.book(t, f.short, slots[1])

	_, err := f.svc.CreateAppointment(context.Background(), CreateRequest{
		PatientID:       &f.patient.ID,
		TreatmentTypeID: f.long.ID,
		StartSlotID:     slots[0].ID,
	})
	assert.ErrorIs(t, err, ErrSlotConflict)
	assert.Equal(t, "slot_conflict", ErrorKey(err))

	// Nothing was reserved by the failed attempt.
	assert.Equal(t, []bool{true, false, true}, f.available(t, slotIDs(slots)...))
	assert.Equal(t, 1, f.sink.count(EventCreated))
}

func TestCreateAppointmentConcurrentBookersHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 3)

	const bookers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < bookers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.svc.CreateAppointment(context.Background(), CreateRequest{
				Patient:         newPatientInput("racer@example.com"),
				TreatmentTypeID: f.long.ID,
				StartSlotID:     slots[0].ID,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrSlotConflict):
				conflicts++
			default:
				t.Errorf("booker %d: unexpected error %v", i, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, bookers-1, conflicts)
	assert.Equal(t, []bool{false, false, false}, f.available(t, slotIDs(slots)...))

	active, err := f.repo.ListAppointments(context.Background(), AppointmentFilter{Statuses: ActiveStatuses})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestCreateAppointmentValidation(t *testing.T) {
	f := newFixture(t)
	provSlots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 3)
	mfaSlots := f.addSlots(PracticeServiceKind(), at(day, 9, 0), 3)
	past := f.addSlots(ProviderKind(f.provider.ID), at(f.now, 7, 0), 1)

	tests := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{"missing email", CreateRequest{Patient: newPatientInput(""), TreatmentTypeID: f.short.ID, StartSlotID: provSlots[0].ID}, "email"},
		{"malformed email", CreateRequest{Patient: newPatientInput("not-an-email"), TreatmentTypeID: f.short.ID, StartSlotID: provSlots[0].ID}, "email"},
		{"missing name", CreateRequest{Patient: PatientInput{LastName: "X", Email: "x@example.com", Insurance: InsurancePublic}, TreatmentTypeID: f.short.ID, StartSlotID: provSlots[0].ID}, "first_name"},
		{"unknown insurance", CreateRequest{Patient: PatientInput{FirstName: "A", LastName: "B", Email: "a@example.com", Insurance: "gold"}, TreatmentTypeID: f.short.ID, StartSlotID: provSlots[0].ID}, "insurance"},
		{"bad phone", CreateRequest{Patient: PatientInput{FirstName: "A", LastName: "B", Email: "a@example.com", Phone: "call me", Insurance: InsurancePublic}, TreatmentTypeID: f.short.ID, StartSlotID: provSlots[0].ID}, "phone"},
		{"unsupported language", CreateRequest{PatientID: &f.patient.ID, TreatmentTypeID: f.short.ID, StartSlotID: provSlots[0].ID, Language: "fr"}, "language"},
		{"practice treatment on provider slot", CreateRequest{PatientID: &f.patient.ID, TreatmentTypeID: f.mfa.ID, StartSlotID: provSlots[0].ID}, "start_slot_id"},
		{"provider treatment on practice slot", CreateRequest{PatientID: &f.patient.ID, TreatmentTypeID: f.short.ID, StartSlotID: mfaSlots[0].ID}, "start_slot_id"},
		{"slot of other provider", CreateRequest{PatientID: &f.patient.ID, TreatmentTypeID: f.short.ID, StartSlotID: provSlots[0].ID, ProviderID: &f.other.ID}, "provider_id"},
		{"slot in the past", CreateRequest{PatientID: &f.patient.ID, TreatmentTypeID: f.short.ID, StartSlotID: past[0].ID}, "start_slot_id"},
		{"missing treatment", CreateRequest{PatientID: &f.patient.ID, StartSlotID: provSlots[0].ID}, "treatment_type_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateAppointment(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, "validation_error", ErrorKey(err))
		})
	}

	assert.Equal(t, []bool{true, true, true}, f.available(t, slotIDs(provSlots)...))
	assert.Zero(t, f.sink.count(EventCreated))
}

func TestCreateAppointmentUnknownReferences(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 1)
	unknown := uuid.New()

	_, err := f.svc.CreateAppointment(context.Background(), CreateRequest{PatientID: &unknown, TreatmentTypeID: f.short.ID, StartSlotID: slots[0].ID})
	assert.ErrorIs(t, err, ErrPatientNotFound)

	_, err = f.svc.CreateAppointment(context.Background(), CreateRequest{PatientID: &f.patient.ID, TreatmentTypeID: unknown, StartSlotID: slots[0].ID})
	assert.ErrorIs(t, err, ErrTreatmentNotFound)
	assert.Equal(t, "treatment_not_found", ErrorKey(err))

	_, err = f.svc.CreateAppointment(context.Background(), CreateRequest{PatientID: &f.patient.ID, TreatmentTypeID: f.short.ID, StartSlotID: unknown})
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestCreateAppointmentRespectsInsuranceAndClosures(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 3)
	private := slots[2]
	private.PrivateOnly = true
	f.repo.AddSlot(private)

	// f.patient is publicly insured.
	_, err := f.svc.CreateAppointment(context.Background(), CreateRequest{PatientID: &f.patient.ID, TreatmentTypeID: f.long.ID, StartSlotID: slots[0].ID})
	assert.ErrorIs(t, err, ErrSlotConflict)

	f.repo.AddClosure(Closure{ID: uuid.New(), StartsAt: at(day, 9, 10), EndsAt: at(day, 9, 20), Reason: "Teambesprechung"})
	_, err = f.svc.CreateAppointment(context.Background(), CreateRequest{Patient: newPatientInput("p@example.com"), TreatmentTypeID: f.long.ID, StartSlotID: slots[0].ID})
	assert.ErrorIs(t, err, ErrSlotConflict)

	// Practice-service slots ignore the closure calendar.
	mfa := f.addSlots(PracticeServiceKind(), at(day, 9, 0), 2)
	appt, err := f.svc.CreateAppointment(context.Background(), CreateRequest{PatientID: &f.patient.ID, TreatmentTypeID: f.mfa.ID, StartSlotID: mfa[0].ID})
	require.NoError(t, err)
	assert.Equal(t, PracticeServiceKind(), appt.Kind)
}

func TestCreateAppointmentSurvivesNotifierFailure(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("smtp down")
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 1)

	appt := f.book(t, f.short, slots[0])
	assert.Equal(t, StatusConfirmed, appt.Status)
	assert.Equal(t, []bool{false}, f.available(t, slots[0].ID))
}

func TestCreateAppointmentPendingInitialStatus(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.InitialStatus = string(StatusPending)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 1)

	appt := f.book(t, f.short, slots[0])
	assert.Equal(t, StatusPending, appt.Status)
}

func TestSetStatusCancelReleasesOnlyOwnSlots(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 6)
	first := f.book(t, f.long, slots[0])
	second := f.book(t, f.long, slots[3])

	updated, err := f.svc.SetStatus(context.Background(), first.ID, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, updated.Status)
	assert.NotNil(t, updated.CancelledAt)

	assert.Equal(t, []bool{true, true, true}, f.available(t, first.SlotIDs...))
	assert.Equal(t, []bool{false, false, false}, f.available(t, second.SlotIDs...))
	assert.Equal(t, 1, f.sink.count(EventCancelledByPractice))
}

func TestSetStatusTransitions(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 2)
	appt := f.book(t, f.short, slots[0])

	_, err := f.svc.SetStatus(context.Background(), appt.ID, "archived")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.SetStatus(context.Background(), appt.ID, StatusConfirmed)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	done, err := f.svc.SetStatus(context.Background(), appt.ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, []bool{false}, f.available(t, slots[0].ID))

	_, err = f.svc.SetStatus(context.Background(), appt.ID, StatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	other := f.book(t, f.short, slots[1])
	_, err = f.svc.SetStatus(context.Background(), other.ID, StatusCancelled)
	require.NoError(t, err)
	_, err = f.svc.SetStatus(context.Background(), other.ID, StatusConfirmed)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
	assert.Equal(t, "invalid_status_transition", ErrorKey(err))

	_, err = f.svc.SetStatus(context.Background(), uuid.New(), StatusCancelled)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestRescheduleMovesSlots(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 6)
	appt := f.book(t, f.long, slots[0])

	// Shift by one unit: 09:10 and 09:20 stay held by the same appointment.
	moved, err := f.svc.Reschedule(context.Background(), appt.ID, slots[1].ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{slots[1].ID, slots[2].ID, slots[3].ID}, moved.SlotIDs)
	assert.Equal(t, at(day, 9, 10), moved.StartsAt)
	assert.Equal(t, []bool{true, false, false, false, true, true}, f.available(t, slotIDs(slots)...))

	require.Equal(t, 1, f.sink.count(EventRescheduled))
	ev := f.sink.last()
	require.NotNil(t, ev.PreviousStartsAt)
	assert.Equal(t, at(day, 9, 0), *ev.PreviousStartsAt)
	assert.Equal(t, at(day, 9, 10), ev.StartsAt)
}

func TestRescheduleToOtherDayAndProvider(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 3)
	target := f.addSlots(ProviderKind(f.other.ID), at(day.AddDate(0, 0, 1), 14, 0), 3)
	appt := f.book(t, f.long, slots[0])

	moved, err := f.svc.Reschedule(context.Background(), appt.ID, target[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ProviderKind(f.other.ID), moved.Kind)
	assert.Equal(t, []bool{true, true, true}, f.available(t, slotIDs(slots)...))
	assert.Equal(t, []bool{false, false, false}, f.available(t, slotIDs(target)...))
}

func TestRescheduleConflictKeepsOriginal(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 3)
	target := f.addSlots(ProviderKind(f.provider.ID), at(day, 11, 0), 3)
	appt := f.book(t, f.long, slots[0])
	f.book(t, f.short, target[2])

	_, err := f.svc.Reschedule(context.Background(), appt.ID, target[0].ID)
	assert.ErrorIs(t, err, ErrSlotConflict)

	current, err := f.repo.GetAppointmentByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appt.SlotIDs, current.SlotIDs)
	assert.Equal(t, appt.Status, current.Status)
	assert.Equal(t, []bool{false, false, false}, f.available(t, slotIDs(slots)...))
	assert.Equal(t, []bool{true, true, false}, f.available(t, slotIDs(target)...))
	assert.Zero(t, f.sink.count(EventRescheduled))
}

func TestRescheduleRejectsTerminalAppointments(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 3)
	cancelled := f.book(t, f.short, slots[0])
	completed := f.book(t, f.short, slots[1])
	_, err := f.svc.SetStatus(context.Background(), cancelled.ID, StatusCancelled)
	require.NoError(t, err)
	_, err = f.svc.SetStatus(context.Background(), completed.ID, StatusCompleted)
	require.NoError(t, err)

	_, err = f.svc.Reschedule(context.Background(), cancelled.ID, slots[2].ID)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
	_, err = f.svc.Reschedule(context.Background(), completed.ID, slots[2].ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestRescheduleRejectsStaleStatus(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 4)
	appt := f.book(t, f.short, slots[0])

	// The caller read the appointment in a status it no longer has.
	_, err := f.repo.RescheduleAppointment(context.Background(), RescheduleChange{
		AppointmentID:  appt.ID,
		ExpectedStatus: StatusPending,
		OldSlotIDs:     appt.SlotIDs,
		NewSlotIDs:     []uuid.UUID{slots[3].ID},
		Kind:           appt.Kind,
		StartsAt:       slots[3].StartsAt,
		EndsAt:         slots[3].EndsAt,
	})
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.Equal(t, []bool{false, true}, f.available(t, slots[0].ID, slots[3].ID))
}

func TestListAppointmentsFilters(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 3)
	otherSlots := f.addSlots(ProviderKind(f.other.ID), at(day, 9, 0), 1)
	a := f.book(t, f.short, slots[0])
	f.book(t, f.short, slots[1])
	f.book(t, f.short, otherSlots[0])
	_, err := f.svc.SetStatus(context.Background(), a.ID, StatusCancelled)
	require.NoError(t, err)

	list, err := f.svc.ListAppointments(context.Background(), AppointmentFilter{ProviderID: &f.provider.ID})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = f.svc.ListAppointments(context.Background(), AppointmentFilter{ProviderID: &f.provider.ID, Statuses: ActiveStatuses})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, at(day, 9, 10), list[0].StartsAt)

	_, err = f.svc.ListAppointments(context.Background(), AppointmentFilter{From: day, To: day.Add(-time.Hour)})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.ListAppointments(context.Background(), AppointmentFilter{Statuses: []AppointmentStatus{"archived"}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetAppointmentReturnsAggregate(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(PracticeServiceKind(), at(day, 9, 0), 2)
	appt := f.book(t, f.mfa, slots[0])

	detail, err := f.svc.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, f.patient.ID, detail.Patient.ID)
	assert.Equal(t, f.mfa.Name, detail.Treatment.Name)
	assert.Nil(t, detail.Provider)
}

func TestGenerateSlotsValidatesWindow(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GenerateSlots(context.Background(), 0)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.GenerateSlots(context.Background(), 53)
	assert.ErrorIs(t, err, ErrValidation)

	n, err := f.svc.GenerateSlots(context.Background(), 8)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func (n *recordingNotifier) keys(kind EventKind) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		if ev.Kind == kind {
			out = append(out, ev.DedupeKey())
		}
	}
	return out
}

func TestRescheduleBackAndForthKeepsDedupeKeysDistinct(t *testing.T) {
	f := newFixture(t)
	a := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 1)
	b := f.addSlots(ProviderKind(f.provider.ID), at(day, 11, 0), 1)
	appt := f.book(t, f.short, a[0])

	for _, target := range []TimeSlot{b[0], a[0], b[0]} {
		_, err := f.svc.Reschedule(context.Background(), appt.ID, target.ID)
		require.NoError(t, err)
	}

	keys := f.sink.keys(EventRescheduled)
	require.Len(t, keys, 3)
	assert.NotEqual(t, keys[0], keys[1])
	assert.NotEqual(t, keys[1], keys[2])
	assert.NotEqual(t, keys[0], keys[2])
}

func TestReminderAfterMovingBackGetsFreshDedupeKey(t *testing.T) {
	f := newFixture(t)
	a := f.addSlots(ProviderKind(f.provider.ID), at(day, 10, 0), 1)
	b := f.addSlots(ProviderKind(f.provider.ID), at(day, 11, 0), 1)
	appt := f.book(t, f.short, a[0])
	f.now = at(day, 8, 0)

	sent, err := f.svc.SendDueReminders(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	_, err = f.svc.Reschedule(context.Background(), appt.ID, b[0].ID)
	require.NoError(t, err)
	_, err = f.svc.Reschedule(context.Background(), appt.ID, a[0].ID)
	require.NoError(t, err)

	sent, err = f.svc.SendDueReminders(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	keys := f.sink.keys(EventReminderDue)
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1])
}

func TestDedupeKeyStableForSameChange(t *testing.T) {
	changed := time.Date(2025, 3, 1, 8, 0, 0, 123456000, time.UTC)
	ev := NotificationEvent{
		ID:            uuid.New(),
		Kind:          EventCreated,
		AppointmentID: uuid.New(),
		StartsAt:      at(day, 9, 0),
		ChangedAt:     changed,
	}
	retry := ev
	retry.ID = uuid.New()
	assert.Equal(t, ev.DedupeKey(), retry.DedupeKey())

	later := ev
	later.ChangedAt = changed.Add(time.Microsecond)
	assert.NotEqual(t, ev.DedupeKey(), later.DedupeKey())
}
