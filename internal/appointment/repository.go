package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository contains all store interactions needed by the service.
// Every mutating method is atomic: it either applies completely or not at all.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetTreatmentTypeByID(ctx context.Context, id uuid.UUID) (*TreatmentType, error)

	// Slots and the calendars that block them
	GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	ListSlots(ctx context.Context, filter SlotFilter) ([]TimeSlot, error)
	ListClosures(ctx context.Context, from, to time.Time) ([]Closure, error)
	ListAbsences(ctx context.Context, providerID *uuid.UUID, from, to time.Time) ([]Absence, error)
	GenerateSlots(ctx context.Context, weeksAhead int) (int, error)

	// Appointment reads
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentByToken(ctx context.Context, token string) (*Appointment, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error)
	ListReminderCandidates(ctx context.Context, from, to time.Time) ([]Appointment, error)

	// CreateBooking inserts patient when it is non-nil, reserves appt.SlotIDs
	// and inserts the appointment. ErrSlotConflict when any slot is no longer
	// available or a closure or provider absence covers the run by commit
	// time; nothing is written in that case.
	CreateBooking(ctx context.Context, patient *Patient, appt *Appointment, days RunDays) (*Appointment, error)
	// RescheduleAppointment reserves the new slots, releases the old ones and
	// moves the appointment in one step. The new run is re-checked against
	// closures and absences like CreateBooking.
	RescheduleAppointment(ctx context.Context, change RescheduleChange) (*Appointment, error)
	// UpdateAppointmentStatus is a compare-and-swap on the status. Moving to
	// cancelled releases the held slots. ErrStatusConflict when the stored
	// status is no longer from.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	AnonymizePatient(ctx context.Context, id uuid.UUID, at time.Time) error

	// Absences
	// CreateAbsence serializes with bookings for the same provider: a
	// booking either commits before the absence exists or fails.
	CreateAbsence(ctx context.Context, absence *Absence) (*Absence, error)
	GetAbsenceByID(ctx context.Context, id uuid.UUID) (*Absence, error)
	DeleteAbsence(ctx context.Context, id uuid.UUID) error
}
