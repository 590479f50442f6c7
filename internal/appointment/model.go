package appointment

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
)

// ActiveStatuses are the statuses that hold slots.
var ActiveStatuses = []AppointmentStatus{StatusPending, StatusConfirmed}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

type Kind string

const (
	KindProvider        Kind = "provider"
	KindPracticeService Kind = "practice_service"
)

// BookingKind tells provider-scoped bookings apart from practice-service
// bookings that are not assigned to a provider. ProviderID is uuid.Nil for
// the practice service.
type BookingKind struct {
	Kind       Kind
	ProviderID uuid.UUID
}

func ProviderKind(providerID uuid.UUID) BookingKind {
	return BookingKind{Kind: KindProvider, ProviderID: providerID}
}

func PracticeServiceKind() BookingKind {
	return BookingKind{Kind: KindPracticeService}
}

func (k BookingKind) IsProvider() bool {
	return k.Kind == KindProvider
}

// ProviderRef returns the provider id or nil for practice-service bookings.
func (k BookingKind) ProviderRef() *uuid.UUID {
	if !k.IsProvider() {
		return nil
	}
	id := k.ProviderID
	return &id
}

func (k BookingKind) String() string {
	if k.IsProvider() {
		return string(k.Kind) + ":" + k.ProviderID.String()
	}
	return string(KindPracticeService)
}

// kindFromProvider maps a nullable provider column to a BookingKind.
func kindFromProvider(providerID *uuid.UUID) BookingKind {
	if providerID == nil || *providerID == uuid.Nil {
		return PracticeServiceKind()
	}
	return ProviderKind(*providerID)
}

type Insurance string

const (
	InsurancePublic  Insurance = "public"
	InsurancePrivate Insurance = "private"
)

func (i Insurance) Valid() bool {
	return i == InsurancePublic || i == InsurancePrivate
}

type AbsenceReason string

const (
	AbsenceSick     AbsenceReason = "sick"
	AbsenceVacation AbsenceReason = "vacation"
	AbsenceOther    AbsenceReason = "other"
)

func (r AbsenceReason) Valid() bool {
	switch r {
	case AbsenceSick, AbsenceVacation, AbsenceOther:
		return true
	}
	return false
}

// AnonymizedName replaces a scrubbed patient's first name.
const AnonymizedName = "Anonymisiert"

type Patient struct {
	ID           uuid.UUID
	FirstName    string
	LastName     string
	Email        *string
	Phone        *string
	Insurance    Insurance
	AnonymizedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (p Patient) FullName() string {
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

type Provider struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TreatmentType struct {
	ID              uuid.UUID
	Name            string
	DurationMinutes int
	PracticeService bool
}

// Class is the slot class a treatment is booked into.
func (t TreatmentType) Class() Kind {
	if t.PracticeService {
		return KindPracticeService
	}
	return KindProvider
}

type TimeSlot struct {
	ID          uuid.UUID
	Owner       BookingKind
	StartsAt    time.Time
	EndsAt      time.Time
	Available   bool
	PrivateOnly bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Appointment struct {
	ID                uuid.UUID
	PatientID         uuid.UUID
	TreatmentTypeID   uuid.UUID
	Kind              BookingKind
	SlotIDs           []uuid.UUID
	StartsAt          time.Time
	EndsAt            time.Time
	Status            AppointmentStatus
	CancellationToken string
	Language          string
	Notes             *string
	CancelledAt       *time.Time
	ReminderSentAt    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AppointmentDetail is the aggregate handed to callers and notifications.
// Provider is nil for practice-service bookings.
type AppointmentDetail struct {
	Appointment
	Patient   *Patient
	Treatment *TreatmentType
	Provider  *Provider
}

type Absence struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	StartDate  time.Time
	EndDate    time.Time
	Reason     AbsenceReason
	Note       *string
	CreatedAt  time.Time
}

// Closure is a practice-wide closed period owned by the closure calendar.
type Closure struct {
	ID       uuid.UUID
	StartsAt time.Time
	EndsAt   time.Time
	Reason   string
}

func (c Closure) overlaps(start, end time.Time) bool {
	return start.Before(c.EndsAt) && end.After(c.StartsAt)
}

// SlotFilter selects slots with StartsAt in [From, To).
type SlotFilter struct {
	From       time.Time
	To         time.Time
	Class      Kind
	ProviderID *uuid.UUID
}

// AppointmentFilter selects appointments with StartsAt in [From, To) when
// the bounds are set.
type AppointmentFilter struct {
	From       time.Time
	To         time.Time
	ProviderID *uuid.UUID
	PatientID  *uuid.UUID
	Statuses   []AppointmentStatus
	Limit      int
	Offset     int
}

// RescheduleChange describes an atomic move of an appointment to a new slot run.
type RescheduleChange struct {
	AppointmentID  uuid.UUID
	ExpectedStatus AppointmentStatus
	OldSlotIDs     []uuid.UUID
	NewSlotIDs     []uuid.UUID
	Kind           BookingKind
	StartsAt       time.Time
	EndsAt         time.Time
	Days           RunDays
}

// RunDays are the first and last practice-local dates a slot run touches.
// Stores re-check provider absences against them when committing.
type RunDays struct {
	First time.Time
	Last  time.Time
}
