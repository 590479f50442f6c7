package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventCreated             EventKind = "created"
	EventReminderDue         EventKind = "reminder_due"
	EventRescheduled         EventKind = "rescheduled"
	EventCancelledByPatient  EventKind = "cancelled_by_patient"
	EventCancelledByPractice EventKind = "cancelled_by_practice"
)

type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// NotificationEvent carries what a delivery subsystem needs to render and
// send a message. The core does not persist it.
type NotificationEvent struct {
	ID                uuid.UUID  `json:"id"`
	Kind              EventKind  `json:"kind"`
	AppointmentID     uuid.UUID  `json:"appointment_id"`
	OccurredAt        time.Time  `json:"occurred_at"`
	Patient           Contact    `json:"patient"`
	Language          string     `json:"language"`
	BookingKind       Kind       `json:"booking_kind"`
	Treatment         string     `json:"treatment"`
	Provider          string     `json:"provider,omitempty"`
	StartsAt          time.Time  `json:"starts_at"`
	EndsAt            time.Time  `json:"ends_at"`
	CancellationToken string     `json:"cancellation_token,omitempty"`
	Deadline          *time.Time `json:"deadline,omitempty"`
	PreviousStartsAt  *time.Time `json:"previous_starts_at,omitempty"`
	PreviousEndsAt    *time.Time `json:"previous_ends_at,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	// ChangedAt is the appointment's updated_at when the event was built.
	// Every committed change moves it forward.
	ChangedAt time.Time `json:"changed_at"`
}

// DedupeKey identifies the logical notification so sinks can drop repeats.
// Re-emitting for the same committed change yields the same key; a later
// change of the same appointment never does, even when it moves back to an
// earlier start.
func (e NotificationEvent) DedupeKey() string {
	return fmt.Sprintf("%s:%s:%d:%d", e.AppointmentID, e.Kind, e.StartsAt.Unix(), e.ChangedAt.UnixMicro())
}

// Notifier hands events to the delivery subsystem.
type Notifier interface {
	Notify(ctx context.Context, ev NotificationEvent) error
}

type NotifierFunc func(ctx context.Context, ev NotificationEvent) error

func (f NotifierFunc) Notify(ctx context.Context, ev NotificationEvent) error {
	return f(ctx, ev)
}

func newEvent(kind EventKind, detail *AppointmentDetail, now time.Time) NotificationEvent {
	ev := NotificationEvent{
		ID:                uuid.New(),
		Kind:              kind,
		AppointmentID:     detail.ID,
		OccurredAt:        now,
		Language:          detail.Language,
		BookingKind:       detail.Kind.Kind,
		StartsAt:          detail.StartsAt,
		EndsAt:            detail.EndsAt,
		CancellationToken: detail.CancellationToken,
		ChangedAt:         detail.UpdatedAt,
	}
	if p := detail.Patient; p != nil {
		ev.Patient.Name = p.FullName()
		if p.Email != nil {
			ev.Patient.Email = *p.Email
		}
		if p.Phone != nil {
			ev.Patient.Phone = *p.Phone
		}
	}
	if detail.Treatment != nil {
		ev.Treatment = detail.Treatment.Name
	}
	if detail.Provider != nil {
		ev.Provider = detail.Provider.Name
	}
	return ev
}
