package appointment

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation                   = errors.New("validation failed")
	ErrSlotConflict                 = errors.New("requested slots are no longer available")
	ErrInvalidToken                 = errors.New("cancellation token is invalid")
	ErrAlreadyCancelled             = errors.New("appointment is already cancelled")
	ErrPastAppointment              = errors.New("appointment has already started")
	ErrDeadlineExceeded             = errors.New("cancellation deadline has passed")
	ErrNotFound                     = errors.New("not found")
	ErrTransientStore               = errors.New("booking store temporarily unavailable")
	ErrInvalidStatusTransition      = errors.New("invalid status transition")
	ErrStatusConflict               = errors.New("appointment changed concurrently")
	ErrPatientHasActiveAppointments = errors.New("patient has active appointments")
	ErrCascadeInProgress            = errors.New("absence cascade already running for provider")
)

var (
	ErrPatientNotFound     = fmt.Errorf("patient %w", ErrNotFound)
	ErrProviderNotFound    = fmt.Errorf("provider %w", ErrNotFound)
	ErrTreatmentNotFound   = fmt.Errorf("treatment type %w", ErrNotFound)
	ErrSlotNotFound        = fmt.Errorf("slot %w", ErrNotFound)
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", ErrNotFound)
	ErrAbsenceNotFound     = fmt.Errorf("absence %w", ErrNotFound)
)

// ValidationError names the offending input field and a machine readable reason.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ErrorKey maps an error to the stable key presentation layers translate.
// Unknown errors map to "internal_error".
func ErrorKey(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrSlotConflict):
		return "slot_conflict"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrAlreadyCancelled):
		return "already_cancelled"
	case errors.Is(err, ErrPastAppointment):
		return "past_appointment"
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, ErrPatientNotFound):
		return "patient_not_found"
	case errors.Is(err, ErrProviderNotFound):
		return "provider_not_found"
	case errors.Is(err, ErrTreatmentNotFound):
		return "treatment_not_found"
	case errors.Is(err, ErrSlotNotFound):
		return "slot_not_found"
	case errors.Is(err, ErrAppointmentNotFound):
		return "appointment_not_found"
	case errors.Is(err, ErrAbsenceNotFound):
		return "absence_not_found"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidStatusTransition):
		return "invalid_status_transition"
	case errors.Is(err, ErrStatusConflict):
		return "status_conflict"
	case errors.Is(err, ErrPatientHasActiveAppointments):
		return "patient_has_active_appointments"
	case errors.Is(err, ErrCascadeInProgress):
		return "absence_cascade_in_progress"
	case IsTransient(err):
		return "store_unavailable"
	default:
		return "internal_error"
	}
}

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore) || errors.Is(err, context.DeadlineExceeded)
}
