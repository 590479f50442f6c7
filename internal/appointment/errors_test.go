package appointment

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKey(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{invalid("email", "malformed"), "validation_error"},
		{fmt.Errorf("create booking: %w", ErrSlotConflict), "slot_conflict"},
		{ErrInvalidToken, "invalid_token"},
		{ErrAlreadyCancelled, "already_cancelled"},
		{ErrPastAppointment, "past_appointment"},
		{ErrDeadlineExceeded, "deadline_exceeded"},
		{fmt.Errorf("load: %w", ErrAppointmentNotFound), "appointment_not_found"},
		{ErrAbsenceNotFound, "absence_not_found"},
		{ErrNotFound, "not_found"},
		{fmt.Errorf("%w: completed", ErrInvalidStatusTransition), "invalid_status_transition"},
		{ErrStatusConflict, "status_conflict"},
		{ErrCascadeInProgress, "absence_cascade_in_progress"},
		{fmt.Errorf("list slots: %w: %w", ErrTransientStore, errors.New("i/o timeout")), "store_unavailable"},
		{context.DeadlineExceeded, "store_unavailable"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKey(tt.err), "%v", tt.err)
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("x: %w", ErrTransientStore)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(ErrSlotConflict))
	assert.False(t, IsTransient(nil))
}
