package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendDueRemindersOncePerAppointment(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 4)
	due := f.book(t, f.short, slots[0])
	later := f.addSlots(ProviderKind(f.provider.ID), at(day.AddDate(0, 0, 3), 9, 0), 1)
	f.book(t, f.short, later[0])

	f.svc.cfg.InitialStatus = string(StatusPending)
	f.book(t, f.short, slots[1])

	f.now = at(day, 9, 0).Add(-20 * time.Hour)
	sent, err := f.svc.SendDueReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Equal(t, 1, f.sink.count(EventReminderDue))
	assert.Equal(t, due.ID, f.sink.last().AppointmentID)

	sent, err = f.svc.SendDueReminders(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Equal(t, 1, f.sink.count(EventReminderDue))
}

func TestRescheduleResetsReminder(t *testing.T) {
	f := newFixture(t)
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 1)
	target := f.addSlots(ProviderKind(f.provider.ID), at(day, 15, 0), 1)
	appt := f.book(t, f.short, slots[0])

	f.now = at(day, 9, 0).Add(-12 * time.Hour)
	sent, err := f.svc.SendDueReminders(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	moved, err := f.svc.Reschedule(context.Background(), appt.ID, target[0].ID)
	require.NoError(t, err)
	assert.Nil(t, moved.ReminderSentAt)

	sent, err = f.svc.SendDueReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 2, f.sink.count(EventReminderDue))
}

func TestSendDueRemindersDisabled(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.ReminderLead = 0
	slots := f.addSlots(ProviderKind(f.provider.ID), at(day, 9, 0), 1)
	f.book(t, f.short, slots[0])

	f.now = at(day, 8, 0)
	sent, err := f.svc.SendDueReminders(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}
