package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webcuts/orthopaedie-booking/internal/appointment"
)

func TestOutboxStoreFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newOutboxStoreWithExec(mock)
	ev := appointment.NotificationEvent{
		ID:            uuid.New(),
		Kind:          appointment.EventCreated,
		AppointmentID: uuid.New(),
		StartsAt:      time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec("INSERT INTO notification_outbox").
		WithArgs(ev.ID, ev.DedupeKey(), "created", ev.AppointmentID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Notify(context.Background(), ev))

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{"id", "dedupe_key", "kind", "appointment_id", "payload", "attempts", "created_at"}).
		AddRow(ev.ID, ev.DedupeKey(), "created", ev.AppointmentID, []byte(`{"kind":"created"}`), 0, now)
	mock.ExpectQuery("SELECT id, dedupe_key").WithArgs(int32(10), 5).WillReturnRows(rows)

	entries, err := store.FetchPending(context.Background(), 10, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, appointment.EventCreated, entries[0].Kind)
	assert.JSONEq(t, `{"kind":"created"}`, string(entries[0].Payload))

	mock.ExpectExec("UPDATE notification_outbox").WithArgs(ev.ID).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.MarkDelivered(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("UPDATE notification_outbox").WithArgs(ev.ID, "timeout").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkFailed(context.Background(), ev.ID, errors.New("timeout")))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxNotifyWrapsInsertError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO notification_outbox").WillReturnError(errors.New("conn closed"))
	err = newOutboxStoreWithExec(mock).Notify(context.Background(), appointment.NotificationEvent{Kind: appointment.EventReminderDue})
	assert.ErrorContains(t, err, "insert outbox")
}
