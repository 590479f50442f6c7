package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/webcuts/orthopaedie-booking/internal/appointment"
)

func TestRedisStreamPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub := NewRedisStreamPublisher(client, "test:notifications")
	e := entry(appointment.EventCancelledByPatient)
	e.Payload = []byte(`{"kind":"cancelled_by_patient"}`)
	require.NoError(t, pub.Publish(context.Background(), e))

	msgs, err := client.XRange(context.Background(), "test:notifications", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "cancelled_by_patient", msgs[0].Values["kind"])
	assert.Equal(t, e.AppointmentID.String(), msgs[0].Values["appointment_id"])
	assert.Equal(t, string(e.Payload), msgs[0].Values["payload"])
}

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp091.Publishing
	err      error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	c.exchange, c.key, c.msg = exchange, key, msg
	return c.err
}

func TestAMQPPublisher(t *testing.T) {
	ch := &fakeChannel{}
	pub := &AMQPPublisher{channel: ch, exchange: "booking"}
	e := entry(appointment.EventReminderDue)
	e.Payload = []byte(`{}`)
	e.CreatedAt = time.Now()

	require.NoError(t, pub.Publish(context.Background(), e))
	assert.Equal(t, "booking", ch.exchange)
	assert.Equal(t, "appointment.reminder_due", ch.key)
	assert.Equal(t, e.DedupeKey, ch.msg.MessageId)
	assert.Equal(t, amqp091.Persistent, ch.msg.DeliveryMode)

	ch.err = errors.New("channel closed")
	assert.ErrorContains(t, pub.Publish(context.Background(), e), "channel closed")
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	pub := NewLogPublisher(zap.New(core))

	id := uuid.New()
	require.NoError(t, pub.Publish(context.Background(), Entry{ID: id, Kind: appointment.EventCreated, AppointmentID: id}))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "created", logs.All()[0].ContextMap()["kind"])
}
