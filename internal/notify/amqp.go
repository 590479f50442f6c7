package notify

import (
	"context"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// AMQPPublisher publishes entries to a topic exchange with routing key
// "appointment.<kind>".
type AMQPPublisher struct {
	channel  amqpChannel
	exchange string
}

// NewAMQPPublisher opens a channel on conn and declares the exchange.
func NewAMQPPublisher(conn *amqp091.Connection, exchange string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("notify: open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("notify: declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{channel: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Name() string { return "amqp" }

func (p *AMQPPublisher) Publish(ctx context.Context, entry Entry) error {
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    entry.DedupeKey,
		Timestamp:    entry.CreatedAt,
		Type:         string(entry.Kind),
		Body:         entry.Payload,
		Headers: amqp091.Table{
			"appointment_id": entry.AppointmentID.String(),
		},
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, "appointment."+string(entry.Kind), false, false, msg); err != nil {
		return fmt.Errorf("notify: publish %s: %w", entry.Kind, err)
	}
	return nil
}
