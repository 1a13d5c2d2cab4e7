package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// AMQPSink publishes audit events to a topic exchange with routing key
// "audit.<kind>", so downstream dashboards can bind per event kind.
type AMQPSink struct {
	conn     *amqp091.Connection
	exchange string
}

var _ Sink = (*AMQPSink)(nil)

// NewAMQPSink connects to the broker and declares the exchange.
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPSink{conn: conn, exchange: exchange}, nil
}

func (s *AMQPSink) Append(ctx context.Context, kind string, entry map[string]any) {
	ch, err := s.conn.Channel()
	if err != nil {
		slog.Error("AMQPSink channel open failed", "error", err, "kind", kind)
		return
	}
	defer ch.Close()

	body, err := json.Marshal(entry)
	if err != nil {
		slog.Error("AMQPSink encode failed", "error", err, "kind", kind)
		return
	}

	err = ch.PublishWithContext(
		ctx, s.exchange, "audit."+kind, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		slog.Error("AMQPSink publish failed", "error", err, "kind", kind)
	}
}

func (s *AMQPSink) Close() error {
	return s.conn.Close()
}
