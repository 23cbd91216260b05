// Package eventbus implements the optional lifecycle event publisher:
// run and step transitions are announced to an AMQP exchange for
// external subscribers. It is observability only, never load-bearing —
// a publish failure is logged and swallowed, never propagated to the
// caller driving the run.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Event is the envelope published for every lifecycle transition.
type Event struct {
	Type       string      `json:"type"`
	WorkflowID string      `json:"workflow_id,omitempty"`
	RunID      string      `json:"run_id,omitempty"`
	StepID     string      `json:"step_id,omitempty"`
	Status     string      `json:"status,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
	Detail     interface{} `json:"detail,omitempty"`
}

// Publisher is the narrow interface the engine depends on. NoopPublisher
// satisfies it when AMQP_URL is unset.
type Publisher interface {
	Publish(ctx context.Context, event Event)
	Close() error
}

// NoopPublisher discards every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, event Event) {}
func (NoopPublisher) Close() error                              { return nil }

// AMQPPublisher publishes lifecycle events as fanout messages on a
// configured exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewAMQPPublisher dials url, opens a channel, and declares exchange as
// a durable fanout exchange.
func NewAMQPPublisher(url, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}

	return &AMQPPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger.With(zap.String("component", "eventbus")),
	}, nil
}

// Publish sends event as a JSON message. Errors are logged, not
// returned: a subscriber outage must never affect run execution.
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("failed to marshal lifecycle event", zap.Error(err))
		return
	}

	err = p.channel.Publish(p.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   event.OccurredAt,
	})
	if err != nil {
		p.logger.Warn("failed to publish lifecycle event", zap.String("type", event.Type), zap.Error(err))
	}
}

// Close tears down the channel and connection.
func (p *AMQPPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		return fmt.Errorf("failed to close amqp channel: %w", err)
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("failed to close amqp connection: %w", err)
	}
	return nil
}
