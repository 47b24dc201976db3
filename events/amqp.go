/*
Package events publishes payout run lifecycle events to RabbitMQ.

Every event goes to one durable queue as a persistent JSON message:

  {"id":"<uuid>","type":"payout.run.locked","occurred_at":"...","run":{...}}

Consumers (accounting export, notifications) key on type. Delivery is best
effort: the engine logs a failed publish and carries on.
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/warp/payout-engine/payout"
)

const DefaultQueue = "payout.runs"

// Message is the JSON body of a published event.
type Message struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	OccurredAt time.Time  `json:"occurred_at"`
	Run        RunPayload `json:"run"`
}

type RunPayload struct {
	ID                 int64      `json:"id"`
	PeriodStart        string     `json:"period_start"`
	PeriodEnd          string     `json:"period_end"`
	Status             string     `json:"status"`
	TotalSessions      int        `json:"total_sessions"`
	PricedSessions     int        `json:"priced_sessions"`
	UnresolvedSessions int        `json:"unresolved_sessions"`
	TotalOwedCents     int64      `json:"total_owed_cents"`
	LockedAt           *time.Time `json:"locked_at,omitempty"`
}

// NewMessage builds the wire form of an event.
func NewMessage(ev payout.Event) Message {
	r := ev.Run
	return Message{
		ID:         uuid.NewString(),
		Type:       string(ev.Type),
		OccurredAt: ev.At.UTC(),
		Run: RunPayload{
			ID:                 int64(r.ID),
			PeriodStart:        r.Period.Start.Format(payout.DateLayout),
			PeriodEnd:          r.Period.End.Format(payout.DateLayout),
			Status:             string(r.Status),
			TotalSessions:      r.TotalSessions,
			PricedSessions:     r.PricedSessions,
			UnresolvedSessions: r.UnresolvedSessions,
			TotalOwedCents:     r.TotalOwedCents,
			LockedAt:           r.LockedAt,
		},
	}
}

// Publisher implements payout.Publisher over one AMQP connection.
// The channel is reopened after a failure on the next publish.
type Publisher struct {
	url    string
	queue  string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ payout.Publisher = (*Publisher)(nil)

// NewPublisher dials the broker and declares the queue.
func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{url: url, queue: DefaultQueue, logger: logger}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(
		p.queue, // name
		true,    // durable
		false,   // autoDelete
		false,   // exclusive
		false,   // noWait
		nil,     // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *Publisher) Publish(ctx context.Context, ev payout.Event) error {
	msg := NewMessage(ev)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		p.closeLocked()
		if err := p.connect(); err != nil {
			return err
		}
	}

	err = p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         msg.Type,
			Timestamp:    msg.OccurredAt,
			Body:         body,
		})
	if err != nil {
		p.closeLocked()
		return fmt.Errorf("rabbitmq publish: %w", err)
	}

	p.logger.Debug("payout event published",
		zap.String("event", msg.Type),
		zap.String("message_id", msg.ID),
		zap.Int64("run_id", msg.Run.ID))
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
