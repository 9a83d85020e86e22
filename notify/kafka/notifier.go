// Package kafka publishes low-balance warnings to a Kafka topic.
//
// The Notifier is an engine plugin. Each crossed threshold becomes one JSON
// message keyed by tenant ID, so all warnings for a tenant land on the same
// partition in the order they were raised.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	skafka "github.com/segmentio/kafka-go"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/plugin"
)

// DefaultTopic receives warnings when no topic is configured.
const DefaultTopic = "credits.warnings"

// EventType is the type field of every warning message.
const EventType = "credits.threshold_crossed"

var (
	_ plugin.Plugin             = (*Notifier)(nil)
	_ plugin.OnThresholdCrossed = (*Notifier)(nil)
	_ plugin.OnShutdown         = (*Notifier)(nil)
)

// Writer is the subset of kafka.Writer the notifier uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Event is the message body.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	TenantID       string    `json:"tenant_id"`
	Threshold      int       `json:"threshold"`
	Balance        int64     `json:"balance"`
	LifetimeEarned int64     `json:"lifetime_earned"`
	IsFreeTier     bool      `json:"is_free_tier"`
	NextGrantAt    time.Time `json:"next_grant_at"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Notifier delivers threshold crossings to Kafka.
type Notifier struct {
	writer Writer
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New creates a Notifier writing to topic on the given brokers.
func New(brokers []string, topic string, opts ...Option) *Notifier {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &skafka.Writer{
		Addr:         skafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &skafka.Hash{},
		RequiredAcks: skafka.RequireOne,
	}
	return NewWithWriter(w, opts...)
}

// NewWithWriter creates a Notifier on an existing writer.
func NewWithWriter(w Writer, opts ...Option) *Notifier {
	n := &Notifier{
		writer: w,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name implements plugin.Plugin.
func (n *Notifier) Name() string { return "kafka-notifier" }

// OnThresholdCrossed implements plugin.OnThresholdCrossed.
func (n *Notifier) OnThresholdCrossed(ctx context.Context, tenantID string, threshold account.Threshold, snap *account.Snapshot) error {
	evt := Event{
		ID:         id.NewEventID().String(),
		Type:       EventType,
		TenantID:   tenantID,
		Threshold:  int(threshold),
		OccurredAt: n.now().UTC(),
	}
	if snap != nil {
		evt.Balance = snap.Balance
		evt.LifetimeEarned = snap.LifetimeEarned
		evt.IsFreeTier = snap.IsFreeTier
		evt.NextGrantAt = snap.NextGrantAt
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("credits/kafka: marshal event: %w", err)
	}

	msg := skafka.Message{
		Key:   []byte(tenantID),
		Value: body,
		Headers: []skafka.Header{
			{Key: "event_type", Value: []byte(EventType)},
			{Key: "event_id", Value: []byte(evt.ID)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		n.logger.Warn("kafka warning publish failed",
			"tenant_id", tenantID,
			"threshold", threshold.String(),
			"error", err,
		)
		return fmt.Errorf("credits/kafka: write: %w", err)
	}

	n.logger.Debug("kafka warning published",
		"tenant_id", tenantID,
		"threshold", threshold.String(),
		"event_id", evt.ID,
	)
	return nil
}

// OnShutdown implements plugin.OnShutdown.
func (n *Notifier) OnShutdown(_ context.Context) error {
	return n.writer.Close()
}
