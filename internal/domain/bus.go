package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// Messages are scoped by a channel key (a business ID, or GlobalScope).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, scope string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, scope string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, scope string, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// QueueSubscriber is implemented by buses that can spread a topic over a
// named group, delivering each message to one member only.
type QueueSubscriber interface {
	QueueSubscribe(ctx context.Context, scope string, topic string, queue string, handler MessageHandler) (Subscription, error)
}

// WorkerQueue groups evaluation workers across Kestrel nodes.
const WorkerQueue = "kestrel-workers"

// GlobalScope is the bus scope for events not tied to one business.
const GlobalScope = "_global"

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Scope     string            `json:"scope"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names.
const (
	TopicProfileSubmitted    = "kestrel.profile.submitted"
	TopicComplianceEvaluated = "kestrel.compliance.evaluated"
	TopicRulesReload         = "kestrel.rules.reload"
	TopicRulesReloaded       = "kestrel.rules.reloaded"
)

// ProfileSubmission is the payload of TopicProfileSubmitted.
type ProfileSubmission struct {
	BusinessID string          `json:"businessId"`
	Profile    BusinessProfile `json:"profile"`
	TraceID    string          `json:"traceId,omitempty"`
}

// ComplianceEvaluated is the payload of TopicComplianceEvaluated.
type ComplianceEvaluated struct {
	BusinessID      string       `json:"businessId"`
	SnapshotVersion uint64       `json:"snapshotVersion"`
	RuleIDs         []string     `json:"ruleIds"`
	MandatoryCount  int          `json:"mandatoryCount"`
	TotalCost       *CostSummary `json:"totalCost,omitempty"`
	TraceID         string       `json:"traceId,omitempty"`
}

// RulesReloaded is the payload of TopicRulesReloaded. Error is set when the
// reload failed and the previous snapshot is still serving.
type RulesReloaded struct {
	Version uint64 `json:"version"`
	Error   string `json:"error,omitempty"`
}
