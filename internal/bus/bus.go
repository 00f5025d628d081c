package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultRequestTimeout bounds Request when ctx carries no deadline.
const DefaultRequestTimeout = 30 * time.Second

var (
	ErrScopeRequired = errors.New("bus scope is required")
	ErrClosed        = errors.New("bus is closed")
)

// New creates the event bus named by cfg.Type: "channel" for a single
// process, "nats" for several nodes.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON marshals v and publishes it.
func PublishJSON(ctx context.Context, b domain.EventBus, scope, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, scope, topic, payload)
}

// subjectToken makes a scope safe to use as a single NATS subject token.
func subjectToken(scope string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, scope)
}

func newMessage(scope, topic string, payload []byte, metadata map[string]string) *domain.Message {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &domain.Message{
		ID:        uuid.New().String(),
		Scope:     scope,
		Topic:     topic,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: time.Now().UnixNano(),
	}
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultRequestTimeout)
}
