package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// NATSBus implements EventBus on NATS for multi-node deployments.
// Subjects are "<topic>.<scope>", so "kestrel.compliance.evaluated.*"
// follows every business.
type NATSBus struct {
	mu     sync.Mutex
	conn   *nats.Conn
	subs   map[string]*natsSubscription
	logger *slog.Logger
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to cfg.NATSUrl. The first connect is retried with a
// doubling backoff capped at cfg.NATSReconnectWait seconds; after that the
// client reconnects on its own.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}
	maxWait := time.Duration(cfg.NATSReconnectWait) * time.Second

	logger := slog.Default().With("component", "nats")
	opts := natsOptions(cfg, maxWait, logger)

	var conn *nats.Conn
	var err error
	wait := 250 * time.Millisecond
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		conn, err = nats.Connect(cfg.NATSUrl, opts...)
		if err == nil {
			break
		}
		logger.Warn("NATS connect failed", "attempt", attempt, "retry_in", wait, "error", err)
		time.Sleep(wait)
		wait = min(wait*2, maxWait)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSUrl, err)
	}

	logger.Info("NATS connected", "url", conn.ConnectedUrl(), "server_id", conn.ConnectedServerId())
	return &NATSBus{
		conn:   conn,
		subs:   make(map[string]*natsSubscription),
		logger: logger,
	}, nil
}

func natsOptions(cfg domain.EventBusConfig, reconnectWait time.Duration, logger *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			if errors.Is(err, nats.ErrSlowConsumer) {
				logger.Warn("NATS slow consumer, messages dropped", "subject", subject)
				return
			}
			logger.Error("NATS error", "error", err, "subject", subject)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// Publish sends a message to a NATS subject.
func (b *NATSBus) Publish(ctx context.Context, scope string, topic string, payload []byte) error {
	if scope == "" {
		return ErrScopeRequired
	}
	return b.publish(newMessage(scope, topic, payload, nil))
}

func (b *NATSBus) publish(msg *domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return b.conn.Publish(makeSubject(msg.Scope, msg.Topic), data)
}

// Subscribe delivers every message on the subject to handler.
func (b *NATSBus) Subscribe(ctx context.Context, scope string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, scope, topic, "", handler)
}

// QueueSubscribe shares the subject among every subscriber using queue;
// each message reaches one of them.
func (b *NATSBus) QueueSubscribe(ctx context.Context, scope string, topic string, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	return b.subscribe(ctx, scope, topic, queue, handler)
}

func (b *NATSBus) subscribe(ctx context.Context, scope, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if scope == "" {
		return nil, ErrScopeRequired
	}

	cb := func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Error("failed to unmarshal NATS message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, &msg); err != nil {
			b.logger.Error("handler error", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	}

	subject := makeSubject(scope, topic)
	var natsSub *nats.Subscription
	var err error
	if queue == "" {
		natsSub, err = b.conn.Subscribe(subject, cb)
	} else {
		natsSub, err = b.conn.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	sub := &natsSubscription{
		id:    uuid.New().String(),
		topic: topic,
		sub:   natsSub,
		bus:   b,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub, nil
}

// Request publishes payload and waits for one reply. As with ChannelBus,
// the responder publishes to msg.Metadata["reply_to"] in the same scope.
func (b *NATSBus) Request(ctx context.Context, scope string, topic string, payload []byte) ([]byte, error) {
	if scope == "" {
		return nil, ErrScopeRequired
	}

	replyTopic := topic + ".reply." + uuid.New().String()
	replyCh := make(chan []byte, 1)

	sub, err := b.Subscribe(ctx, scope, replyTopic, func(_ context.Context, msg *domain.Message) error {
		select {
		case replyCh <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	// The reply subscription must reach the server before the request
	// can be answered.
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return nil, err
	}

	if err := b.publish(newMessage(scope, topic, payload, map[string]string{"reply_to": replyTopic})); err != nil {
		return nil, err
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping checks NATS connectivity.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the connection, letting handlers finish messages already
// delivered, then closes it.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[string]*natsSubscription)
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func makeSubject(scope, topic string) string {
	return topic + "." + subjectToken(scope)
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}

var _ domain.QueueSubscriber = (*NATSBus)(nil)
