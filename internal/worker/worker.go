// Package worker evaluates profiles submitted on the event bus and serves
// bus-triggered rule reloads.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Recorder counts evaluations performed by the worker.
type Recorder interface {
	ObserveEvaluation(operation string)
}

// Worker evaluates submitted profiles and performs requested reloads.
type Worker struct {
	bus      domain.EventBus
	repo     domain.Repository
	engine   *rules.Engine
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Option configures a Worker.
type Option func(*Worker)

// WithRecorder sets the evaluation recorder.
func WithRecorder(r Recorder) Option {
	return func(w *Worker) { w.recorder = r }
}

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// NewWorker creates a new async worker. repo may be nil, in which case
// evaluations are published but not persisted.
func NewWorker(eventBus domain.EventBus, repo domain.Repository, engine *rules.Engine, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		bus:    eventBus,
		repo:   repo,
		engine: engine,
		logger: slog.Default(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start subscribes to profile submissions and reload requests. Both are
// published under domain.GlobalScope. When the bus supports queue groups,
// each submission is evaluated by one node; reloads always reach every node.
func (w *Worker) Start() error {
	handlers := []struct {
		topic   string
		handler domain.MessageHandler
		shared  bool
	}{
		{domain.TopicProfileSubmitted, w.handleProfile, true},
		{domain.TopicRulesReload, w.handleReload, false},
	}

	qs, canQueue := w.bus.(domain.QueueSubscriber)
	for _, h := range handlers {
		var sub domain.Subscription
		var err error
		if h.shared && canQueue {
			sub, err = qs.QueueSubscribe(w.ctx, domain.GlobalScope, h.topic, domain.WorkerQueue, h.handler)
		} else {
			sub, err = w.bus.Subscribe(w.ctx, domain.GlobalScope, h.topic, h.handler)
		}
		if err != nil {
			w.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", h.topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	w.logger.Info("worker started", "topics", len(w.subscriptions))
	return nil
}

// handleProfile evaluates a submitted profile, stores the applicable rules
// as pending results and announces the outcome in the business scope.
func (w *Worker) handleProfile(ctx context.Context, msg *domain.Message) error {
	start := w.now()

	var sub domain.ProfileSubmission
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		w.logger.Error("failed to parse profile submission",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if sub.BusinessID == "" {
		w.logger.Error("profile submission without business id", "message_id", msg.ID)
		return fmt.Errorf("message %s: businessId is required", msg.ID)
	}

	traceID := sub.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	applicable, snap, err := w.engine.Evaluate(sub.Profile)
	if err != nil {
		w.logger.Error("profile evaluation failed",
			"business_id", sub.BusinessID,
			"error", err,
		)
		return err
	}
	if w.recorder != nil {
		w.recorder.ObserveEvaluation("worker")
	}

	if w.repo != nil {
		results := rules.SnapshotResults(sub.BusinessID, snap, applicable, w.now().UTC())
		if err := w.repo.SaveComplianceResults(ctx, sub.BusinessID, results); err != nil {
			w.logger.Error("failed to save compliance results",
				"business_id", sub.BusinessID,
				"error", err,
			)
		}
	}

	event := domain.ComplianceEvaluated{
		BusinessID:      sub.BusinessID,
		SnapshotVersion: snap.Version,
		RuleIDs:         domain.RuleIDs(applicable),
		TraceID:         traceID,
	}
	for _, r := range applicable {
		if r.Mandatory {
			event.MandatoryCount++
		}
	}
	if cost, err := w.engine.TotalCost(applicable); err == nil {
		event.TotalCost = &cost
	} else {
		w.logger.Warn("cost summary unavailable",
			"business_id", sub.BusinessID,
			"error", err,
		)
	}

	if err := bus.PublishJSON(ctx, w.bus, sub.BusinessID, domain.TopicComplianceEvaluated, event); err != nil {
		w.logger.Error("failed to publish evaluation",
			"business_id", sub.BusinessID,
			"error", err,
		)
	}

	w.logger.Info("profile evaluated",
		"business_id", sub.BusinessID,
		"trace_id", traceID,
		"snapshot_version", snap.Version,
		"applicable", len(applicable),
		"duration_ms", w.now().Sub(start).Milliseconds(),
	)
	return nil
}

// handleReload reloads the rule store and announces the result. A
// request made through EventBus.Request also gets the result as reply.
func (w *Worker) handleReload(ctx context.Context, msg *domain.Message) error {
	event := domain.RulesReloaded{}

	snap, err := w.engine.Store().Reload(ctx)
	if err != nil {
		event.Error = err.Error()
		if cur, curErr := w.engine.Store().Snapshot(); curErr == nil {
			event.Version = cur.Version
		}
	} else {
		event.Version = snap.Version
	}

	if err := bus.PublishJSON(ctx, w.bus, domain.GlobalScope, domain.TopicRulesReloaded, event); err != nil {
		w.logger.Error("failed to publish reload result", "error", err)
	}
	if replyTo := msg.Metadata["reply_to"]; replyTo != "" {
		if err := bus.PublishJSON(ctx, w.bus, msg.Scope, replyTo, event); err != nil {
			w.logger.Error("failed to reply to reload request", "error", err)
		}
	}
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.logger.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
