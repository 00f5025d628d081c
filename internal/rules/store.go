package rules

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("kestrel-rules")

// Source reads rule data partitions.
type Source interface {
	Load(ctx context.Context) (*domain.Partitions, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*domain.Partitions, error)

// Load calls f.
func (f SourceFunc) Load(ctx context.Context) (*domain.Partitions, error) {
	return f(ctx)
}

// Observer is notified about snapshot changes.
type Observer interface {
	SnapshotLoaded(s *Snapshot)
	LoadFailed(err error)
}

// Store holds the active rule snapshot. Readers take the current pointer
// without locking; loads are serialized and publish a complete snapshot
// with a single atomic store.
type Store struct {
	source   Source
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex // serializes Load and Reload
	version uint64
	current atomic.Pointer[Snapshot]
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithObserver registers an observer for snapshot changes.
func WithObserver(o Observer) StoreOption {
	return func(s *Store) { s.observer = o }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates an empty store reading from source. Call Load before use.
func NewStore(source Source, opts ...StoreOption) *Store {
	s := &Store{
		source: source,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads and validates all partitions and installs them. Failure
// returns a *LoadError and leaves the store as it was.
func (s *Store) Load(ctx context.Context) error {
	_, err := s.swap(ctx)
	return err
}

// Reload is Load for a store already serving traffic. On failure it returns
// a *ReloadError and the previous snapshot keeps serving.
func (s *Store) Reload(ctx context.Context) (*Snapshot, error) {
	ctx, span := tracer.Start(ctx, "rules.reload")
	defer span.End()

	snap, err := s.swap(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reload failed")
		if prev := s.current.Load(); prev != nil {
			s.logger.Warn("rule reload failed, keeping previous snapshot",
				"version", prev.Version,
				"error", err,
			)
		}
		return nil, &ReloadError{Err: err}
	}

	span.SetAttributes(attribute.Int64("rules.version", int64(snap.Version)))
	return snap, nil
}

func (s *Store) swap(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partitions, err := s.source.Load(ctx)
	if err != nil {
		var le *LoadError
		if !errors.As(err, &le) {
			err = &LoadError{Err: err}
		}
		s.notifyFailure(err)
		return nil, err
	}

	snap, warnings, err := newSnapshot(partitions, s.version+1, s.now().UTC())
	for _, w := range warnings {
		s.logger.Warn("rule data warning", "detail", w)
	}
	if err != nil {
		s.notifyFailure(err)
		return nil, err
	}

	s.version = snap.Version
	s.current.Store(snap)

	st := snap.Stats()
	s.logger.Info("rule snapshot loaded",
		"version", st.Version,
		"central_rules", st.CentralRules,
		"regions", len(st.RegionRules),
		"platforms", st.Platforms,
		"derived_attributes", len(st.DerivedAttribs),
	)
	if s.observer != nil {
		s.observer.SnapshotLoaded(snap)
	}
	return snap, nil
}

func (s *Store) notifyFailure(err error) {
	if s.observer != nil {
		s.observer.LoadFailed(err)
	}
}

// Snapshot returns the active snapshot.
func (s *Store) Snapshot() (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	return snap, nil
}

// Loaded reports whether a snapshot is active.
func (s *Store) Loaded() bool {
	return s.current.Load() != nil
}

// FindRuleByID looks a rule up in the active snapshot.
func (s *Store) FindRuleByID(id string) (*domain.ComplianceRule, bool) {
	snap := s.current.Load()
	if snap == nil {
		return nil, false
	}
	return snap.FindRuleByID(id)
}
