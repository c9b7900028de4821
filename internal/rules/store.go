package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrNoSnapshot is returned before the first successful load.
var ErrNoSnapshot = errors.New("no rule snapshot loaded")

// Snapshot is an immutable, versioned rule set. Requests read one snapshot
// and use it for their whole lifetime.
type Snapshot struct {
	Version  uuid.UUID `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
	Source   string    `json:"source"`
	Engine   *Engine   `json:"-"`
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Loader Loader
	Logger *slog.Logger
	// Now is used to stamp snapshots; defaults to time.Now.
	Now func() time.Time
	// OnPublish is called with every newly published snapshot, while the
	// reload lock is held.
	OnPublish func(*Snapshot)
}

// Store holds the active snapshot. Reloads build a new snapshot and swap it
// in; a published snapshot is never modified.
type Store struct {
	loader  Loader
	logger  *slog.Logger
	now     func() time.Time
	publish func(*Snapshot)
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
}

// NewStore creates an empty store. Call Reload to publish the first snapshot.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{loader: cfg.Loader, logger: logger, now: now, publish: cfg.OnPublish}
}

// Snapshot returns the active snapshot.
func (s *Store) Snapshot() (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	return snap, nil
}

// Ready reports whether a snapshot has been published.
func (s *Store) Ready() bool {
	return s.current.Load() != nil
}

// Version returns the active snapshot version, or "" before the first load.
func (s *Store) Version() string {
	if snap := s.current.Load(); snap != nil {
		return snap.Version.String()
	}
	return ""
}

// Reload loads the rule set and publishes it as a new snapshot. On failure
// the previous snapshot stays active. Concurrent reloads are serialized.
func (s *Store) Reload(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.loader.Load(ctx)
	if err != nil {
		s.logger.Error("failed to reload rules", "source", s.loader.Source(), "error", err)
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	snap := &Snapshot{
		Version:  uuid.New(),
		LoadedAt: s.now().UTC(),
		Source:   s.loader.Source(),
		Engine:   NewEngine(rules, WithLogger(s.logger)),
	}
	s.current.Store(snap)
	if s.publish != nil {
		s.publish(snap)
	}

	s.logger.Info("rules loaded",
		"version", snap.Version.String(),
		"source", snap.Source,
		"count", len(rules),
	)
	return snap, nil
}
