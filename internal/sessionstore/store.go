// Package sessionstore holds the process-wide, in-memory table of
// per-principal work-in-progress sessions (§4.1). Sessions are never
// persisted: a restart discards all in-flight work by design (§1, §9).
package sessionstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bitriver-submerger/internal/models"
	"bitriver-submerger/internal/observability/metrics"
)

// Cleanup releases whatever resources a terminating session owns: temp
// files, subprocess handles, and status surfaces. Terminate removes the
// session from the store first and then invokes Cleanup under that
// session's own lock, per the §3 invariant that a terminal session is never
// left both recorded and resource-holding.
type Cleanup func(ctx context.Context, session *models.Session)

// Config configures a Store.
type Config struct {
	Logger *slog.Logger
	// IdleHorizon is how long a session may go without activity before the
	// reaper terminates it. Defaults to 30 minutes per §4.1.
	IdleHorizon time.Duration
	// ReapInterval is how often the background reaper scans for idle
	// sessions. Defaults to 60 seconds per §4.1.
	ReapInterval time.Duration
	Metrics      *metrics.Recorder
}

// Store is the per-principal session table. Mutation of a single session is
// serialized through that session's own lock; the store never holds a
// process-wide lock across a mutate call, keeping it safe to call from the
// event loop's hot path.
type Store struct {
	logger      *slog.Logger
	idleHorizon time.Duration
	reapEvery   time.Duration
	metrics     *metrics.Recorder

	mu       sync.Mutex
	entries  map[models.Principal]*entry
	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}

	cleanupMu sync.RWMutex
	cleanup   Cleanup
}

type entry struct {
	mu      sync.Mutex
	session *models.Session
}

// New constructs a Store and starts its background idle reaper.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	horizon := cfg.IdleHorizon
	if horizon <= 0 {
		horizon = 30 * time.Minute
	}
	interval := cfg.ReapInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	store := &Store{
		logger:      logger,
		idleHorizon: horizon,
		reapEvery:   interval,
		metrics:     recorder,
		entries:     make(map[models.Principal]*entry),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go store.reapLoop()
	return store
}

// SetCleanupHook installs the Cleanup the background idle reaper invokes
// when it terminates a session on the store's behalf. Callers that always
// pass an explicit Cleanup to Terminate do not need this; it exists because
// the reaper has no caller to supply one per tick.
func (s *Store) SetCleanupHook(cleanup Cleanup) {
	s.cleanupMu.Lock()
	s.cleanup = cleanup
	s.cleanupMu.Unlock()
}

func (s *Store) cleanupHook() Cleanup {
	s.cleanupMu.RLock()
	defer s.cleanupMu.RUnlock()
	return s.cleanup
}

// Close stops the background reaper. It does not terminate existing
// sessions.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
}

func (s *Store) reapLoop() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.reapOnce(now, s.cleanupHook())
		}
	}
}

func (s *Store) reapOnce(now time.Time, cleanup Cleanup) {
	for _, principal := range s.idlePrincipals(now) {
		if err := s.Terminate(context.Background(), principal, cleanup); err != nil {
			s.logger.Warn("idle reap failed", "principal_id", principal, "error", err)
		}
	}
}

func (s *Store) idlePrincipals(now time.Time) []models.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var idle []models.Principal
	for principal, e := range s.entries {
		e.mu.Lock()
		isIdle := e.session.Idle(now, s.idleHorizon)
		e.mu.Unlock()
		if isIdle {
			idle = append(idle, principal)
		}
	}
	return idle
}

// ErrAlreadyActive is returned by Create when the principal already owns an
// active session, per the §3 invariant that a principal owns at most one.
type ErrAlreadyActive struct {
	Principal models.Principal
}

func (e ErrAlreadyActive) Error() string {
	return fmt.Sprintf("principal %d already has an active session", e.Principal)
}

// Create installs a new session for the principal. It fails if one already
// exists.
func (s *Store) Create(session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[session.PrincipalID]; exists {
		return ErrAlreadyActive{Principal: session.PrincipalID}
	}
	s.entries[session.PrincipalID] = &entry{session: session}
	s.metrics.ObserveSessionStage(string(session.Stage))
	return nil
}

// Get returns the session owned by principal, if any. The returned session
// must only be read, not mutated, outside of Mutate's callback.
func (s *Store) Get(principal models.Principal) (*models.Session, bool) {
	s.mu.Lock()
	e, ok := s.entries[principal]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, true
}

// Mutate runs fn with exclusive access to the principal's session, serialized
// against any other Mutate/Terminate call for the same principal. It updates
// LastActivityAt before invoking fn.
func (s *Store) Mutate(principal models.Principal, now time.Time, fn func(session *models.Session) error) error {
	s.mu.Lock()
	e, ok := s.entries[principal]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active session for principal %d", principal)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Touch(now)
	if err := fn(e.session); err != nil {
		return err
	}
	s.metrics.ObserveSessionStage(string(e.session.Stage))
	return nil
}

// Terminate removes the principal's session from the store, then cancels
// its in-flight work and invokes cleanup (if non-nil) while holding the
// session's own lock, per the §3 invariant. Terminating a principal with no
// active session is a no-op,
// making the operation idempotent per §8.
func (s *Store) Terminate(ctx context.Context, principal models.Principal, cleanup Cleanup) error {
	s.mu.Lock()
	e, ok := s.entries[principal]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.entries, principal)
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Cancel()
	if cleanup != nil {
		cleanup(ctx, e.session)
	}
	s.metrics.ObserveSessionStage(string(e.session.Stage))
	return nil
}

// Len reports the number of active sessions, used only by tests and the
// admin HTTP diagnostics surface.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
