// Package session composes presence, debouncing, reconciliation and the
// broadcast bus into the operations one connected editor performs.
package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"graphcollab/application/broadcast"
	"graphcollab/application/debounce"
	"graphcollab/application/ports"
	"graphcollab/application/presence"
	"graphcollab/application/reconcile"
	"graphcollab/domain/events"
	apperrors "graphcollab/pkg/errors"
)

// Settings are the tunables sessions are opened with
type Settings struct {
	DebounceWindow  time.Duration
	LivenessHorizon time.Duration
	BatchPolicy     reconcile.BatchPolicy
	Rules           debounce.Rules
	LabelAttribute  string
	ErrorBuffer     int
}

// DefaultSettings returns the reference tunables
func DefaultSettings() Settings {
	return Settings{
		DebounceWindow:  debounce.DefaultWindow,
		LivenessHorizon: presence.DefaultTTL,
		BatchPolicy:     reconcile.BatchAll,
		Rules:           debounce.DefaultRules(),
		LabelAttribute:  "name",
		ErrorBuffer:     32,
	}
}

// Recorder receives commit outcomes; pkg/observability implements it
type Recorder interface {
	CommitRecorded(kind string, err error)
	SessionsChanged(open int)
}

type nopRecorder struct{}

func (nopRecorder) CommitRecorded(string, error) {}
func (nopRecorder) SessionsChanged(int)          {}

// Manager owns every open session of the process
type Manager struct {
	store    ports.GraphStore
	bus      *broadcast.Bus
	tracker  *presence.Tracker
	applier  *reconcile.Applier
	mirror   ports.EventPublisher
	clock    ports.Clock
	settings Settings
	recorder Recorder
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closing  atomic.Bool
	horizon  atomic.Int64
}

// NewManager wires a session manager. mirror may be nil.
func NewManager(
	store ports.GraphStore,
	bus *broadcast.Bus,
	tracker *presence.Tracker,
	applier *reconcile.Applier,
	mirror ports.EventPublisher,
	settings Settings,
	logger *zap.Logger,
) *Manager {
	if settings.LabelAttribute == "" {
		settings.LabelAttribute = "name"
	}
	if settings.ErrorBuffer <= 0 {
		settings.ErrorBuffer = 32
	}
	if settings.LivenessHorizon <= 0 {
		settings.LivenessHorizon = presence.DefaultTTL
	}
	if !settings.BatchPolicy.Valid() {
		settings.BatchPolicy = reconcile.BatchAll
	}
	m := &Manager{
		store:    store,
		bus:      bus,
		tracker:  tracker,
		applier:  applier,
		mirror:   mirror,
		clock:    ports.SystemClock{},
		settings: settings,
		recorder: nopRecorder{},
		logger:   logger,
		sessions: make(map[string]*Session),
	}
	m.horizon.Store(int64(settings.LivenessHorizon))
	return m
}

// SetClock replaces the clock used for liveness
func (m *Manager) SetClock(clock ports.Clock) {
	m.clock = clock
}

// SetRecorder installs a metrics recorder
func (m *Manager) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	m.recorder = r
}

// Settings returns the tunables new sessions use
func (m *Manager) Settings() Settings {
	s := m.settings
	s.LivenessHorizon = m.LivenessHorizon()
	return s
}

// LivenessHorizon is how long a session may go without a heartbeat
func (m *Manager) LivenessHorizon() time.Duration {
	return time.Duration(m.horizon.Load())
}

// SetLivenessHorizon changes the horizon used by later sweeps. Non-positive
// values are ignored.
func (m *Manager) SetLivenessHorizon(d time.Duration) {
	if d <= 0 {
		return
	}
	m.horizon.Store(int64(d))
}

// Tracker exposes the presence tracker for transports
func (m *Manager) Tracker() *presence.Tracker {
	return m.tracker
}

// Open starts a session for an authenticated user
func (m *Manager) Open(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, apperrors.NewUnauthorizedError("user identity is required to open a session")
	}
	if m.closing.Load() {
		err := apperrors.NewSessionClosedError("").WithCode("SHUTTING_DOWN")
		err.Message = "server is shutting down"
		return nil, err
	}

	s := newSession(m, uuid.New().String(), userID)

	m.mu.Lock()
	m.sessions[s.ID] = s
	open := len(m.sessions)
	m.mu.Unlock()

	m.recorder.SessionsChanged(open)
	m.logger.Info("Edit session opened",
		zap.String("sessionID", s.ID),
		zap.String("userID", userID),
	)
	return s, nil
}

// Get returns an open session
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewNotFoundError("session")
	}
	return s, nil
}

// GetForUser returns an open session only if it belongs to userID
func (m *Manager) GetForUser(sessionID, userID string) (*Session, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, apperrors.NewForbiddenError("session belongs to another user")
	}
	return s, nil
}

// Close ends a session. A graceful close commits pending edits first.
func (m *Manager) Close(ctx context.Context, sessionID string, graceful bool) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return s.Close(ctx, graceful)
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	open := len(m.sessions)
	m.mu.Unlock()
	m.recorder.SessionsChanged(open)
}

// Count returns the number of open sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IDs returns the open session ids, sorted
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Sweep force-closes sessions whose last heartbeat is older than the liveness
// horizon. Returns the number of sessions closed.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	horizon := m.LivenessHorizon()
	m.mu.RLock()
	var stale []*Session
	for _, s := range m.sessions {
		if now.Sub(s.LastSeen()) > horizon {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		m.logger.Warn("Edit session missed heartbeats, closing",
			zap.String("sessionID", s.ID),
			zap.String("userID", s.UserID),
			zap.Time("lastSeen", s.LastSeen()),
		)
		_ = s.Close(ctx, false)
	}
	return len(stale)
}

// Run sweeps stale sessions every interval until ctx is done
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = presence.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, m.clock.Now())
		}
	}
}

// Closed reports whether Shutdown has started
func (m *Manager) Closed() bool {
	return m.closing.Load()
}

// Shutdown stops new sessions and closes every open one gracefully
func (m *Manager) Shutdown(ctx context.Context) {
	m.closing.Store(true)
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if err := s.Close(ctx, true); err != nil {
			m.logger.Warn("Session did not close cleanly",
				zap.String("sessionID", s.ID),
				zap.Error(err),
			)
		}
	}
}

// publish fans a committed change out locally and mirrors it. Neither path
// can fail the write that caused it.
func (m *Manager) publish(ctx context.Context, event events.ChangeEvent) {
	delivered := m.bus.Publish(event)
	m.logger.Debug("Change published",
		zap.String("topic", event.Topic.String()),
		zap.Int("delivered", delivered),
	)
	if m.mirror == nil {
		return
	}
	if err := m.mirror.Publish(ctx, event); err != nil {
		m.logger.Warn("Change event mirror failed",
			zap.String("topic", event.Topic.String()),
			zap.Error(err),
		)
	}
}
