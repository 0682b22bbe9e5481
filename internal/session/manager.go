package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/streaming-asr-service/internal/asr"
	"github.com/skypro1111/streaming-asr-service/internal/config"
	"github.com/skypro1111/streaming-asr-service/internal/metrics"
)

// ErrCapacityExceeded is returned by Create when the session limit is
// reached. The transport layer turns it into a capacity rejection.
var ErrCapacityExceeded = errors.New("session capacity exceeded")

// cleanupInterval is how often the manager scans for idle sessions
const cleanupInterval = 30 * time.Second

// Manager owns all live sessions. Admission happens atomically under the
// manager lock so concurrent connection attempts can never exceed the
// session limit.
type Manager struct {
	sessions    map[string]*Session
	maxSessions int
	idleGrace   time.Duration
	defaults    Settings

	engine  asr.Engine
	gate    *asr.Gate
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}

	mu sync.RWMutex
}

// NewManager creates a session manager and starts its idle cleanup routine
func NewManager(cfg *config.Config, engine asr.Engine, m *metrics.Metrics, logger *slog.Logger) (*Manager, error) {
	gate, err := asr.NewGate(cfg.Engine.MaxConcurrent)
	if err != nil {
		return nil, fmt.Errorf("failed to create admission gate: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: cfg.Server.MaxSessions,
		idleGrace:   cfg.Server.GetIdleGracePeriod(),
		defaults: Settings{
			Language:             cfg.Session.DefaultLanguage,
			ChunkDuration:        cfg.Session.GetDefaultChunkDuration(),
			MaxChunkDuration:     cfg.Session.GetMaxChunkDuration(),
			UseVAD:               cfg.Endpointing.UseVAD,
			Encoding:             "base64",
			RetainContext:        cfg.Session.RetainContext,
			MaxInferenceFailures: cfg.Session.MaxInferenceFailures,
			SampleRate:           cfg.Audio.SampleRate,
			BufferMaxDuration:    cfg.Audio.GetBufferMaxDuration(),
			EnergyThreshold:      cfg.Endpointing.EnergyThreshold,
			SilenceThreshold:     cfg.Endpointing.GetSilenceThreshold(),
		},
		engine:  engine,
		gate:    gate,
		metrics: m,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		cleanup: make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// Create admits a new session and starts its run loop. Returns
// ErrCapacityExceeded when the limit is reached.
func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		m.metrics.RecordSessionRejected()
		return nil, ErrCapacityExceeded
	}

	id := uuid.New().String()
	sess, err := newSession(id, m.defaults, m.engine, m.gate, m.metrics, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	sess.onClose = m.remove

	m.sessions[id] = sess
	m.metrics.RecordSessionCreated()
	m.metrics.SetActiveSessions(len(m.sessions))

	go sess.Run()

	m.logger.Info("Session created",
		slog.String("session_id", id),
		slog.Int("active_sessions", len(m.sessions)),
	)

	return sess, nil
}

// Get retrieves a session by ID
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, exists := m.sessions[id]
	return sess, exists
}

// remove drops a finished session from the registry. Called by the
// session's run loop as it exits.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	sess, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		return
	}

	duration := time.Since(sess.startTime)
	m.metrics.RecordSessionClosed(duration.Seconds())
	m.metrics.SetActiveSessions(remaining)

	m.logger.Info("Session removed",
		slog.String("session_id", id),
		slog.Duration("duration", duration),
		slog.Int("active_sessions", remaining),
	)
}

// ActiveCount returns the number of live sessions
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// MaxSessions returns the configured session limit
func (m *Manager) MaxSessions() int {
	return m.maxSessions
}

// GateStats returns admission gate statistics
func (m *Manager) GateStats() asr.GateStats {
	return m.gate.Stats()
}

// Snapshot returns monitoring info for all live sessions
func (m *Manager) Snapshot() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, sess.Info())
	}

	return infos
}

// Stop closes all sessions and waits for the cleanup routine to finish
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.mu.RLock()
	active := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		active = append(active, sess)
	}
	m.mu.RUnlock()

	for _, sess := range active {
		sess.Close()
	}
	for _, sess := range active {
		<-sess.Done()
	}

	m.cancel()
	<-m.cleanup

	m.logger.Info("Session manager stopped",
		slog.Int("remaining_sessions", m.ActiveCount()),
	)
}

// startCleanupRoutine periodically closes sessions whose clients have gone
// quiet past the idle grace period
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_grace_period", m.idleGrace),
		slog.Duration("check_interval", cleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupIdleSessions()
		}
	}
}

// cleanupIdleSessions closes sessions inactive past the grace period
func (m *Manager) cleanupIdleSessions() {
	now := time.Now()

	m.mu.RLock()
	idle := make([]*Session, 0)
	for _, sess := range m.sessions {
		if now.Sub(sess.LastActivity()) > m.idleGrace {
			idle = append(idle, sess)
		}
	}
	m.mu.RUnlock()

	if len(idle) == 0 {
		return
	}

	m.logger.Info("Closing idle sessions", slog.Int("idle_count", len(idle)))

	for _, sess := range idle {
		m.logger.Info("Closing idle session",
			slog.String("session_id", sess.ID()),
			slog.Duration("idle_for", now.Sub(sess.LastActivity())),
		)
		sess.Close()
	}
}
