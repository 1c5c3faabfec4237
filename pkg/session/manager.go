// Package session runs the session lifecycle state machine. Sessions move
// through active, idle, spinning_down, suspended and expired; the manager
// evaluates every session on a timer and drives per-user tool-server spawn
// and teardown accordingly.
package session

import (
	"context"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

const (
	// EvaluateInterval is how often the state machine evaluates sessions.
	EvaluateInterval = 30 * time.Second
	// SweepInterval is how often expired sessions are swept.
	SweepInterval = time.Hour
	// ExpiredRetention is how long an expired session row is kept before the
	// sweeper deletes it.
	ExpiredRetention = 24 * time.Hour
	// MaxSessionAge is the hard cap on session lifetime from creation.
	MaxSessionAge = 24 * time.Hour

	// DefaultIdleTimeout is applied when a session declares none.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultSpindownDelay is applied when a session declares none.
	DefaultSpindownDelay = 10 * time.Minute
)

// PoolTerminator tears down a user's downstream tool servers. Satisfied by
// the per-user pool.
type PoolTerminator interface {
	Terminate(ctx context.Context, userID string) error
}

// Manager evaluates the session state machine on a timer.
type Manager struct {
	sessions    storage.SessionStore
	connections storage.ConnectionStore
	pool        PoolTerminator
	sink        audit.Sink

	// now is injected for tests.
	now func() time.Time

	evaluateInterval time.Duration
	sweepInterval    time.Duration
}

// NewManager returns a session lifecycle manager.
func NewManager(sessions storage.SessionStore, connections storage.ConnectionStore, pool PoolTerminator, sink audit.Sink) *Manager {
	return &Manager{
		sessions:         sessions,
		connections:      connections,
		pool:             pool,
		sink:             sink,
		now:              time.Now,
		evaluateInterval: EvaluateInterval,
		sweepInterval:    SweepInterval,
	}
}

// Run evaluates and sweeps until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	evaluate := time.NewTicker(m.evaluateInterval)
	sweep := time.NewTicker(m.sweepInterval)
	defer evaluate.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-evaluate.C:
			m.EvaluateAll(ctx)
		case <-sweep.C:
			m.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// EvaluateAll runs one evaluation pass over every non-terminal session.
func (m *Manager) EvaluateAll(ctx context.Context) {
	sessions, err := m.sessions.ListByStatuses(ctx,
		storage.SessionStatusActive,
		storage.SessionStatusIdle,
		storage.SessionStatusSpinningDown,
		storage.SessionStatusSuspended,
	)
	if err != nil {
		logger.Errorw("failed to list sessions for evaluation", "error", err)
		return
	}
	for _, session := range sessions {
		if err := m.evaluate(ctx, session); err != nil {
			logger.Errorw("session evaluation failed",
				"session_id", session.ID, "error", err)
		}
	}
}

// evaluate applies the state machine to one session.
func (m *Manager) evaluate(ctx context.Context, session *storage.Session) error {
	now := m.now()

	// The hard expiry cap applies from every state.
	if now.After(session.ExpiresAt) {
		if session.Status == storage.SessionStatusExpired {
			return nil
		}
		if err := m.pool.Terminate(ctx, session.UserID); err != nil {
			logger.Warnf("pool teardown for expiring session %s failed: %v", session.ID, err)
		}
		return m.transition(ctx, session, storage.SessionStatusExpired)
	}

	switch session.Status {
	case storage.SessionStatusActive:
		idle, err := m.isIdle(ctx, session, now)
		if err != nil {
			return err
		}
		if idle {
			return m.transition(ctx, session, storage.SessionStatusIdle)
		}

	case storage.SessionStatusIdle:
		spindown := session.SpindownDelay
		if spindown <= 0 {
			spindown = DefaultSpindownDelay
		}
		if now.Sub(session.StatusChangedAt) > spindown {
			if err := m.transition(ctx, session, storage.SessionStatusSpinningDown); err != nil {
				return err
			}
			return m.suspend(ctx, session)
		}

	case storage.SessionStatusSpinningDown:
		// Left over from an interrupted spin-down; finish the teardown.
		return m.suspend(ctx, session)
	}
	return nil
}

// isIdle reports whether the session has no connected connections or only
// stale heartbeats.
func (m *Manager) isIdle(ctx context.Context, session *storage.Session, now time.Time) (bool, error) {
	conns, err := m.connections.ListBySession(ctx, session.ID)
	if err != nil {
		return false, err
	}

	idleTimeout := session.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	for _, conn := range conns {
		if conn.Status != storage.ConnectionStatusConnected {
			continue
		}
		if now.Sub(conn.LastHeartbeat) <= idleTimeout {
			return false, nil
		}
	}
	// Zero connected connections, or all heartbeats stale.
	return true, nil
}

// suspend tears down the user's pool and completes the transition to
// suspended. A teardown failure is logged but does not block the transition;
// a session must never stay parked in spinning_down.
func (m *Manager) suspend(ctx context.Context, session *storage.Session) error {
	if err := m.pool.Terminate(ctx, session.UserID); err != nil {
		logger.Warnf("pool teardown for suspending session %s failed: %v", session.ID, err)
	}
	return m.transition(ctx, session, storage.SessionStatusSuspended)
}

// transition persists the status change and emits a session_transition audit
// event.
func (m *Manager) transition(ctx context.Context, session *storage.Session, newStatus string) error {
	previous := session.Status
	at := m.now()
	if err := m.sessions.UpdateStatus(ctx, session.ID, newStatus, at); err != nil {
		return err
	}
	session.Status = newStatus
	session.StatusChangedAt = at

	event := audit.NewEvent(
		audit.EventTypeSessionTransition,
		audit.EventSource{Type: "local", Value: "session-lifecycle"},
		audit.OutcomeSuccess,
		map[string]string{
			audit.SubjectKeyUserID:    session.UserID,
			audit.SubjectKeySessionID: session.ID,
		},
		"session",
	).WithExtra(audit.MetadataKeyPreviousStatus, previous).
		WithExtra(audit.MetadataKeyNewStatus, newStatus)

	if err := m.sink.Emit(ctx, event); err != nil {
		logger.Warnf("failed to audit session transition for %s: %v", session.ID, err)
	}
	logger.Infow("session transition",
		"session_id", session.ID, "from", previous, "to", newStatus)
	return nil
}

// Sweep deletes sessions that have been expired longer than the retention
// window.
func (m *Manager) Sweep(ctx context.Context) {
	cutoff := m.now().Add(-ExpiredRetention)
	deleted, err := m.sessions.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		logger.Errorw("session sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		logger.Infow("swept expired sessions", "deleted", deleted)
	}
}
