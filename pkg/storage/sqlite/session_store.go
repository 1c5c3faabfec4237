package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

type sessionStore struct {
	db *sql.DB
}

const sessionColumns = `id, user_id, client_id, token_hash, token_nonce, status, profile_id,
	created_at, last_activity_at, status_changed_at, expires_at, idle_timeout_s, spindown_delay_s`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*storage.Session, error) {
	var s storage.Session
	var createdAt, lastActivityAt, statusChangedAt, expiresAt string
	var idleTimeoutS, spindownDelayS int64
	err := row.Scan(&s.ID, &s.UserID, &s.ClientID, &s.TokenHash, &s.TokenNonce, &s.Status, &s.ProfileID,
		&createdAt, &lastActivityAt, &statusChangedAt, &expiresAt, &idleTimeoutS, &spindownDelayS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	s.CreatedAt = decodeTime(createdAt)
	s.LastActivityAt = decodeTime(lastActivityAt)
	s.StatusChangedAt = decodeTime(statusChangedAt)
	s.ExpiresAt = decodeTime(expiresAt)
	s.IdleTimeout = time.Duration(idleTimeoutS) * time.Second
	s.SpindownDelay = time.Duration(spindownDelayS) * time.Second
	return &s, nil
}

func (s *sessionStore) Create(ctx context.Context, session *storage.Session) error {
	if session.Status == "" {
		session.Status = storage.SessionStatusActive
	}
	if session.StatusChangedAt.IsZero() {
		session.StatusChangedAt = session.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, client_id, token_hash, token_nonce, status, profile_id,
			created_at, last_activity_at, status_changed_at, expires_at, idle_timeout_s, spindown_delay_s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.ClientID, session.TokenHash, session.TokenNonce,
		session.Status, session.ProfileID,
		encodeTime(session.CreatedAt), encodeTime(session.LastActivityAt),
		encodeTime(session.StatusChangedAt), encodeTime(session.ExpiresAt),
		int64(session.IdleTimeout.Seconds()), int64(session.SpindownDelay.Seconds()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *sessionStore) GetByID(ctx context.Context, id string) (*storage.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

func (s *sessionStore) GetByTokenHash(ctx context.Context, tokenHash string) (*storage.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = ?`, tokenHash))
}

func (s *sessionStore) GetByUserID(ctx context.Context, userID string) (*storage.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ?`, userID))
}

// ReplaceForUser atomically replaces the token hash on a user's existing
// session row and reactivates it. The old token stops working the moment the
// transaction commits. The registering client and its profile are rebound in
// the same statement so a stale binding never survives re-registration.
func (s *sessionStore) ReplaceForUser(
	ctx context.Context, userID, clientID, profileID, tokenHash, tokenNonce string, expiresAt time.Time,
) (*storage.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET client_id = ?, profile_id = ?, token_hash = ?, token_nonce = ?, status = ?,
		    last_activity_at = ?, status_changed_at = ?, expires_at = ?
		WHERE user_id = ?`,
		clientID, profileID, tokenHash, tokenNonce, storage.SessionStatusActive,
		encodeTime(now), encodeTime(now), encodeTime(expiresAt), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("replacing session token: %w", err)
	}
	if err := requireRow(res); err != nil {
		return nil, err
	}

	session, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ?`, userID))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return session, nil
}

func (s *sessionStore) UpdateStatus(ctx context.Context, id, status string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, status_changed_at = ? WHERE id = ?`,
		status, encodeTime(at), id)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return requireRow(res)
}

func (s *sessionStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`,
		encodeTime(at), id)
	if err != nil {
		return fmt.Errorf("touching session activity: %w", err)
	}
	return requireRow(res)
}

func (s *sessionStore) ListByStatuses(ctx context.Context, statuses ...string) ([]*storage.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status IN (?` +
		repeatPlaceholder(len(statuses)-1) + `)`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*storage.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *sessionStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status = ? AND status_changed_at < ?`,
		storage.SessionStatusExpired, encodeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweeping expired sessions: %w", err)
	}
	return res.RowsAffected()
}

type connectionStore struct {
	db *sql.DB
}

func (s *connectionStore) Create(ctx context.Context, conn *storage.Connection) error {
	if conn.Status == "" {
		conn.Status = storage.ConnectionStatusConnected
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (id, session_id, friendly_name, host_tool, last_heartbeat, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.SessionID, conn.FriendlyName, conn.HostTool,
		encodeTime(conn.LastHeartbeat), conn.Status,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting connection: %w", err)
	}
	return nil
}

func (s *connectionStore) GetByID(ctx context.Context, id string) (*storage.Connection, error) {
	return scanConnection(s.db.QueryRowContext(ctx,
		`SELECT id, session_id, friendly_name, host_tool, last_heartbeat, status
		 FROM connections WHERE id = ?`, id))
}

func scanConnection(row rowScanner) (*storage.Connection, error) {
	var c storage.Connection
	var lastHeartbeat string
	err := row.Scan(&c.ID, &c.SessionID, &c.FriendlyName, &c.HostTool, &lastHeartbeat, &c.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning connection: %w", err)
	}
	c.LastHeartbeat = decodeTime(lastHeartbeat)
	return &c, nil
}

func (s *connectionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	return requireRow(res)
}

func (s *connectionStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET last_heartbeat = ?, status = ? WHERE id = ?`,
		encodeTime(at), storage.ConnectionStatusConnected, id)
	if err != nil {
		return fmt.Errorf("updating heartbeat: %w", err)
	}
	return requireRow(res)
}

func (s *connectionStore) ListBySession(ctx context.Context, sessionID string) ([]*storage.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, friendly_name, host_tool, last_heartbeat, status
		 FROM connections WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	defer rows.Close()

	var conns []*storage.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
