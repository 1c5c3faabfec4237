package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mcp-ambassador/ambassador/pkg/audit"
)

// AuditSink persists audit events to the audit_events table and supports
// filtered queries. Unlike the file sink it is always synchronous; the table
// is append-only by convention (no update or delete paths exist).
type AuditSink struct {
	db *sql.DB
}

// Emit appends a single event.
func (s *AuditSink) Emit(ctx context.Context, event *audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(audit_id, event_type, logged_at, outcome, user_id, client_id, session_id, source_ip, component, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Metadata.AuditID, event.Type, encodeTime(event.LoggedAt), event.Outcome,
		event.Subjects[audit.SubjectKeyUserID], event.Subjects[audit.SubjectKeyClientID],
		event.Subjects[audit.SubjectKeySessionID], event.Source.Value, event.Component,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// EmitBatch appends a batch of events in order within one transaction.
func (s *AuditSink) EmitBatch(ctx context.Context, events []*audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_events
				(audit_id, event_type, logged_at, outcome, user_id, client_id, session_id, source_ip, component, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.Metadata.AuditID, event.Type, encodeTime(event.LoggedAt), event.Outcome,
			event.Subjects[audit.SubjectKeyUserID], event.Subjects[audit.SubjectKeyClientID],
			event.Subjects[audit.SubjectKeySessionID], event.Source.Value, event.Component,
			string(payload),
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
	}
	return tx.Commit()
}

// Flush is a no-op; writes are synchronous.
func (*AuditSink) Flush(context.Context) error {
	return nil
}

// Close is a no-op; the sink borrows the store's connection.
func (*AuditSink) Close() error {
	return nil
}

// Query returns events matching the filter, oldest first.
func (s *AuditSink) Query(ctx context.Context, filter audit.Filter) ([]*audit.Event, error) {
	var clauses []string
	var args []any

	if len(filter.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.Types)), ", ")
		clauses = append(clauses, "event_type IN ("+placeholders+")")
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ClientID != "" {
		clauses = append(clauses, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "logged_at >= ?")
		args = append(args, encodeTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "logged_at <= ?")
		args = append(args, encodeTime(filter.Until))
	}

	query := `SELECT payload FROM audit_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var events []*audit.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		var event audit.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, fmt.Errorf("decoding audit event: %w", err)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

var (
	_ audit.Sink    = (*AuditSink)(nil)
	_ audit.Querier = (*AuditSink)(nil)
)
