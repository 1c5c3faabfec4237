// Package sqlite implements the storage interfaces on an embedded SQLite
// database using the modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

// timeFormat stores timestamps as RFC 3339 with sub-second precision, UTC.
const timeFormat = "2006-01-02T15:04:05.999Z07:00"

// DB wraps the sql.DB handle and implements storage.Store.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, applies pragmas and runs all
// pending migrations. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; cap the pool to avoid SQLITE_BUSY churn.
	// This also keeps ":memory:" databases alive on their single connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Users returns the user store.
func (d *DB) Users() storage.UserStore { return &userStore{db: d.db} }

// Clients returns the client store.
func (d *DB) Clients() storage.ClientStore { return &clientStore{db: d.db} }

// Profiles returns the tool profile store.
func (d *DB) Profiles() storage.ProfileStore { return &profileStore{db: d.db} }

// Sessions returns the session store.
func (d *DB) Sessions() storage.SessionStore { return &sessionStore{db: d.db} }

// Connections returns the connection store.
func (d *DB) Connections() storage.ConnectionStore { return &connectionStore{db: d.db} }

// Catalog returns the catalog store.
func (d *DB) Catalog() storage.CatalogStore { return &catalogStore{db: d.db} }

// Groups returns the group store.
func (d *DB) Groups() storage.GroupStore { return &groupStore{db: d.db} }

// Subscriptions returns the subscription store.
func (d *DB) Subscriptions() storage.SubscriptionStore { return &subscriptionStore{db: d.db} }

// Credentials returns the credential store.
func (d *DB) Credentials() storage.CredentialStore { return &credentialStore{db: d.db} }

// OAuthStates returns the OAuth state store.
func (d *DB) OAuthStates() storage.OAuthStateStore { return &oauthStateStore{db: d.db} }

// AdminKeys returns the admin key store.
func (d *DB) AdminKeys() storage.AdminKeyStore { return &adminKeyStore{db: d.db} }

var _ storage.Store = (*DB)(nil)

// AuditSink returns a sqlite-backed audit sink writing to audit_events.
func (d *DB) AuditSink() *AuditSink {
	return &AuditSink{db: d.db}
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Warnf("transaction rollback failed: %v", err)
	}
}

func isUniqueViolation(err error) bool {
	// modernc reports constraint violations with this text; there is no
	// exported error value to match against for the wrapped driver error.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := decodeTime(s.String)
	return &t
}
