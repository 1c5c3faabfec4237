package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

type catalogStore struct {
	db *sql.DB
}

const catalogColumns = `id, name, transport, config, isolation, requires_user_credentials,
	credential_schema, auth_type, oauth_config, publication_status, validation_status, created_at`

func scanCatalogEntry(row rowScanner) (*storage.CatalogEntry, error) {
	var e storage.CatalogEntry
	var config string
	var credSchema, oauthConfig sql.NullString
	var createdAt string
	err := row.Scan(&e.ID, &e.Name, &e.Transport, &config, &e.Isolation,
		&e.RequiresUserCredentials, &credSchema, &e.AuthType, &oauthConfig,
		&e.PublicationStatus, &e.ValidationStatus, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning catalog entry: %w", err)
	}
	e.Config = json.RawMessage(config)
	if credSchema.Valid {
		e.CredentialSchema = json.RawMessage(credSchema.String)
	}
	if oauthConfig.Valid {
		e.OAuthConfig = json.RawMessage(oauthConfig.String)
	}
	e.CreatedAt = decodeTime(createdAt)
	return &e, nil
}

func (s *catalogStore) Create(ctx context.Context, entry *storage.CatalogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Config == nil {
		entry.Config = json.RawMessage(`{}`)
	}
	if entry.PublicationStatus == "" {
		entry.PublicationStatus = storage.PublicationDraft
	}
	if entry.AuthType == "" {
		entry.AuthType = storage.AuthTypeNone
	}
	if entry.Isolation == "" {
		entry.Isolation = storage.IsolationShared
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_catalog (id, name, transport, config, isolation, requires_user_credentials,
			credential_schema, auth_type, oauth_config, publication_status, validation_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Name, entry.Transport, string(entry.Config), entry.Isolation,
		entry.RequiresUserCredentials, nullableRaw(entry.CredentialSchema), entry.AuthType,
		nullableRaw(entry.OAuthConfig), entry.PublicationStatus, entry.ValidationStatus,
		encodeTime(entry.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting catalog entry: %w", err)
	}
	return nil
}

func (s *catalogStore) GetByID(ctx context.Context, id string) (*storage.CatalogEntry, error) {
	return scanCatalogEntry(s.db.QueryRowContext(ctx,
		`SELECT `+catalogColumns+` FROM mcp_catalog WHERE id = ?`, id))
}

func (s *catalogStore) GetByName(ctx context.Context, name string) (*storage.CatalogEntry, error) {
	return scanCatalogEntry(s.db.QueryRowContext(ctx,
		`SELECT `+catalogColumns+` FROM mcp_catalog WHERE name = ?`, name))
}

func (s *catalogStore) ListPublishedForUser(ctx context.Context, userID string) ([]*storage.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT `+prefixColumns("c", catalogColumns)+`
		FROM mcp_catalog c
		JOIN mcp_group_access ga ON ga.catalog_id = c.id
		JOIN groups g ON g.id = ga.group_id
		LEFT JOIN user_groups ug ON ug.group_id = g.id
		WHERE c.publication_status = ?
		  AND (g.name = ? OR ug.user_id = ?)
		ORDER BY c.name`,
		storage.PublicationPublished, storage.AllUsersGroup, userID)
	if err != nil {
		return nil, fmt.Errorf("listing catalog for user: %w", err)
	}
	defer rows.Close()
	return collectCatalogEntries(rows)
}

func (s *catalogStore) ListPublishedShared(ctx context.Context) ([]*storage.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+catalogColumns+` FROM mcp_catalog
		 WHERE publication_status = ? AND isolation = ? ORDER BY name`,
		storage.PublicationPublished, storage.IsolationShared)
	if err != nil {
		return nil, fmt.Errorf("listing shared catalog: %w", err)
	}
	defer rows.Close()
	return collectCatalogEntries(rows)
}

func collectCatalogEntries(rows *sql.Rows) ([]*storage.CatalogEntry, error) {
	var entries []*storage.CatalogEntry
	for rows.Next() {
		entry, err := scanCatalogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type subscriptionStore struct {
	db *sql.DB
}

func (s *subscriptionStore) Create(ctx context.Context, sub *storage.Subscription) error {
	tools, err := json.Marshal(orEmptySlice(sub.ToolNames))
	if err != nil {
		return fmt.Errorf("encoding tool names: %w", err)
	}
	if sub.Status == "" {
		sub.Status = "active"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO client_mcp_subscriptions (id, client_id, catalog_id, tool_names, status)
		VALUES (?, ?, ?, ?, ?)`,
		sub.ID, sub.ClientID, sub.CatalogID, string(tools), sub.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

func (s *subscriptionStore) ListByClient(ctx context.Context, clientID string) ([]*storage.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, catalog_id, tool_names, status
		 FROM client_mcp_subscriptions WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*storage.Subscription
	for rows.Next() {
		var sub storage.Subscription
		var tools string
		if err := rows.Scan(&sub.ID, &sub.ClientID, &sub.CatalogID, &tools, &sub.Status); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		if err := json.Unmarshal([]byte(tools), &sub.ToolNames); err != nil {
			return nil, fmt.Errorf("decoding tool names: %w", err)
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

type credentialStore struct {
	db *sql.DB
}

func (s *credentialStore) Upsert(ctx context.Context, cred *storage.UserCredential) error {
	cred.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_mcp_credentials
			(id, user_id, catalog_id, ciphertext, iv, credential_type, expires_at, oauth_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, catalog_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			iv = excluded.iv,
			credential_type = excluded.credential_type,
			expires_at = excluded.expires_at,
			oauth_status = excluded.oauth_status,
			updated_at = excluded.updated_at`,
		cred.ID, cred.UserID, cred.CatalogID, cred.Ciphertext, cred.IV,
		cred.CredentialType, encodeNullableTime(cred.ExpiresAt), cred.OAuthStatus,
		encodeTime(cred.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

func (s *credentialStore) Get(ctx context.Context, userID, catalogID string) (*storage.UserCredential, error) {
	var c storage.UserCredential
	var expiresAt sql.NullString
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, catalog_id, ciphertext, iv, credential_type, expires_at, oauth_status, updated_at
		FROM user_mcp_credentials WHERE user_id = ? AND catalog_id = ?`,
		userID, catalogID,
	).Scan(&c.ID, &c.UserID, &c.CatalogID, &c.Ciphertext, &c.IV,
		&c.CredentialType, &expiresAt, &c.OAuthStatus, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}
	c.ExpiresAt = decodeNullableTime(expiresAt)
	c.UpdatedAt = decodeTime(updatedAt)
	return &c, nil
}

func (s *credentialStore) Delete(ctx context.Context, userID, catalogID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_mcp_credentials WHERE user_id = ? AND catalog_id = ?`,
		userID, catalogID)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return requireRow(res)
}

type oauthStateStore struct {
	db *sql.DB
}

func (s *oauthStateStore) Create(ctx context.Context, state *storage.OAuthState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state, user_id, catalog_id, code_verifier, redirect_uri, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		state.State, state.UserID, state.CatalogID, state.CodeVerifier,
		state.RedirectURI, encodeTime(state.CreatedAt), encodeTime(state.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting oauth state: %w", err)
	}
	return nil
}

// Consume is the atomic get-and-delete that makes each state single-use.
func (s *oauthStateStore) Consume(ctx context.Context, state string) (*storage.OAuthState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var row storage.OAuthState
	var createdAt, expiresAt string
	err = tx.QueryRowContext(ctx, `
		SELECT state, user_id, catalog_id, code_verifier, redirect_uri, created_at, expires_at
		FROM oauth_states WHERE state = ?`, state,
	).Scan(&row.State, &row.UserID, &row.CatalogID, &row.CodeVerifier,
		&row.RedirectURI, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning oauth state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_states WHERE state = ?`, state); err != nil {
		return nil, fmt.Errorf("deleting oauth state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	row.CreatedAt = decodeTime(createdAt)
	row.ExpiresAt = decodeTime(expiresAt)
	return &row, nil
}

func (s *oauthStateStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE expires_at < ?`, encodeTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired oauth states: %w", err)
	}
	return res.RowsAffected()
}

type adminKeyStore struct {
	db *sql.DB
}

func (s *adminKeyStore) Get(ctx context.Context) (*storage.AdminKey, error) {
	var k storage.AdminKey
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, key_hash, recovery_token_hash, created_at FROM admin_keys LIMIT 1`,
	).Scan(&k.ID, &k.KeyHash, &k.RecoveryTokenHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning admin key: %w", err)
	}
	k.CreatedAt = decodeTime(createdAt)
	return &k, nil
}

// Rotate replaces the single active admin key row in one transaction.
func (s *adminKeyStore) Rotate(ctx context.Context, keyHash, recoveryTokenHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM admin_keys`); err != nil {
		return fmt.Errorf("clearing admin keys: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO admin_keys (id, key_hash, recovery_token_hash, created_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), keyHash, recoveryTokenHash, encodeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("inserting admin key: %w", err)
	}
	return tx.Commit()
}

func nullableRaw(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

// prefixColumns prefixes each column in a comma-separated list with an alias.
func prefixColumns(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}
