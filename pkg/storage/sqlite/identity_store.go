package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

type userStore struct {
	db *sql.DB
}

func (s *userStore) Create(ctx context.Context, user *storage.User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if user.Status == "" {
		user.Status = storage.UserStatusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, is_admin, status, vault_salt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.PasswordHash, user.IsAdmin, user.Status,
		user.VaultSalt, encodeTime(user.CreatedAt), encodeTime(user.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

const userColumns = `id, username, password_hash, is_admin, status, vault_salt, created_at, updated_at`

func scanUser(row *sql.Row) (*storage.User, error) {
	var u storage.User
	var createdAt, updatedAt string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.Status,
		&u.VaultSalt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	u.CreatedAt = decodeTime(createdAt)
	u.UpdatedAt = decodeTime(updatedAt)
	return &u, nil
}

func (s *userStore) GetByID(ctx context.Context, id string) (*storage.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *userStore) GetByUsername(ctx context.Context, username string) (*storage.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

func (s *userStore) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = ?, updated_at = ? WHERE id = ?`,
		status, encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating user status: %w", err)
	}
	return requireRow(res)
}

func (s *userStore) SetVaultSalt(ctx context.Context, id string, salt []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET vault_salt = ?, updated_at = ? WHERE id = ?`,
		salt, encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating vault salt: %w", err)
	}
	return requireRow(res)
}

type clientStore struct {
	db *sql.DB
}

func (s *clientStore) Create(ctx context.Context, client *storage.Client) error {
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now()
	}
	if client.Status == "" {
		client.Status = storage.ClientStatusActive
	}
	metadata, err := json.Marshal(orEmptyMap(client.Metadata))
	if err != nil {
		return fmt.Errorf("encoding client metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (id, user_id, key_prefix, key_hash, profile_id, status, expires_at, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ID, client.UserID, client.KeyPrefix, client.KeyHash, client.ProfileID,
		client.Status, encodeNullableTime(client.ExpiresAt), string(metadata),
		encodeTime(client.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

const clientColumns = `id, user_id, key_prefix, key_hash, profile_id, status, expires_at, metadata, created_at`

func scanClient(row *sql.Row) (*storage.Client, error) {
	var c storage.Client
	var expiresAt sql.NullString
	var metadata, createdAt string
	err := row.Scan(&c.ID, &c.UserID, &c.KeyPrefix, &c.KeyHash, &c.ProfileID,
		&c.Status, &expiresAt, &metadata, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning client: %w", err)
	}
	c.ExpiresAt = decodeNullableTime(expiresAt)
	c.CreatedAt = decodeTime(createdAt)
	if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
		return nil, fmt.Errorf("decoding client metadata: %w", err)
	}
	return &c, nil
}

func (s *clientStore) GetByID(ctx context.Context, id string) (*storage.Client, error) {
	return scanClient(s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE id = ?`, id))
}

func (s *clientStore) GetByKeyPrefix(ctx context.Context, prefix string) (*storage.Client, error) {
	return scanClient(s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE key_prefix = ?`, prefix))
}

func (s *clientStore) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating client status: %w", err)
	}
	return requireRow(res)
}

type profileStore struct {
	db *sql.DB
}

func (s *profileStore) Create(ctx context.Context, profile *storage.ToolProfile) error {
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now()
	}
	allow, err := json.Marshal(orEmptySlice(profile.AllowPatterns))
	if err != nil {
		return fmt.Errorf("encoding allow patterns: %w", err)
	}
	deny, err := json.Marshal(orEmptySlice(profile.DenyPatterns))
	if err != nil {
		return fmt.Errorf("encoding deny patterns: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_profiles (id, name, allow_patterns, deny_patterns,
			rate_limit_per_minute, rate_limit_per_hour, max_concurrent, parent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		profile.ID, profile.Name, string(allow), string(deny),
		profile.RateLimitPerMinute, profile.RateLimitPerHour, profile.MaxConcurrent,
		profile.ParentID, encodeTime(profile.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting tool profile: %w", err)
	}
	return nil
}

const profileColumns = `id, name, allow_patterns, deny_patterns,
	rate_limit_per_minute, rate_limit_per_hour, max_concurrent, parent_id, created_at`

func scanProfile(row *sql.Row) (*storage.ToolProfile, error) {
	var p storage.ToolProfile
	var allow, deny, createdAt string
	var parentID sql.NullString
	err := row.Scan(&p.ID, &p.Name, &allow, &deny,
		&p.RateLimitPerMinute, &p.RateLimitPerHour, &p.MaxConcurrent, &parentID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tool profile: %w", err)
	}
	if err := json.Unmarshal([]byte(allow), &p.AllowPatterns); err != nil {
		return nil, fmt.Errorf("decoding allow patterns: %w", err)
	}
	if err := json.Unmarshal([]byte(deny), &p.DenyPatterns); err != nil {
		return nil, fmt.Errorf("decoding deny patterns: %w", err)
	}
	if parentID.Valid {
		p.ParentID = &parentID.String
	}
	p.CreatedAt = decodeTime(createdAt)
	return &p, nil
}

func (s *profileStore) GetByID(ctx context.Context, id string) (*storage.ToolProfile, error) {
	return scanProfile(s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM tool_profiles WHERE id = ?`, id))
}

func (s *profileStore) GetByName(ctx context.Context, name string) (*storage.ToolProfile, error) {
	return scanProfile(s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM tool_profiles WHERE name = ?`, name))
}

type groupStore struct {
	db *sql.DB
}

func (s *groupStore) Create(ctx context.Context, group *storage.Group) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (id, name) VALUES (?, ?)`, group.ID, group.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting group: %w", err)
	}
	return nil
}

func (s *groupStore) GetByName(ctx context.Context, name string) (*storage.Group, error) {
	var g storage.Group
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM groups WHERE name = ?`, name).Scan(&g.ID, &g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning group: %w", err)
	}
	return &g, nil
}

func (s *groupStore) AddUser(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_groups (user_id, group_id) VALUES (?, ?)`,
		userID, groupID)
	if err != nil {
		return fmt.Errorf("adding user to group: %w", err)
	}
	return nil
}

func (s *groupStore) GrantCatalogAccess(ctx context.Context, groupID, catalogID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO mcp_group_access (group_id, catalog_id) VALUES (?, ?)`,
		groupID, catalogID)
	if err != nil {
		return fmt.Errorf("granting catalog access: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
