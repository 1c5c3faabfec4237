package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a uniqueness violation.
	ErrAlreadyExists = errors.New("already exists")
)

// UserStore manages user rows.
type UserStore interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	UpdateStatus(ctx context.Context, id, status string) error
	SetVaultSalt(ctx context.Context, id string, salt []byte) error
}

// ClientStore manages preshared-key clients.
type ClientStore interface {
	Create(ctx context.Context, client *Client) error
	GetByID(ctx context.Context, id string) (*Client, error)
	GetByKeyPrefix(ctx context.Context, prefix string) (*Client, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

// ProfileStore manages tool profiles.
type ProfileStore interface {
	Create(ctx context.Context, profile *ToolProfile) error
	GetByID(ctx context.Context, id string) (*ToolProfile, error)
	GetByName(ctx context.Context, name string) (*ToolProfile, error)
}

// SessionStore manages sessions. ReplaceForUser implements the single
// transaction that reuses a user's session row while replacing its token
// hash, invalidating the prior token.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	GetByUserID(ctx context.Context, userID string) (*Session, error)
	// ReplaceForUser atomically updates the session's token hash, nonce,
	// client and profile bindings and timestamps, reactivating it. Returns
	// ErrNotFound if the user has no session row.
	ReplaceForUser(ctx context.Context, userID, clientID, profileID, tokenHash, tokenNonce string, expiresAt time.Time) (*Session, error)
	UpdateStatus(ctx context.Context, id, status string, at time.Time) error
	TouchActivity(ctx context.Context, id string, at time.Time) error
	ListByStatuses(ctx context.Context, statuses ...string) ([]*Session, error)
	// DeleteExpiredBefore removes sessions that entered expired before the cutoff.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConnectionStore manages session connections.
type ConnectionStore interface {
	Create(ctx context.Context, conn *Connection) error
	GetByID(ctx context.Context, id string) (*Connection, error)
	Delete(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
	ListBySession(ctx context.Context, sessionID string) ([]*Connection, error)
}

// CatalogStore manages downstream tool-server catalog entries.
type CatalogStore interface {
	Create(ctx context.Context, entry *CatalogEntry) error
	GetByID(ctx context.Context, id string) (*CatalogEntry, error)
	GetByName(ctx context.Context, name string) (*CatalogEntry, error)
	// ListPublishedForUser returns published entries reachable through the
	// user's group memberships, including the all-users group.
	ListPublishedForUser(ctx context.Context, userID string) ([]*CatalogEntry, error)
	ListPublishedShared(ctx context.Context) ([]*CatalogEntry, error)
}

// GroupStore manages groups and membership.
type GroupStore interface {
	Create(ctx context.Context, group *Group) error
	GetByName(ctx context.Context, name string) (*Group, error)
	AddUser(ctx context.Context, groupID, userID string) error
	GrantCatalogAccess(ctx context.Context, groupID, catalogID string) error
}

// SubscriptionStore manages client↔catalog subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	ListByClient(ctx context.Context, clientID string) ([]*Subscription, error)
}

// CredentialStore manages per-user vault ciphertexts.
type CredentialStore interface {
	Upsert(ctx context.Context, cred *UserCredential) error
	Get(ctx context.Context, userID, catalogID string) (*UserCredential, error)
	Delete(ctx context.Context, userID, catalogID string) error
}

// OAuthStateStore manages single-use PKCE state rows.
type OAuthStateStore interface {
	Create(ctx context.Context, state *OAuthState) error
	// Consume atomically fetches and deletes the state row. Returns
	// ErrNotFound when the row is absent; callers must additionally check
	// expiry on the returned row.
	Consume(ctx context.Context, state string) (*OAuthState, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AdminKeyStore manages the single active admin key row.
type AdminKeyStore interface {
	Get(ctx context.Context) (*AdminKey, error)
	// Rotate replaces the active row with new hashes in one transaction.
	Rotate(ctx context.Context, keyHash, recoveryTokenHash string) error
}

// Store aggregates all stores behind one handle.
type Store interface {
	Users() UserStore
	Clients() ClientStore
	Profiles() ProfileStore
	Sessions() SessionStore
	Connections() ConnectionStore
	Catalog() CatalogStore
	Groups() GroupStore
	Subscriptions() SubscriptionStore
	Credentials() CredentialStore
	OAuthStates() OAuthStateStore
	AdminKeys() AdminKeyStore
	Close() error
}
