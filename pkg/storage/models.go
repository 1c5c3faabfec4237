// Package storage defines the persistence model and store interfaces for the
// ambassador. All persistent state lives in a single embedded relational
// store; ownership is encoded with foreign-key cascades so that revoking a
// user removes its clients, sessions and credentials in one statement.
package storage

import (
	"encoding/json"
	"time"
)

// User statuses.
const (
	UserStatusActive      = "active"
	UserStatusSuspended   = "suspended"
	UserStatusDeactivated = "deactivated"
)

// Client statuses.
const (
	ClientStatusActive    = "active"
	ClientStatusSuspended = "suspended"
	ClientStatusRevoked   = "revoked"
)

// Session statuses. See the session lifecycle state machine.
const (
	SessionStatusActive       = "active"
	SessionStatusIdle         = "idle"
	SessionStatusSpinningDown = "spinning_down"
	SessionStatusSuspended    = "suspended"
	SessionStatusExpired      = "expired"
)

// Connection statuses.
const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusDisconnected = "disconnected"
)

// Catalog transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// Catalog isolation modes.
const (
	IsolationShared  = "shared"
	IsolationPerUser = "per_user"
)

// Catalog auth types.
const (
	AuthTypeNone   = "none"
	AuthTypeStatic = "static"
	AuthTypeOAuth2 = "oauth2"
)

// Catalog publication statuses.
const (
	PublicationDraft     = "draft"
	PublicationPublished = "published"
	PublicationArchived  = "archived"
)

// Credential types stored in the vault.
const (
	CredentialTypeStatic = "static"
	CredentialTypeOAuth2 = "oauth2"
)

// AllUsersGroup is the distinguished group every user implicitly belongs to.
const AllUsersGroup = "all-users"

// User is a human principal that owns clients, sessions and credentials.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	IsAdmin      bool
	Status       string
	VaultSalt    []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Client is a preshared-key credential bound to a user and a profile.
type Client struct {
	ID        string
	UserID    string
	KeyPrefix string
	KeyHash   string
	ProfileID string
	Status    string
	ExpiresAt *time.Time
	Metadata  map[string]string
	CreatedAt time.Time
}

// ToolProfile holds ordered allow/deny glob patterns, rate limits and an
// optional parent for inheritance.
type ToolProfile struct {
	ID                 string
	Name               string
	AllowPatterns      []string
	DenyPatterns       []string
	RateLimitPerMinute int
	RateLimitPerHour   int
	MaxConcurrent      int
	ParentID           *string
	CreatedAt          time.Time
}

// Session tracks one user's registration with the ambassador. ClientID
// records which preshared-key client registered the session, so lifecycle
// checks apply to session-token calls too.
type Session struct {
	ID              string
	UserID          string
	ClientID        string
	TokenHash       string
	TokenNonce      string
	Status          string
	ProfileID       string
	CreatedAt       time.Time
	LastActivityAt  time.Time
	StatusChangedAt time.Time
	ExpiresAt       time.Time
	IdleTimeout     time.Duration
	SpindownDelay   time.Duration
}

// Connection is one live host connection under a session.
type Connection struct {
	ID            string
	SessionID     string
	FriendlyName  string
	HostTool      string
	LastHeartbeat time.Time
	Status        string
}

// CatalogEntry describes one downstream tool server.
type CatalogEntry struct {
	ID                      string
	Name                    string
	Transport               string
	Config                  json.RawMessage
	Isolation               string
	RequiresUserCredentials bool
	CredentialSchema        json.RawMessage
	AuthType                string
	OAuthConfig             json.RawMessage
	PublicationStatus       string
	ValidationStatus        string
	CreatedAt               time.Time
}

// Group ties users to catalog entries via membership.
type Group struct {
	ID   string
	Name string
}

// Subscription binds a client to a catalog entry with a tool subset.
type Subscription struct {
	ID        string
	ClientID  string
	CatalogID string
	ToolNames []string
	Status    string
}

// UserCredential is the vault ciphertext for one (user, catalog entry) pair.
type UserCredential struct {
	ID             string
	UserID         string
	CatalogID      string
	Ciphertext     []byte
	IV             []byte
	CredentialType string
	ExpiresAt      *time.Time
	OAuthStatus    string
	UpdatedAt      time.Time
}

// OAuthState is a single-use PKCE state row with a 10-minute TTL.
type OAuthState struct {
	State        string
	UserID       string
	CatalogID    string
	CodeVerifier string
	RedirectURI  string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// AdminKey is the single active admin key row.
type AdminKey struct {
	ID                string
	KeyHash           string
	RecoveryTokenHash string
	CreatedAt         time.Time
}
