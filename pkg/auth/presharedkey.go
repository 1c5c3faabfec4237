package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

// Preshared keys look like amb_<prefix>_<secret>. The prefix is stored in the
// clear for indexed lookup; only a bcrypt hash of the secret is persisted.
const (
	keyScheme    = "amb"
	keyPrefixLen = 12
	keySecretLen = 32

	// bcryptCost balances verification latency against brute-force cost for
	// high-entropy generated secrets.
	bcryptCost = 10
)

const prefixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Failure reasons recorded in audit metadata. These never reach the caller;
// every authentication failure surfaces as a generic unauthorized error.
const (
	ReasonInvalidCredential = "invalid_credential"
	ReasonExpired           = "expired"
	ReasonRevoked           = "revoked"
	ReasonUnknownClient     = "unknown_client"
)

// GeneratedKey is the result of minting a new preshared key. PlainKey is
// shown to the operator exactly once; only Prefix and Hash are persisted.
type GeneratedKey struct {
	PlainKey string
	Prefix   string
	Hash     string
}

// GeneratePresharedKey mints a new preshared key with a random prefix and a
// bcrypt hash of its secret part.
func GeneratePresharedKey() (*GeneratedKey, error) {
	prefixBytes := make([]byte, keyPrefixLen)
	if _, err := rand.Read(prefixBytes); err != nil {
		return nil, fmt.Errorf("failed to generate key prefix: %w", err)
	}
	for i, b := range prefixBytes {
		prefixBytes[i] = prefixAlphabet[int(b)%len(prefixAlphabet)]
	}
	prefix := string(prefixBytes)

	secretBytes := make([]byte, keySecretLen)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("failed to generate key secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash key secret: %w", err)
	}

	return &GeneratedKey{
		PlainKey: keyScheme + "_" + prefix + "_" + secret,
		Prefix:   prefix,
		Hash:     string(hash),
	}, nil
}

// splitPresharedKey separates a presented key into its prefix and secret.
// The secret may itself contain underscores, so only the first two
// separators are structural.
func splitPresharedKey(key string) (prefix, secret string, ok bool) {
	parts := strings.SplitN(key, "_", 3)
	if len(parts) != 3 || parts[0] != keyScheme || len(parts[1]) != keyPrefixLen || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Authenticator verifies preshared keys and session tokens against the store.
type Authenticator struct {
	store storage.Store
	now   func() time.Time
}

// NewAuthenticator returns an Authenticator backed by the given store.
func NewAuthenticator(store storage.Store) *Authenticator {
	return &Authenticator{store: store, now: time.Now}
}

// unauthorized wraps an internal failure reason into the one error shape the
// caller ever sees. The reason travels in metadata for audit attribution.
func unauthorized(reason string, cause error) error {
	return errors.NewUnauthorizedError("unauthorized", cause).
		WithMetadata(map[string]any{"reason": reason})
}

// AuthenticateKey verifies a preshared key and returns the identity of its
// owning user and client. All failures map to the same unauthorized error so
// that callers cannot distinguish an unknown prefix from a bad secret.
func (a *Authenticator) AuthenticateKey(ctx context.Context, key string) (*Identity, error) {
	prefix, secret, ok := splitPresharedKey(key)
	if !ok {
		return nil, unauthorized(ReasonInvalidCredential, nil)
	}

	client, err := a.store.Clients().GetByKeyPrefix(ctx, prefix)
	if err != nil {
		// Burn a hash comparison so unknown prefixes take as long as bad
		// secrets.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return nil, unauthorized(ReasonUnknownClient, nil)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.KeyHash), []byte(secret)); err != nil {
		return nil, unauthorized(ReasonInvalidCredential, nil)
	}

	switch client.Status {
	case storage.ClientStatusActive:
	case storage.ClientStatusRevoked:
		return nil, unauthorized(ReasonRevoked, nil)
	default:
		return nil, unauthorized(ReasonInvalidCredential, nil)
	}
	if client.ExpiresAt != nil && a.now().After(*client.ExpiresAt) {
		return nil, unauthorized(ReasonExpired, nil)
	}

	user, err := a.store.Users().GetByID(ctx, client.UserID)
	if err != nil {
		return nil, unauthorized(ReasonUnknownClient, err)
	}
	if user.Status != storage.UserStatusActive {
		return nil, unauthorized(ReasonRevoked, nil)
	}

	return &Identity{
		UserID:    user.ID,
		Username:  user.Username,
		ClientID:  client.ID,
		ProfileID: client.ProfileID,
		IsAdmin:   user.IsAdmin,
		Metadata:  client.Metadata,
	}, nil
}

// AuthenticateSessionToken verifies a session token by hashed lookup and
// returns the identity bound to the session. The session must not be expired;
// other lifecycle states are left to the pipeline, which resumes suspended
// sessions on first use.
func (a *Authenticator) AuthenticateSessionToken(ctx context.Context, token string) (*Identity, *storage.Session, error) {
	if token == "" {
		return nil, nil, unauthorized(ReasonInvalidCredential, nil)
	}

	session, err := a.store.Sessions().GetByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, nil, unauthorized(ReasonInvalidCredential, nil)
	}
	if session.Status == storage.SessionStatusExpired || a.now().After(session.ExpiresAt) {
		return nil, nil, unauthorized(ReasonExpired, nil)
	}

	user, err := a.store.Users().GetByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, unauthorized(ReasonUnknownClient, err)
	}
	if user.Status != storage.UserStatusActive {
		return nil, nil, unauthorized(ReasonRevoked, nil)
	}

	return &Identity{
		UserID:    user.ID,
		Username:  user.Username,
		ClientID:  session.ClientID,
		SessionID: session.ID,
		ProfileID: session.ProfileID,
		IsAdmin:   user.IsAdmin,
	}, session, nil
}

// dummyHash is a bcrypt hash of an unguessable throwaway value, used to
// equalize timing when the key prefix is unknown.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("ambassador-timing-pad"), bcryptCost)
	if err != nil {
		panic(err)
	}
	return h
}()
