package upstream

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/oauth"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
	"github.com/mcp-ambassador/ambassador/pkg/vault"
)

// VaultCredentials resolves per-user downstream credentials from the vault,
// refreshing OAuth token sets transparently when they have expired. It
// implements CredentialResolver for the per-user pool and is also the write
// path used by the OAuth callback and the credential API.
type VaultCredentials struct {
	vault *vault.Vault
	creds storage.CredentialStore
	users storage.UserStore
	oauth *oauth.Manager

	now func() time.Time
}

// NewVaultCredentials returns a resolver over the given vault and stores.
// oauthManager may be nil when no catalog entry uses oauth2.
func NewVaultCredentials(v *vault.Vault, creds storage.CredentialStore, users storage.UserStore, oauthManager *oauth.Manager) *VaultCredentials {
	return &VaultCredentials{
		vault: v,
		creds: creds,
		users: users,
		oauth: oauthManager,
		now:   time.Now,
	}
}

// Resolve returns the plaintext credential for (user, entry), or an empty
// string when the entry needs none or the user has not stored one yet.
func (c *VaultCredentials) Resolve(ctx context.Context, userID string, entry *storage.CatalogEntry) (string, error) {
	if !entry.RequiresUserCredentials && entry.AuthType == storage.AuthTypeNone {
		return "", nil
	}

	cred, err := c.creds.Get(ctx, userID, entry.ID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			// Missing credentials surface downstream as auth failures rather
			// than blocking the spawn.
			return "", nil
		}
		return "", errors.NewInternalError("failed to load credential", err)
	}

	salt, err := c.userSalt(ctx, userID)
	if err != nil {
		return "", err
	}
	plaintext, err := c.vault.Decrypt(salt, cred.Ciphertext, cred.IV)
	if err != nil {
		return "", err
	}

	if cred.CredentialType != storage.CredentialTypeOAuth2 {
		return string(plaintext), nil
	}

	var tokens oauth.TokenSet
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		return "", errors.NewInternalError("stored token set is malformed", err)
	}
	if !tokens.Expired(c.now()) || tokens.RefreshToken == "" || c.oauth == nil {
		return tokens.AccessToken, nil
	}

	refreshed, err := c.refresh(ctx, userID, entry, &tokens)
	if err != nil {
		logger.Warnf("token refresh for user %s on %s failed: %v", userID, entry.Name, err)
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refresh exchanges the refresh token and persists the rotated set before
// returning it.
func (c *VaultCredentials) refresh(ctx context.Context, userID string, entry *storage.CatalogEntry, tokens *oauth.TokenSet) (*oauth.TokenSet, error) {
	config, err := oauth.ParseConfig(entry.OAuthConfig)
	if err != nil {
		return nil, err
	}
	refreshed, err := c.oauth.RefreshAccessToken(ctx, config, tokens.RefreshToken)
	if err != nil {
		return nil, err
	}
	if err := c.StoreTokenSet(ctx, userID, entry.ID, refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// StoreTokenSet encrypts and upserts an OAuth token set for (user, catalog).
func (c *VaultCredentials) StoreTokenSet(ctx context.Context, userID, catalogID string, tokens *oauth.TokenSet) error {
	plaintext, err := json.Marshal(tokens)
	if err != nil {
		return errors.NewInternalError("failed to encode token set", err)
	}

	cred := &storage.UserCredential{
		UserID:         userID,
		CatalogID:      catalogID,
		CredentialType: storage.CredentialTypeOAuth2,
		OAuthStatus:    "success",
	}
	if !tokens.ExpiresAt.IsZero() {
		expires := tokens.ExpiresAt
		cred.ExpiresAt = &expires
	}
	return c.seal(ctx, cred, plaintext)
}

// StoreStatic encrypts and upserts a static credential for (user, catalog).
func (c *VaultCredentials) StoreStatic(ctx context.Context, userID, catalogID, secret string) error {
	cred := &storage.UserCredential{
		UserID:         userID,
		CatalogID:      catalogID,
		CredentialType: storage.CredentialTypeStatic,
	}
	return c.seal(ctx, cred, []byte(secret))
}

func (c *VaultCredentials) seal(ctx context.Context, cred *storage.UserCredential, plaintext []byte) error {
	cred.ID = uuid.New().String()
	salt, err := c.userSalt(ctx, cred.UserID)
	if err != nil {
		return err
	}
	ciphertext, iv, err := c.vault.Encrypt(salt, plaintext)
	if err != nil {
		return err
	}
	cred.Ciphertext = ciphertext
	cred.IV = iv
	return c.creds.Upsert(ctx, cred)
}

// Delete removes the stored credential for (user, catalog).
func (c *VaultCredentials) Delete(ctx context.Context, userID, catalogID string) error {
	return c.creds.Delete(ctx, userID, catalogID)
}

// Status returns the stored credential row without decrypting it.
func (c *VaultCredentials) Status(ctx context.Context, userID, catalogID string) (*storage.UserCredential, error) {
	return c.creds.Get(ctx, userID, catalogID)
}

// userSalt loads the user's vault salt, generating and persisting one on
// first use.
func (c *VaultCredentials) userSalt(ctx context.Context, userID string) ([]byte, error) {
	user, err := c.users.GetByID(ctx, userID)
	if err != nil {
		return nil, errors.NewInternalError("failed to load user for vault access", err)
	}
	if len(user.VaultSalt) > 0 {
		return user.VaultSalt, nil
	}
	salt, err := vault.NewSalt()
	if err != nil {
		return nil, errors.NewInternalError("failed to generate vault salt", err)
	}
	if err := c.users.SetVaultSalt(ctx, userID, salt); err != nil {
		return nil, errors.NewInternalError("failed to persist vault salt", err)
	}
	return salt, nil
}
