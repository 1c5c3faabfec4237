package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-ambassador/ambassador/pkg/oauth"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
	"github.com/mcp-ambassador/ambassador/pkg/storage/sqlite"
	"github.com/mcp-ambassador/ambassador/pkg/vault"
)

type credsFixture struct {
	store    storage.Store
	resolver *VaultCredentials
	userID   string
}

func newCredsFixture(t *testing.T) *credsFixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	v, err := vault.New(bytes.Repeat([]byte{7}, vault.MasterKeySize))
	require.NoError(t, err)

	user := &storage.User{ID: uuid.New().String(), Username: "alice", Status: storage.UserStatusActive}
	require.NoError(t, db.Users().Create(ctx, user))

	manager := oauth.NewManager(db.OAuthStates(), db.Catalog())
	return &credsFixture{
		store:    db,
		resolver: NewVaultCredentials(v, db.Credentials(), db.Users(), manager),
		userID:   user.ID,
	}
}

func (f *credsFixture) createEntry(t *testing.T, authType string, oauthConfig json.RawMessage) *storage.CatalogEntry {
	t.Helper()
	entry := &storage.CatalogEntry{
		ID:                      uuid.New().String(),
		Name:                    uuid.New().String(),
		Transport:               storage.TransportHTTP,
		Config:                  json.RawMessage(`{"url":"https://downstream.example"}`),
		Isolation:               storage.IsolationPerUser,
		RequiresUserCredentials: authType != storage.AuthTypeNone,
		AuthType:                authType,
		OAuthConfig:             oauthConfig,
		PublicationStatus:       storage.PublicationPublished,
	}
	require.NoError(t, f.store.Catalog().Create(context.Background(), entry))
	return entry
}

func TestResolveStaticCredential(t *testing.T) {
	t.Parallel()
	f := newCredsFixture(t)
	entry := f.createEntry(t, storage.AuthTypeStatic, nil)

	require.NoError(t, f.resolver.StoreStatic(context.Background(), f.userID, entry.ID, "api-key-123"))

	secret, err := f.resolver.Resolve(context.Background(), f.userID, entry)
	require.NoError(t, err)
	assert.Equal(t, "api-key-123", secret)

	// Ciphertext at rest, not the plaintext.
	row, err := f.store.Credentials().Get(context.Background(), f.userID, entry.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(row.Ciphertext), "api-key-123")
}

func TestResolveMissingCredentialIsEmpty(t *testing.T) {
	t.Parallel()
	f := newCredsFixture(t)
	entry := f.createEntry(t, storage.AuthTypeStatic, nil)

	secret, err := f.resolver.Resolve(context.Background(), f.userID, entry)
	require.NoError(t, err)
	assert.Empty(t, secret)
}

func TestResolveEntryWithoutAuth(t *testing.T) {
	t.Parallel()
	f := newCredsFixture(t)
	entry := f.createEntry(t, storage.AuthTypeNone, nil)

	secret, err := f.resolver.Resolve(context.Background(), f.userID, entry)
	require.NoError(t, err)
	assert.Empty(t, secret)
}

func TestResolveFreshOAuthToken(t *testing.T) {
	t.Parallel()
	f := newCredsFixture(t)
	entry := f.createEntry(t, storage.AuthTypeOAuth2, json.RawMessage(`{}`))

	tokens := &oauth.TokenSet{
		AccessToken:  "at-fresh",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	require.NoError(t, f.resolver.StoreTokenSet(context.Background(), f.userID, entry.ID, tokens))

	secret, err := f.resolver.Resolve(context.Background(), f.userID, entry)
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", secret)
}

func TestResolveRefreshesExpiredToken(t *testing.T) {
	t.Setenv("AMBASSADOR_OAUTH_GITHUB_CLIENT_ID", "test-client")

	refreshes := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		refreshes++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-new","refresh_token":"rt-2","expires_in":3600}`)
	}))
	defer server.Close()

	f := newCredsFixture(t)
	oauthConfig, err := json.Marshal(oauth.Config{
		ProviderName:          "github",
		AuthorizationEndpoint: server.URL + "/authorize",
		TokenEndpoint:         server.URL + "/token",
		RedirectURI:           "https://ambassador.example/v1/oauth/callback",
	})
	require.NoError(t, err)
	entry := f.createEntry(t, storage.AuthTypeOAuth2, oauthConfig)

	expired := &oauth.TokenSet{
		AccessToken:  "at-old",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.resolver.StoreTokenSet(context.Background(), f.userID, entry.ID, expired))

	secret, err := f.resolver.Resolve(context.Background(), f.userID, entry)
	require.NoError(t, err)
	assert.Equal(t, "at-new", secret)
	assert.Equal(t, 1, refreshes)

	// The rotated set was persisted; the next resolve does not refresh again.
	secret, err = f.resolver.Resolve(context.Background(), f.userID, entry)
	require.NoError(t, err)
	assert.Equal(t, "at-new", secret)
	assert.Equal(t, 1, refreshes)
}

func TestSaltGeneratedOncePerUser(t *testing.T) {
	t.Parallel()
	f := newCredsFixture(t)
	entry := f.createEntry(t, storage.AuthTypeStatic, nil)

	require.NoError(t, f.resolver.StoreStatic(context.Background(), f.userID, entry.ID, "one"))
	user, err := f.store.Users().GetByID(context.Background(), f.userID)
	require.NoError(t, err)
	require.Len(t, user.VaultSalt, vault.SaltSize)
	salt := append([]byte(nil), user.VaultSalt...)

	require.NoError(t, f.resolver.StoreStatic(context.Background(), f.userID, entry.ID, "two"))
	user, err = f.store.Users().GetByID(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Equal(t, salt, user.VaultSalt)

	secret, err := f.resolver.Resolve(context.Background(), f.userID, entry)
	require.NoError(t, err)
	assert.Equal(t, "two", secret)
}

func TestDeleteCredential(t *testing.T) {
	t.Parallel()
	f := newCredsFixture(t)
	entry := f.createEntry(t, storage.AuthTypeStatic, nil)

	require.NoError(t, f.resolver.StoreStatic(context.Background(), f.userID, entry.ID, "gone"))
	require.NoError(t, f.resolver.Delete(context.Background(), f.userID, entry.ID))

	secret, err := f.resolver.Resolve(context.Background(), f.userID, entry)
	require.NoError(t, err)
	assert.Empty(t, secret)
}
