package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
	"github.com/mcp-ambassador/ambassador/pkg/storage/sqlite"
)

type oauthFixture struct {
	store   storage.Store
	manager *Manager
	userID  string
}

func newOAuthFixture(t *testing.T) *oauthFixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	user := &storage.User{ID: uuid.New().String(), Username: "alice", Status: storage.UserStatusActive}
	require.NoError(t, db.Users().Create(ctx, user))

	return &oauthFixture{
		store:   db,
		manager: NewManager(db.OAuthStates(), db.Catalog()),
		userID:  user.ID,
	}
}

func (f *oauthFixture) createEntry(t *testing.T, config Config) *storage.CatalogEntry {
	t.Helper()
	raw, err := json.Marshal(config)
	require.NoError(t, err)

	entry := &storage.CatalogEntry{
		ID:                uuid.New().String(),
		Name:              uuid.New().String(),
		Transport:         storage.TransportHTTP,
		Config:            json.RawMessage(`{"url":"https://downstream.example"}`),
		Isolation:         storage.IsolationPerUser,
		AuthType:          storage.AuthTypeOAuth2,
		OAuthConfig:       raw,
		PublicationStatus: storage.PublicationPublished,
	}
	require.NoError(t, f.store.Catalog().Create(context.Background(), entry))
	return entry
}

func testConfig(serverURL string) Config {
	return Config{
		ProviderName:          "github",
		AuthorizationEndpoint: serverURL + "/authorize",
		TokenEndpoint:         serverURL + "/token",
		RevocationEndpoint:    serverURL + "/revoke",
		RedirectURI:           "https://ambassador.example/v1/oauth/callback",
		Scopes:                []string{"repo", "read:user"},
	}
}

func setClientEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AMBASSADOR_OAUTH_GITHUB_CLIENT_ID", "test-client")
	t.Setenv("AMBASSADOR_OAUTH_GITHUB_CLIENT_SECRET", "test-secret")
}

func TestGenerateAuthorizationURL(t *testing.T) {
	setClientEnv(t)
	f := newOAuthFixture(t)
	entry := f.createEntry(t, testConfig("https://provider.example"))

	auth, err := f.manager.GenerateAuthorizationURL(context.Background(), f.userID, entry)
	require.NoError(t, err)

	parsed, err := url.Parse(auth.URL)
	require.NoError(t, err)
	query := parsed.Query()
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "test-client", query.Get("client_id"))
	assert.Equal(t, auth.State, query.Get("state"))
	assert.Equal(t, "S256", query.Get("code_challenge_method"))
	assert.Equal(t, "repo read:user", query.Get("scope"))

	// The persisted verifier must hash to the challenge in the URL.
	row, err := f.store.OAuthStates().Consume(context.Background(), auth.State)
	require.NoError(t, err)
	sum := sha256.Sum256([]byte(row.CodeVerifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), query.Get("code_challenge"))
	assert.GreaterOrEqual(t, len(row.CodeVerifier), 64)
	assert.WithinDuration(t, row.CreatedAt.Add(StateTTL), row.ExpiresAt, time.Second)
}

func TestGenerateRejectsReservedExtraParams(t *testing.T) {
	setClientEnv(t)
	f := newOAuthFixture(t)
	config := testConfig("https://provider.example")
	config.ExtraParams = map[string]string{"client_id": "spoofed"}
	entry := f.createEntry(t, config)

	_, err := f.manager.GenerateAuthorizationURL(context.Background(), f.userID, entry)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestGenerateRequiresClientIDInEnv(t *testing.T) {
	t.Setenv("AMBASSADOR_OAUTH_GITHUB_CLIENT_ID", "")
	f := newOAuthFixture(t)
	entry := f.createEntry(t, testConfig("https://provider.example"))

	_, err := f.manager.GenerateAuthorizationURL(context.Background(), f.userID, entry)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestExchangeCodeForTokens(t *testing.T) {
	setClientEnv(t)
	f := newOAuthFixture(t)

	var tokenForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		tokenForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","token_type":"bearer","expires_in":3600}`)
	}))
	defer server.Close()

	entry := f.createEntry(t, testConfig(server.URL))
	auth, err := f.manager.GenerateAuthorizationURL(context.Background(), f.userID, entry)
	require.NoError(t, err)

	exchange, err := f.manager.ExchangeCodeForTokens(context.Background(), auth.State, "the-code")
	require.NoError(t, err)
	assert.Equal(t, "at-1", exchange.Tokens.AccessToken)
	assert.Equal(t, "rt-1", exchange.Tokens.RefreshToken)
	assert.Equal(t, f.userID, exchange.UserID)
	assert.Equal(t, entry.ID, exchange.CatalogID)
	assert.False(t, exchange.Tokens.ExpiresAt.IsZero())

	assert.Equal(t, "authorization_code", tokenForm.Get("grant_type"))
	assert.Equal(t, "the-code", tokenForm.Get("code"))
	assert.NotEmpty(t, tokenForm.Get("code_verifier"))
	assert.Equal(t, "test-client", tokenForm.Get("client_id"))

	// The state row is single use.
	_, err = f.manager.ExchangeCodeForTokens(context.Background(), auth.State, "the-code")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidState(err))
}

func TestExchangeRejectsExpiredState(t *testing.T) {
	setClientEnv(t)
	f := newOAuthFixture(t)
	entry := f.createEntry(t, testConfig("https://provider.example"))

	auth, err := f.manager.GenerateAuthorizationURL(context.Background(), f.userID, entry)
	require.NoError(t, err)

	f.manager.now = func() time.Time { return time.Now().Add(StateTTL + time.Minute) }
	_, err = f.manager.ExchangeCodeForTokens(context.Background(), auth.State, "code")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidState(err))
}

func TestExchangeSurfacesProviderError(t *testing.T) {
	setClientEnv(t)
	f := newOAuthFixture(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer server.Close()

	entry := f.createEntry(t, testConfig(server.URL))
	auth, err := f.manager.GenerateAuthorizationURL(context.Background(), f.userID, entry)
	require.NoError(t, err)

	_, err = f.manager.ExchangeCodeForTokens(context.Background(), auth.State, "bad-code")
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))
	assert.Equal(t, "invalid_grant", errors.MetadataOf(err)["provider_error"])
}

func TestRefreshKeepsTokenWhenNotRotated(t *testing.T) {
	setClientEnv(t)
	f := newOAuthFixture(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-old", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-2","expires_in":60}`)
	}))
	defer server.Close()

	config := testConfig(server.URL)
	tokens, err := f.manager.RefreshAccessToken(context.Background(), &config, "rt-old")
	require.NoError(t, err)
	assert.Equal(t, "at-2", tokens.AccessToken)
	assert.Equal(t, "rt-old", tokens.RefreshToken)
}

func TestRevokeTokensIsBestEffort(t *testing.T) {
	setClientEnv(t)
	f := newOAuthFixture(t)

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	config := testConfig(server.URL)
	// Never returns an error, even when the provider refuses.
	f.manager.RevokeTokens(context.Background(), &config, "at", "rt")
	assert.Equal(t, 2, calls)
}

func TestCleanupExpiredStates(t *testing.T) {
	setClientEnv(t)
	f := newOAuthFixture(t)
	entry := f.createEntry(t, testConfig("https://provider.example"))

	auth, err := f.manager.GenerateAuthorizationURL(context.Background(), f.userID, entry)
	require.NoError(t, err)

	f.manager.now = func() time.Time { return time.Now().Add(StateTTL + time.Minute) }
	f.manager.CleanupExpiredStates(context.Background())

	_, err = f.store.OAuthStates().Consume(context.Background(), auth.State)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTokenSetExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()

	assert.False(t, (&TokenSet{}).Expired(now))
	assert.False(t, (&TokenSet{ExpiresAt: now.Add(time.Hour)}).Expired(now))
	assert.True(t, (&TokenSet{ExpiresAt: now.Add(10 * time.Second)}).Expired(now))
	assert.True(t, (&TokenSet{ExpiresAt: now.Add(-time.Hour)}).Expired(now))
}

func TestEnvKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "GITHUB", envKey("github"))
	assert.Equal(t, "MY_PROVIDER_V2", envKey("my-provider.v2"))
}

func TestParseConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := ParseConfig(nil)
	assert.True(t, errors.IsValidation(err))

	_, err = ParseConfig(json.RawMessage(`{"provider_name":"x"}`))
	assert.True(t, errors.IsValidation(err))

	config, err := ParseConfig(json.RawMessage(
		`{"provider_name":"x","authorization_endpoint":"a","token_endpoint":"t","redirect_uri":"r"}`))
	require.NoError(t, err)
	assert.Equal(t, "x", config.ProviderName)
}
