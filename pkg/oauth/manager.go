// Package oauth implements the authorization-code + PKCE flow against
// downstream providers. State rows are single use with a 10-minute TTL;
// client credentials are resolved from the environment at call time and
// never persisted.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

const (
	// StateTTL is how long an authorization state row is valid.
	StateTTL = 10 * time.Minute
	// CleanupInterval is how often expired state rows are purged.
	CleanupInterval = 5 * time.Minute

	// verifierSize is the random byte length of the PKCE code verifier.
	verifierSize = 64
	stateSize    = 32

	requestTimeout = 30 * time.Second

	// envPrefix is the namespace for provider client credentials, completed
	// as AMBASSADOR_OAUTH_<NAME>_CLIENT_ID and _CLIENT_SECRET.
	envPrefix = "AMBASSADOR_OAUTH_"
)

// reservedParams are the OAuth parameters the manager composes itself.
// Caller-supplied extra params colliding with these are rejected.
var reservedParams = map[string]struct{}{
	"response_type":         {},
	"client_id":             {},
	"client_secret":         {},
	"redirect_uri":          {},
	"state":                 {},
	"scope":                 {},
	"code":                  {},
	"code_challenge":        {},
	"code_challenge_method": {},
	"code_verifier":         {},
	"grant_type":            {},
	"refresh_token":         {},
}

// Config is the provider configuration stored on a catalog entry.
type Config struct {
	ProviderName          string            `json:"provider_name"`
	AuthorizationEndpoint string            `json:"authorization_endpoint"`
	TokenEndpoint         string            `json:"token_endpoint"`
	RevocationEndpoint    string            `json:"revocation_endpoint,omitempty"`
	RedirectURI           string            `json:"redirect_uri"`
	Scopes                []string          `json:"scopes,omitempty"`
	ExtraParams           map[string]string `json:"extra_params,omitempty"`
}

// ParseConfig decodes and validates a catalog entry's oauth_config blob.
func ParseConfig(raw json.RawMessage) (*Config, error) {
	if len(raw) == 0 {
		return nil, errors.NewValidationError("oauth config is required", nil)
	}
	var config Config
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, errors.NewValidationError("malformed oauth config", err)
	}
	switch {
	case config.ProviderName == "":
		return nil, errors.NewValidationError("oauth config missing provider_name", nil)
	case config.AuthorizationEndpoint == "":
		return nil, errors.NewValidationError("oauth config missing authorization_endpoint", nil)
	case config.TokenEndpoint == "":
		return nil, errors.NewValidationError("oauth config missing token_endpoint", nil)
	case config.RedirectURI == "":
		return nil, errors.NewValidationError("oauth config missing redirect_uri", nil)
	}
	return &config, nil
}

// TokenSet is the parsed token endpoint response. ExpiresAt is derived from
// expires_in at parse time.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the access token is past its expiry with a small
// safety margin. Token sets without an expiry never report expired.
func (t *TokenSet) Expired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return now.After(t.ExpiresAt.Add(-30 * time.Second))
}

// Manager drives the PKCE flow against provider endpoints.
type Manager struct {
	states  storage.OAuthStateStore
	catalog storage.CatalogStore
	client  *http.Client

	now func() time.Time
}

// NewManager returns an OAuth manager backed by the given stores.
func NewManager(states storage.OAuthStateStore, catalog storage.CatalogStore) *Manager {
	return &Manager{
		states:  states,
		catalog: catalog,
		client:  &http.Client{Timeout: requestTimeout},
		now:     time.Now,
	}
}

// Authorization is the result of GenerateAuthorizationURL.
type Authorization struct {
	URL   string
	State string
}

// GenerateAuthorizationURL creates and persists a state row for the user and
// catalog entry and returns the provider authorization URL.
func (m *Manager) GenerateAuthorizationURL(ctx context.Context, userID string, entry *storage.CatalogEntry) (*Authorization, error) {
	config, err := ParseConfig(entry.OAuthConfig)
	if err != nil {
		return nil, err
	}
	clientID, _, err := clientCredentials(config.ProviderName)
	if err != nil {
		return nil, err
	}
	for param := range config.ExtraParams {
		if _, reserved := reservedParams[param]; reserved {
			return nil, errors.NewValidationError(
				fmt.Sprintf("extra param %q collides with a reserved oauth parameter", param), nil)
		}
	}

	state, err := randomToken(stateSize)
	if err != nil {
		return nil, err
	}
	verifier, err := randomToken(verifierSize)
	if err != nil {
		return nil, err
	}
	challenge := sha256.Sum256([]byte(verifier))

	now := m.now()
	row := &storage.OAuthState{
		State:        state,
		UserID:       userID,
		CatalogID:    entry.ID,
		CodeVerifier: verifier,
		RedirectURI:  config.RedirectURI,
		CreatedAt:    now,
		ExpiresAt:    now.Add(StateTTL),
	}
	if err := m.states.Create(ctx, row); err != nil {
		return nil, errors.NewInternalError("failed to persist oauth state", err)
	}

	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", clientID)
	query.Set("redirect_uri", config.RedirectURI)
	query.Set("state", state)
	query.Set("code_challenge", base64.RawURLEncoding.EncodeToString(challenge[:]))
	query.Set("code_challenge_method", "S256")
	if len(config.Scopes) > 0 {
		query.Set("scope", strings.Join(config.Scopes, " "))
	}
	for param, value := range config.ExtraParams {
		query.Set(param, value)
	}

	authURL, err := url.Parse(config.AuthorizationEndpoint)
	if err != nil {
		return nil, errors.NewValidationError("invalid authorization endpoint", err)
	}
	authURL.RawQuery = query.Encode()
	return &Authorization{URL: authURL.String(), State: state}, nil
}

// Exchange is the result of ExchangeCodeForTokens.
type Exchange struct {
	Tokens    *TokenSet
	UserID    string
	CatalogID string
}

// ExchangeCodeForTokens consumes the state row and trades the authorization
// code for tokens. A replayed or expired state yields an invalid_state error.
func (m *Manager) ExchangeCodeForTokens(ctx context.Context, state, code string) (*Exchange, error) {
	row, err := m.states.Consume(ctx, state)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewInvalidStateError("unknown or already used oauth state", nil)
		}
		return nil, errors.NewInternalError("failed to consume oauth state", err)
	}
	if m.now().After(row.ExpiresAt) {
		return nil, errors.NewInvalidStateError("oauth state expired", nil)
	}

	entry, err := m.catalog.GetByID(ctx, row.CatalogID)
	if err != nil {
		return nil, errors.NewInternalError("catalog entry for oauth state not found", err)
	}
	config, err := ParseConfig(entry.OAuthConfig)
	if err != nil {
		return nil, err
	}
	clientID, clientSecret, err := clientCredentials(config.ProviderName)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", row.RedirectURI)
	form.Set("client_id", clientID)
	form.Set("code_verifier", row.CodeVerifier)
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}

	tokens, err := m.postTokenEndpoint(ctx, config.TokenEndpoint, form)
	if err != nil {
		return nil, err
	}
	return &Exchange{Tokens: tokens, UserID: row.UserID, CatalogID: row.CatalogID}, nil
}

// RefreshAccessToken trades a refresh token for a fresh token set. Providers
// may rotate the refresh token; callers must persist the returned set.
func (m *Manager) RefreshAccessToken(ctx context.Context, config *Config, refreshToken string) (*TokenSet, error) {
	clientID, clientSecret, err := clientCredentials(config.ProviderName)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}

	tokens, err := m.postTokenEndpoint(ctx, config.TokenEndpoint, form)
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

// RevokeTokens revokes the given tokens at the provider's revocation
// endpoint. Best effort: failures are logged, never returned.
func (m *Manager) RevokeTokens(ctx context.Context, config *Config, accessToken, refreshToken string) {
	if config.RevocationEndpoint == "" {
		return
	}
	clientID, clientSecret, err := clientCredentials(config.ProviderName)
	if err != nil {
		logger.Warnf("skipping token revocation for %s: %v", config.ProviderName, err)
		return
	}

	revoke := func(token, hint string) {
		if token == "" {
			return
		}
		form := url.Values{}
		form.Set("token", token)
		form.Set("token_type_hint", hint)
		form.Set("client_id", clientID)
		if clientSecret != "" {
			form.Set("client_secret", clientSecret)
		}
		if err := m.postForm(ctx, config.RevocationEndpoint, form); err != nil {
			logger.Warnf("token revocation for %s failed: %v", config.ProviderName, err)
		}
	}
	revoke(accessToken, "access_token")
	revoke(refreshToken, "refresh_token")
}

// CleanupExpiredStates purges expired state rows.
func (m *Manager) CleanupExpiredStates(ctx context.Context) {
	deleted, err := m.states.DeleteExpired(ctx, m.now())
	if err != nil {
		logger.Errorw("oauth state cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		logger.Debugf("purged %d expired oauth states", deleted)
	}
}

// RunCleanup purges expired states on a timer until ctx is canceled.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupExpiredStates(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tokenResponse is the wire shape of a token endpoint response.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (m *Manager) postTokenEndpoint(ctx context.Context, endpoint string, form url.Values) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.NewInternalError("failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errors.NewServiceUnavailableError("token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.NewServiceUnavailableError("failed to read token response", err)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.NewServiceUnavailableError(
			fmt.Sprintf("malformed token response (status %d)", resp.StatusCode), err)
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != "" {
		return nil, errors.NewUnauthorizedError(
			fmt.Sprintf("token endpoint rejected the request: %s", parsed.Error), nil).
			WithMetadata(map[string]any{"provider_error": parsed.Error, "status": resp.StatusCode})
	}
	if parsed.AccessToken == "" {
		return nil, errors.NewServiceUnavailableError("token response missing access_token", nil)
	}

	tokens := &TokenSet{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		TokenType:    parsed.TokenType,
		Scope:        parsed.Scope,
	}
	if parsed.ExpiresIn > 0 {
		tokens.ExpiresAt = m.now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	}
	return tokens, nil
}

func (m *Manager) postForm(ctx context.Context, endpoint string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// clientCredentials resolves the provider's client id and secret from the
// environment. The secret may legitimately be empty for public PKCE clients.
func clientCredentials(providerName string) (clientID, clientSecret string, err error) {
	key := envKey(providerName)
	clientID = os.Getenv(envPrefix + key + "_CLIENT_ID")
	if clientID == "" {
		return "", "", errors.NewValidationError(
			fmt.Sprintf("missing %s%s_CLIENT_ID in environment", envPrefix, key), nil)
	}
	return clientID, os.Getenv(envPrefix + key + "_CLIENT_SECRET"), nil
}

// envKey uppercases the provider name and maps every non-alphanumeric rune
// to an underscore.
func envKey(providerName string) string {
	upper := strings.ToUpper(providerName)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.NewInternalError("failed to generate random token", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
