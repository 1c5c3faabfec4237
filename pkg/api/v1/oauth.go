package v1

import (
	stderrors "errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/auth"
	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/oauth"
	"github.com/mcp-ambassador/ambassador/pkg/ratelimit"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
	"github.com/mcp-ambassador/ambassador/pkg/upstream"
)

// callbackRateLimit bounds callback hits per source IP per minute.
const callbackRateLimit = 30

// OAuthRoutes drives the user-facing half of the PKCE flow.
type OAuthRoutes struct {
	authn       *auth.Authenticator
	store       storage.Store
	manager     *oauth.Manager
	credentials *upstream.VaultCredentials
	limiter     *ratelimit.Limiter
	portalURL   string
	sink        audit.Sink
}

// NewOAuthRoutes wires the OAuth API handlers.
func NewOAuthRoutes(
	authn *auth.Authenticator,
	store storage.Store,
	manager *oauth.Manager,
	credentials *upstream.VaultCredentials,
	limiter *ratelimit.Limiter,
	portalURL string,
	sink audit.Sink,
) *OAuthRoutes {
	return &OAuthRoutes{
		authn:       authn,
		store:       store,
		manager:     manager,
		credentials: credentials,
		limiter:     limiter,
		portalURL:   portalURL,
		sink:        sink,
	}
}

// UserRouter creates the router mounted under the authenticated user scope.
func (o *OAuthRoutes) UserRouter() http.Handler {
	r := chi.NewRouter()
	r.Post("/authorize", o.authorize)
	r.Get("/status/{name}", o.status)
	r.Delete("/disconnect/{name}", o.disconnect)
	return r
}

// CallbackRouter creates the router for the unauthenticated provider
// callback.
func (o *OAuthRoutes) CallbackRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/callback", o.callback)
	return r
}

type authorizeRequest struct {
	ServerName string `json:"server_name"`
}

type authorizeResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

// authorize starts the PKCE flow for one catalog entry.
func (o *OAuthRoutes) authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	identity, _, err := o.authn.AuthenticateSessionToken(ctx, sessionToken(r))
	if err != nil {
		writeError(w, errors.NewUnauthorizedError("unauthorized", nil))
		return
	}

	entry, err := o.store.Catalog().GetByName(ctx, req.ServerName)
	if err != nil {
		writeError(w, errors.NewNotFoundError("tool server not found", nil))
		return
	}
	if entry.AuthType != storage.AuthTypeOAuth2 {
		writeError(w, errors.NewValidationError("tool server does not use oauth", nil))
		return
	}

	authz, err := o.manager.GenerateAuthorizationURL(ctx, identity.UserID, entry)
	if err != nil {
		writeError(w, err)
		return
	}

	o.emit(r, audit.NewEvent(audit.EventTypeOAuthAuthorize,
		audit.EventSource{Type: "network", Value: clientIP(r)},
		audit.OutcomeSuccess,
		map[string]string{audit.SubjectKeyUserID: identity.UserID},
		"api").
		WithTarget(map[string]string{audit.TargetKeyType: "tool_server", audit.TargetKeyName: entry.Name}))

	writeJSON(w, http.StatusOK, authorizeResponse{
		AuthorizationURL: authz.URL,
		State:            authz.State,
	})
}

// callback receives the provider redirect. It is idempotent, rate limited per
// source IP and always ends with a redirect to the portal.
func (o *OAuthRoutes) callback(w http.ResponseWriter, r *http.Request) {
	release, err := o.limiter.Acquire("callback:"+clientIP(r), ratelimit.Limits{PerMinute: callbackRateLimit})
	if err != nil {
		o.redirect(w, r, "error", "rate_limited")
		return
	}
	release()

	query := r.URL.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		o.auditCallback(r, audit.OutcomeFailure, providerErr, nil)
		o.redirect(w, r, "error", providerErr)
		return
	}

	exchange, err := o.manager.ExchangeCodeForTokens(r.Context(), query.Get("state"), query.Get("code"))
	if err != nil {
		reason := errors.TypeOf(err)
		o.auditCallback(r, audit.OutcomeFailure, reason, nil)
		o.redirect(w, r, "error", reason)
		return
	}

	if err := o.credentials.StoreTokenSet(r.Context(), exchange.UserID, exchange.CatalogID, exchange.Tokens); err != nil {
		logger.Errorw("failed to store token set", "error", err, "user_id", exchange.UserID)
		o.auditCallback(r, audit.OutcomeFailure, "storage", exchange)
		o.redirect(w, r, "error", "internal")
		return
	}

	o.auditCallback(r, audit.OutcomeSuccess, "", exchange)
	o.redirect(w, r, "success", "")
}

type oauthStatusResponse struct {
	Status         string  `json:"status"`
	CredentialType string  `json:"credential_type,omitempty"`
	ExpiresAt      *string `json:"expires_at,omitempty"`
}

// status reports whether the user has a working credential for the entry.
func (o *OAuthRoutes) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, _, err := o.authn.AuthenticateSessionToken(ctx, sessionToken(r))
	if err != nil {
		writeError(w, errors.NewUnauthorizedError("unauthorized", nil))
		return
	}

	entry, err := o.store.Catalog().GetByName(ctx, chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, errors.NewNotFoundError("tool server not found", nil))
		return
	}

	cred, err := o.credentials.Status(ctx, identity.UserID, entry.ID)
	if stderrors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, oauthStatusResponse{Status: "not_connected"})
		return
	}
	if err != nil {
		writeError(w, errors.NewInternalError("failed to load credential status", err))
		return
	}

	resp := oauthStatusResponse{Status: cred.OAuthStatus, CredentialType: cred.CredentialType}
	if resp.Status == "" {
		resp.Status = "connected"
	}
	if cred.ExpiresAt != nil {
		formatted := cred.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.ExpiresAt = &formatted
	}
	writeJSON(w, http.StatusOK, resp)
}

// disconnect revokes the user's tokens best-effort and deletes the stored
// credential.
func (o *OAuthRoutes) disconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, _, err := o.authn.AuthenticateSessionToken(ctx, sessionToken(r))
	if err != nil {
		writeError(w, errors.NewUnauthorizedError("unauthorized", nil))
		return
	}

	entry, err := o.store.Catalog().GetByName(ctx, chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, errors.NewNotFoundError("tool server not found", nil))
		return
	}

	if entry.AuthType == storage.AuthTypeOAuth2 {
		if config, cfgErr := oauth.ParseConfig(entry.OAuthConfig); cfgErr == nil {
			if accessToken, resErr := o.credentials.Resolve(ctx, identity.UserID, entry); resErr == nil && accessToken != "" {
				o.manager.RevokeTokens(ctx, config, accessToken, "")
			}
		}
	}

	if err := o.credentials.Delete(ctx, identity.UserID, entry.ID); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
		writeError(w, errors.NewInternalError("failed to delete credential", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// redirect sends the browser back to the portal with the outcome in the
// query string.
func (o *OAuthRoutes) redirect(w http.ResponseWriter, r *http.Request, status, reason string) {
	target, err := url.Parse(o.portalURL)
	if err != nil {
		target = &url.URL{Path: "/"}
	}
	query := target.Query()
	query.Set("status", status)
	if reason != "" {
		query.Set("reason", reason)
	}
	target.RawQuery = query.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (o *OAuthRoutes) auditCallback(r *http.Request, outcome, reason string, exchange *oauth.Exchange) {
	event := audit.NewEvent(audit.EventTypeOAuthCallback,
		audit.EventSource{Type: "network", Value: clientIP(r)},
		outcome, nil, "api")
	if reason != "" {
		event.WithExtra(audit.MetadataKeyReason, reason)
	}
	if exchange != nil {
		event.Subjects = map[string]string{audit.SubjectKeyUserID: exchange.UserID}
	}
	o.emit(r, event)
}

func (o *OAuthRoutes) emit(r *http.Request, event *audit.Event) {
	if err := o.sink.Emit(r.Context(), event); err != nil {
		logger.Warnf("audit emit on api surface failed: %v", err)
	}
}
