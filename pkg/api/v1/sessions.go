package v1

import (
	stderrors "errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/auth"
	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/session"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

// SessionRoutes handles registration, heartbeats and connection teardown.
type SessionRoutes struct {
	authn *auth.Authenticator
	store storage.Store
	sink  audit.Sink
}

// SessionRouter creates the router for the session API.
func SessionRouter(authn *auth.Authenticator, store storage.Store, sink audit.Sink) http.Handler {
	routes := SessionRoutes{authn: authn, store: store, sink: sink}

	r := chi.NewRouter()
	r.Post("/register", routes.register)
	r.Post("/heartbeat", routes.heartbeat)
	r.Delete("/connections/{id}", routes.deleteConnection)
	return r
}

type registerRequest struct {
	PresharedKey string `json:"preshared_key"`
	FriendlyName string `json:"friendly_name"`
	HostTool     string `json:"host_tool"`
}

type registerResponse struct {
	SessionToken string `json:"session_token"`
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
}

// register authenticates a preshared key and issues a session token.
// Re-registering for the same user reuses the session row and replaces its
// token, invalidating the prior one.
func (s *SessionRoutes) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	source := audit.EventSource{Type: "network", Value: clientIP(r)}

	identity, err := s.authn.AuthenticateKey(ctx, req.PresharedKey)
	if err != nil {
		event := audit.NewEvent(audit.EventTypeAuthNFail, source, audit.OutcomeFailure, nil, "api")
		if reason, ok := errors.MetadataOf(err)["reason"]; ok {
			event.WithExtra(audit.MetadataKeyReason, reason)
		}
		s.emit(r, event)
		writeError(w, errors.NewUnauthorizedError("unauthorized", nil))
		return
	}

	token, nonce, err := auth.NewSessionToken()
	if err != nil {
		writeError(w, errors.NewInternalError("failed to issue session token", err))
		return
	}

	now := nowUTC()
	expiresAt := now.Add(session.MaxSessionAge)
	sess, err := s.store.Sessions().ReplaceForUser(ctx,
		identity.UserID, identity.ClientID, identity.ProfileID,
		auth.HashToken(token), nonce, expiresAt)
	if stderrors.Is(err, storage.ErrNotFound) {
		sess = &storage.Session{
			ID:              uuid.New().String(),
			UserID:          identity.UserID,
			ClientID:        identity.ClientID,
			TokenHash:       auth.HashToken(token),
			TokenNonce:      nonce,
			Status:          storage.SessionStatusActive,
			ProfileID:       identity.ProfileID,
			CreatedAt:       now,
			LastActivityAt:  now,
			StatusChangedAt: now,
			ExpiresAt:       expiresAt,
			IdleTimeout:     session.DefaultIdleTimeout,
			SpindownDelay:   session.DefaultSpindownDelay,
		}
		err = s.store.Sessions().Create(ctx, sess)
	}
	if err != nil {
		writeError(w, errors.NewInternalError("failed to persist session", err))
		return
	}

	conn := &storage.Connection{
		ID:            uuid.New().String(),
		SessionID:     sess.ID,
		FriendlyName:  req.FriendlyName,
		HostTool:      req.HostTool,
		LastHeartbeat: now,
		Status:        storage.ConnectionStatusConnected,
	}
	if err := s.store.Connections().Create(ctx, conn); err != nil {
		writeError(w, errors.NewInternalError("failed to persist connection", err))
		return
	}

	s.emit(r, audit.NewEvent(audit.EventTypeAuthNSuccess, source, audit.OutcomeSuccess,
		map[string]string{
			audit.SubjectKeyUserID:    identity.UserID,
			audit.SubjectKeyClientID:  identity.ClientID,
			audit.SubjectKeySessionID: sess.ID,
		}, "api"))

	writeJSON(w, http.StatusOK, registerResponse{
		SessionToken: token,
		SessionID:    sess.ID,
		ConnectionID: conn.ID,
	})
}

type heartbeatRequest struct {
	ConnectionID string `json:"connection_id"`
}

// heartbeat refreshes a connection's liveness and the session's activity.
func (s *SessionRoutes) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	_, sess, err := s.authn.AuthenticateSessionToken(ctx, sessionToken(r))
	if err != nil {
		writeError(w, errors.NewUnauthorizedError("unauthorized", nil))
		return
	}

	conn, err := s.store.Connections().GetByID(ctx, req.ConnectionID)
	if err != nil || conn.SessionID != sess.ID {
		writeError(w, errors.NewNotFoundError("connection not found", nil))
		return
	}

	now := nowUTC()
	if err := s.store.Connections().Heartbeat(ctx, conn.ID, now); err != nil {
		writeError(w, errors.NewInternalError("failed to record heartbeat", err))
		return
	}
	if err := s.store.Sessions().TouchActivity(ctx, sess.ID, now); err != nil {
		logger.Warnf("failed to touch session %s: %v", sess.ID, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// deleteConnection disconnects one host connection under the session.
func (s *SessionRoutes) deleteConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, sess, err := s.authn.AuthenticateSessionToken(ctx, sessionToken(r))
	if err != nil {
		writeError(w, errors.NewUnauthorizedError("unauthorized", nil))
		return
	}

	connectionID := chi.URLParam(r, "id")
	conn, err := s.store.Connections().GetByID(ctx, connectionID)
	if err != nil || conn.SessionID != sess.ID {
		writeError(w, errors.NewNotFoundError("connection not found", nil))
		return
	}
	if err := s.store.Connections().Delete(ctx, conn.ID); err != nil {
		writeError(w, errors.NewInternalError("failed to delete connection", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *SessionRoutes) emit(r *http.Request, event *audit.Event) {
	if err := s.sink.Emit(r.Context(), event); err != nil {
		logger.Warnf("audit emit on api surface failed: %v", err)
	}
}
