// Package v1 contains the versioned REST handlers of the ambassador.
package v1

import (
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

// APIVersion is reported in tool listing responses.
const APIVersion = "v1"

// sessionTokenHeader carries the session token on authenticated routes. The
// Authorization bearer form is accepted as well.
const sessionTokenHeader = "X-Session-Token"

// sessionToken extracts the caller's session token from the request.
func sessionToken(r *http.Request) string {
	if token := r.Header.Get(sessionTokenHeader); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	const bearer = "Bearer "
	if len(auth) > len(bearer) && auth[:len(bearer)] == bearer {
		return auth[len(bearer):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("failed to encode response: %v", err)
	}
}

// writeError maps the internal error taxonomy to the public wire surface.
// Authentication and authorization failures are never distinguished beyond
// their status code; detailed reasons live only in the audit trail.
func writeError(w http.ResponseWriter, err error) {
	errType := errors.TypeOf(err)
	switch errType {
	case errors.ErrUnauthorized:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	case errors.ErrForbidden:
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.ErrValidation, errors.ErrInvalidState:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": errType, "message": publicMessage(err)})
	case errors.ErrNotFound:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": errType, "message": publicMessage(err)})
	case errors.ErrConflict:
		writeJSON(w, http.StatusConflict, map[string]string{"error": errType, "message": publicMessage(err)})
	case errors.ErrRateLimited:
		if retryAfter, ok := errors.MetadataOf(err)["retry_after_s"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		}
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": errType})
	case errors.ErrServiceUnavailable, errors.ErrResourceLimitExceeded, errors.ErrProviderUnhealthy:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": errors.ErrServiceUnavailable})
	case errors.ErrTimeout:
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": errType})
	default:
		logger.Errorw("internal error on api surface", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}

// publicMessage returns the error message without the type prefix or cause
// chain.
func publicMessage(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return "request failed"
}

func nowUTC() time.Time { return time.Now().UTC() }

// maxBodyBytes bounds request bodies on the JSON surface.
const maxBodyBytes = 1 << 20

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		return errors.NewValidationError("invalid request body", err)
	}
	return nil
}

// clientIP returns the request's source address without the port. The server
// runs chi's RealIP middleware, so RemoteAddr already reflects forwarded
// headers from trusted proxies.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
