// Package auth provides authentication for ambassador clients: preshared-key
// verification for registration and session-token verification for the
// request path. Authorization lives in pkg/authz.
package auth

import (
	"encoding/json"
	"fmt"
)

// Identity represents an authenticated principal.
// This is the primary type for representing authenticated callers throughout
// the ambassador.
type Identity struct {
	// UserID is the owning user's id. Required.
	UserID string

	// Username is the human-readable name of the owning user.
	Username string

	// ClientID is the preshared-key client id the caller authenticated as.
	ClientID string

	// SessionID is set when the caller authenticated with a session token.
	SessionID string

	// ProfileID is the tool profile bound to the authenticating client.
	ProfileID string

	// IsAdmin reports whether the owning user has admin rights.
	IsAdmin bool

	// Groups are the group names the owning user belongs to.
	Groups []string

	// Token is the original credential (for pass-through scenarios).
	// This is redacted in String() and MarshalJSON() to prevent leakage.
	Token string

	// Metadata stores additional identity information.
	Metadata map[string]string
}

// String returns a string representation of the Identity with sensitive
// fields redacted. This prevents accidental credential leakage when the
// Identity is logged or printed.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}

	return fmt.Sprintf("Identity{UserID:%q, ClientID:%q}", i.UserID, i.ClientID)
}

// MarshalJSON implements json.Marshaler to redact sensitive fields during
// JSON serialization. This prevents accidental credential leakage in
// structured logs, API responses, or audit records.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}

	type SafeIdentity struct {
		UserID    string            `json:"userId"`
		Username  string            `json:"username"`
		ClientID  string            `json:"clientId"`
		SessionID string            `json:"sessionId,omitempty"`
		ProfileID string            `json:"profileId,omitempty"`
		IsAdmin   bool              `json:"isAdmin,omitempty"`
		Groups    []string          `json:"groups,omitempty"`
		Token     string            `json:"token,omitempty"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	}

	token := i.Token
	if token != "" {
		token = "REDACTED"
	}

	return json.Marshal(&SafeIdentity{
		UserID:    i.UserID,
		Username:  i.Username,
		ClientID:  i.ClientID,
		SessionID: i.SessionID,
		ProfileID: i.ProfileID,
		IsAdmin:   i.IsAdmin,
		Groups:    i.Groups,
		Token:     token,
		Metadata:  i.Metadata,
	})
}
