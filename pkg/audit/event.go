// Package audit provides the append-only audit trail for the ambassador.
// Event structure follows the auditevent shape from metal-toolbox/auditevent
// for NIST SP 800-53 friendly records.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the AAA pipeline and the session lifecycle manager.
const (
	// EventTypeAuthNSuccess records a successful authentication
	EventTypeAuthNSuccess = "authn_success"
	// EventTypeAuthNFail records a failed authentication attempt
	EventTypeAuthNFail = "authn_fail"
	// EventTypeAuthZPermit records a permit decision
	EventTypeAuthZPermit = "authz_permit"
	// EventTypeAuthZDeny records a deny decision
	EventTypeAuthZDeny = "authz_deny"
	// EventTypeToolInvocation records a completed tool invocation
	EventTypeToolInvocation = "tool_invocation"
	// EventTypeToolError records a failed tool invocation
	EventTypeToolError = "tool_error"
	// EventTypeSessionTransition records a session state machine transition
	EventTypeSessionTransition = "session_transition"
	// EventTypeOAuthAuthorize records the start of an OAuth authorization flow
	EventTypeOAuthAuthorize = "oauth_authorize"
	// EventTypeOAuthCallback records an OAuth callback outcome
	EventTypeOAuthCallback = "oauth_callback"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Subject field keys.
const (
	SubjectKeyUserID    = "user_id"
	SubjectKeyClientID  = "client_id"
	SubjectKeySessionID = "session_id"
)

// Target field keys.
const (
	TargetKeyType     = "type"
	TargetKeyName     = "name"
	TargetKeyEndpoint = "endpoint"
)

// Metadata extra keys.
const (
	MetadataKeyDecision       = "decision"
	MetadataKeyPolicyID       = "policy_id"
	MetadataKeyReason         = "reason"
	MetadataKeyDuration       = "duration_ms"
	MetadataKeyPreviousStatus = "previous_status"
	MetadataKeyNewStatus      = "new_status"
)

// Event represents a single audit record.
type Event struct {
	Metadata EventMetadata `json:"metadata"`
	// Type identifies what happened, e.g. authz_deny or tool_invocation.
	Type string `json:"type"`
	// LoggedAt is the UTC emission timestamp.
	LoggedAt time.Time `json:"loggedAt"`
	// Source identifies where the request came from.
	Source EventSource `json:"source"`
	// Outcome is success, failure or denied.
	Outcome string `json:"outcome"`
	// Subjects attributes the event to user/client/session identities.
	Subjects map[string]string `json:"subjects"`
	// Component names the subsystem that emitted the event.
	Component string `json:"component"`
	// Target describes what the event acted on, e.g. a tool name.
	Target map[string]string `json:"target,omitempty"`
	// Data carries request/response summaries. Never include plaintext
	// credentials or redacted argument values here.
	Data *json.RawMessage `json:"data,omitempty"`
}

// EventMetadata contains metadata about the audit event.
type EventMetadata struct {
	// AuditID is a unique identifier for the audit event.
	AuditID string `json:"auditId"`
	// Extra allows for including additional information about the event.
	Extra map[string]any `json:"extra,omitempty"`
}

// EventSource represents the source of an audit event.
type EventSource struct {
	// Type indicates the source type, e.g. network or local.
	Type string `json:"type"`
	// Value indicates the concrete source, e.g. an IP address.
	Value string `json:"value"`
	// Extra allows for including additional source information.
	Extra map[string]any `json:"extra,omitempty"`
}

// NewEvent returns a new Event with a fresh AuditID and UTC timestamp.
func NewEvent(eventType string, source EventSource, outcome string, subjects map[string]string, component string) *Event {
	return &Event{
		Metadata: EventMetadata{
			AuditID: uuid.New().String(),
		},
		Type:      eventType,
		LoggedAt:  time.Now().UTC(),
		Source:    source,
		Outcome:   outcome,
		Subjects:  subjects,
		Component: component,
	}
}

// WithTarget sets the target of the event.
func (e *Event) WithTarget(target map[string]string) *Event {
	e.Target = target
	return e
}

// WithExtra adds a metadata extra to the event.
func (e *Event) WithExtra(key string, value any) *Event {
	if e.Metadata.Extra == nil {
		e.Metadata.Extra = make(map[string]any)
	}
	e.Metadata.Extra[key] = value
	return e
}

// WithData sets the forensic data payload of the event.
func (e *Event) WithData(data *json.RawMessage) *Event {
	e.Data = data
	return e
}

// WithDataFromString sets the data of the event from a JSON string. The
// caller is responsible for the string being valid JSON.
func (e *Event) WithDataFromString(data string) *Event {
	rawMsg := json.RawMessage(data)
	return e.WithData(&rawMsg)
}
