// Package pipeline orchestrates the AAA flow for tool invocations:
// authenticate, authorize, validate, route, audit. Every request ends with
// exactly one terminal audit event (authn_fail, authz_deny, tool_invocation
// or tool_error); audit emission failures are governed by the configured
// audit_on_failure mode.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/auth"
	"github.com/mcp-ambassador/ambassador/pkg/authz"
	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/ratelimit"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
	"github.com/mcp-ambassador/ambassador/pkg/telemetry"
	"github.com/mcp-ambassador/ambassador/pkg/upstream"
	"github.com/mcp-ambassador/ambassador/pkg/validation"
)

// Audit failure modes.
const (
	// AuditOnFailureBlock fails closed: a request whose audit event cannot be
	// written is rejected with service_unavailable.
	AuditOnFailureBlock = "block"
	// AuditOnFailureBuffer fails open: the event is dropped with a warning
	// and the request proceeds.
	AuditOnFailureBuffer = "buffer"
)

// DefaultInvokeTimeout bounds one downstream tool call.
const DefaultInvokeTimeout = 60 * time.Second

const component = "pipeline"

// Authenticator verifies session tokens. Satisfied by auth.Authenticator.
type Authenticator interface {
	AuthenticateSessionToken(ctx context.Context, token string) (*auth.Identity, *storage.Session, error)
}

// Authorizer decides tool access. Satisfied by authz.Authorizer.
type Authorizer interface {
	Authorize(ctx context.Context, identity *auth.Identity, toolName string) (*authz.Decision, error)
	ListAuthorized(ctx context.Context, identity *auth.Identity, toolNames []string) ([]string, error)
	ResolveEffectiveProfile(ctx context.Context, profileID string) (*authz.EffectiveProfile, error)
}

// Spawner ensures a user's per-user tool servers are running. Satisfied by
// upstream.Pool.
type Spawner interface {
	Spawn(ctx context.Context, userID string) error
}

// Config tunes the pipeline.
type Config struct {
	// AuditOnFailure is block or buffer. Defaults to block.
	AuditOnFailure string
	// InvokeTimeout bounds one downstream call. Defaults to DefaultInvokeTimeout.
	InvokeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuditOnFailure == "" {
		c.AuditOnFailure = AuditOnFailureBlock
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = DefaultInvokeTimeout
	}
	return c
}

// InvokeRequest is one tool invocation as received from a host.
type InvokeRequest struct {
	SessionToken string
	ToolName     string
	Arguments    map[string]any
	SourceIP     string
}

// Pipeline wires the AAA stages together.
type Pipeline struct {
	authn      Authenticator
	authorizer Authorizer
	validator  *validation.Validator
	router     *upstream.Router
	spawner    Spawner
	sessions   storage.SessionStore
	limiter    *ratelimit.Limiter
	sink       audit.Sink
	config     Config

	now func() time.Time
}

// New returns a pipeline over the given stages.
func New(
	authn Authenticator,
	authorizer Authorizer,
	validator *validation.Validator,
	router *upstream.Router,
	spawner Spawner,
	sessions storage.SessionStore,
	limiter *ratelimit.Limiter,
	sink audit.Sink,
	config Config,
) *Pipeline {
	return &Pipeline{
		authn:      authn,
		authorizer: authorizer,
		validator:  validator,
		router:     router,
		spawner:    spawner,
		sessions:   sessions,
		limiter:    limiter,
		sink:       sink,
		config:     config.withDefaults(),
		now:        time.Now,
	}
}

// Invoke runs one tool call through the full pipeline.
func (p *Pipeline) Invoke(ctx context.Context, req *InvokeRequest) (*mcp.CallToolResult, error) {
	if req.ToolName == "" {
		return nil, errors.NewValidationError("tool_name is required", nil)
	}

	identity, err := p.authenticate(ctx, req.SessionToken, req.SourceIP)
	if err != nil {
		return nil, err
	}

	// Authorization. The decision event is always emitted, permit or deny.
	decision, err := p.authorizer.Authorize(ctx, identity, req.ToolName)
	if err != nil {
		return nil, p.failRequest(ctx, identity, req, err)
	}
	if aerr := p.emitDecision(ctx, identity, req, decision); aerr != nil {
		return nil, aerr
	}
	if !decision.Allowed {
		telemetry.AuthzDecisions.WithLabelValues(telemetry.OutcomeDenied).Inc()
		return nil, errors.NewForbiddenError("forbidden", nil)
	}
	telemetry.AuthzDecisions.WithLabelValues(telemetry.OutcomeSuccess).Inc()

	// Rate limits come from the effective profile.
	release, err := p.acquireRateLimit(ctx, identity)
	if err != nil {
		return nil, p.failRequest(ctx, identity, req, err)
	}
	defer release()

	// The tool may live in the user's pool, which is spawned lazily on the
	// first call after a suspension.
	descriptor, ok := p.router.Descriptor(identity.UserID, req.ToolName)
	if !ok {
		if err := p.spawner.Spawn(ctx, identity.UserID); err != nil {
			telemetry.PoolSpawns.WithLabelValues(telemetry.OutcomeFailure).Inc()
			return nil, p.failRequest(ctx, identity, req, err)
		}
		telemetry.PoolSpawns.WithLabelValues(telemetry.OutcomeSuccess).Inc()
		descriptor, ok = p.router.Descriptor(identity.UserID, req.ToolName)
	}
	if !ok {
		err := errors.NewNotFoundError(fmt.Sprintf("tool %q not found", req.ToolName), nil)
		return nil, p.failRequest(ctx, identity, req, err)
	}

	args, err := p.validateArguments(req.Arguments, descriptor)
	if err != nil {
		return nil, p.failRequest(ctx, identity, req, err)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, p.config.InvokeTimeout)
	defer cancel()

	start := p.now()
	result, err := p.router.Invoke(invokeCtx, identity.UserID, req.ToolName, args)
	duration := p.now().Sub(start)
	telemetry.ToolInvocationDuration.Observe(duration.Seconds())

	if err != nil {
		telemetry.ToolInvocations.WithLabelValues(telemetry.OutcomeFailure).Inc()
		event := p.newEvent(audit.EventTypeToolError, identity, req.SourceIP, audit.OutcomeFailure).
			WithTarget(map[string]string{audit.TargetKeyType: "tool", audit.TargetKeyName: req.ToolName}).
			WithExtra(audit.MetadataKeyReason, errors.TypeOf(err)).
			WithExtra(audit.MetadataKeyDuration, duration.Milliseconds())
		if aerr := p.emit(ctx, event); aerr != nil {
			return nil, aerr
		}
		return nil, err
	}

	telemetry.ToolInvocations.WithLabelValues(telemetry.OutcomeSuccess).Inc()
	event := p.newEvent(audit.EventTypeToolInvocation, identity, req.SourceIP, audit.OutcomeSuccess).
		WithTarget(map[string]string{audit.TargetKeyType: "tool", audit.TargetKeyName: req.ToolName}).
		WithExtra(audit.MetadataKeyDuration, duration.Milliseconds())
	if aerr := p.emit(ctx, event); aerr != nil {
		return nil, aerr
	}
	return result, nil
}

// ListTools returns the tools the caller is authorized to see.
func (p *Pipeline) ListTools(ctx context.Context, sessionToken, sourceIP string) ([]*upstream.ToolDescriptor, error) {
	identity, err := p.authenticate(ctx, sessionToken, sourceIP)
	if err != nil {
		return nil, err
	}

	// Per-user tools only appear once the pool is running.
	if err := p.spawner.Spawn(ctx, identity.UserID); err != nil {
		logger.Warnf("pool spawn during tool listing for user %s failed: %v", identity.UserID, err)
	}

	descriptors := p.router.Tools(identity.UserID)
	names := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		names = append(names, descriptor.Name)
	}
	permitted, err := p.authorizer.ListAuthorized(ctx, identity, names)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(permitted))
	for _, name := range permitted {
		allowed[name] = true
	}
	out := make([]*upstream.ToolDescriptor, 0, len(permitted))
	for _, descriptor := range descriptors {
		if allowed[descriptor.Name] {
			out = append(out, descriptor)
		}
	}
	return out, nil
}

// authenticate verifies the session token, audits the outcome and reactivates
// the session. All failures map to a generic unauthorized error.
func (p *Pipeline) authenticate(ctx context.Context, token, sourceIP string) (*auth.Identity, error) {
	identity, session, err := p.authn.AuthenticateSessionToken(ctx, token)
	if err != nil {
		telemetry.AuthAttempts.WithLabelValues(telemetry.OutcomeFailure).Inc()
		event := audit.NewEvent(
			audit.EventTypeAuthNFail,
			p.source(sourceIP),
			audit.OutcomeFailure,
			nil,
			component,
		)
		if reason, ok := errors.MetadataOf(err)["reason"]; ok {
			event.WithExtra(audit.MetadataKeyReason, reason)
		}
		if aerr := p.emit(ctx, event); aerr != nil {
			return nil, aerr
		}
		return nil, errors.NewUnauthorizedError("unauthorized", nil)
	}

	telemetry.AuthAttempts.WithLabelValues(telemetry.OutcomeSuccess).Inc()
	if aerr := p.emit(ctx, p.newEvent(audit.EventTypeAuthNSuccess, identity, sourceIP, audit.OutcomeSuccess)); aerr != nil {
		return nil, aerr
	}

	now := p.now()
	if session.Status != storage.SessionStatusActive {
		if err := p.sessions.UpdateStatus(ctx, session.ID, storage.SessionStatusActive, now); err != nil {
			logger.Warnf("failed to reactivate session %s: %v", session.ID, err)
		}
	}
	if err := p.sessions.TouchActivity(ctx, session.ID, now); err != nil {
		logger.Warnf("failed to touch session %s: %v", session.ID, err)
	}
	return identity, nil
}

// acquireRateLimit applies the effective profile's rate-limit triple.
func (p *Pipeline) acquireRateLimit(ctx context.Context, identity *auth.Identity) (func(), error) {
	var limits ratelimit.Limits
	if identity.ProfileID != "" {
		profile, err := p.authorizer.ResolveEffectiveProfile(ctx, identity.ProfileID)
		if err != nil {
			return nil, err
		}
		limits = ratelimit.Limits{
			PerMinute:     profile.RateLimitPerMinute,
			PerHour:       profile.RateLimitPerHour,
			MaxConcurrent: profile.MaxConcurrent,
		}
	}

	key := identity.ClientID
	if key == "" {
		key = identity.SessionID
	}
	return p.limiter.Acquire(key, limits)
}

// validateArguments checks the arguments against the tool's declared schema
// and returns the sanitized copy to route downstream.
func (p *Pipeline) validateArguments(args map[string]any, descriptor *upstream.ToolDescriptor) (map[string]any, error) {
	schema, err := json.Marshal(descriptor.InputSchema)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode tool schema", err)
	}
	result, err := p.validator.Validate(args, schema)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, errors.NewValidationError(result.Error, nil)
	}
	return result.SanitizedArgs, nil
}

// failRequest emits the terminal tool_error event for a mid-pipeline failure
// and returns the original error, unless the audit itself fails in block mode.
func (p *Pipeline) failRequest(ctx context.Context, identity *auth.Identity, req *InvokeRequest, cause error) error {
	event := p.newEvent(audit.EventTypeToolError, identity, req.SourceIP, audit.OutcomeFailure).
		WithTarget(map[string]string{audit.TargetKeyType: "tool", audit.TargetKeyName: req.ToolName}).
		WithExtra(audit.MetadataKeyReason, errors.TypeOf(cause))
	if aerr := p.emit(ctx, event); aerr != nil {
		return aerr
	}
	return cause
}

// emitDecision records the authorization outcome.
func (p *Pipeline) emitDecision(ctx context.Context, identity *auth.Identity, req *InvokeRequest, decision *authz.Decision) error {
	eventType := audit.EventTypeAuthZPermit
	outcome := audit.OutcomeSuccess
	if !decision.Allowed {
		eventType = audit.EventTypeAuthZDeny
		outcome = audit.OutcomeDenied
	}
	event := p.newEvent(eventType, identity, req.SourceIP, outcome).
		WithTarget(map[string]string{audit.TargetKeyType: "tool", audit.TargetKeyName: req.ToolName}).
		WithExtra(audit.MetadataKeyPolicyID, decision.PolicyID)
	if decision.Reason != "" {
		event.WithExtra(audit.MetadataKeyReason, decision.Reason)
	}
	return p.emit(ctx, event)
}

func (p *Pipeline) newEvent(eventType string, identity *auth.Identity, sourceIP, outcome string) *audit.Event {
	return audit.NewEvent(eventType, p.source(sourceIP), outcome, subjects(identity), component)
}

func (*Pipeline) source(sourceIP string) audit.EventSource {
	return audit.EventSource{Type: "network", Value: sourceIP}
}

func subjects(identity *auth.Identity) map[string]string {
	if identity == nil {
		return nil
	}
	out := make(map[string]string, 3)
	if identity.UserID != "" {
		out[audit.SubjectKeyUserID] = identity.UserID
	}
	if identity.ClientID != "" {
		out[audit.SubjectKeyClientID] = identity.ClientID
	}
	if identity.SessionID != "" {
		out[audit.SubjectKeySessionID] = identity.SessionID
	}
	return out
}

// emit writes one audit event under the configured failure mode.
func (p *Pipeline) emit(ctx context.Context, event *audit.Event) error {
	if err := p.sink.Emit(ctx, event); err != nil {
		if p.config.AuditOnFailure == AuditOnFailureBlock {
			return errors.NewServiceUnavailableError("audit trail unavailable", err)
		}
		telemetry.AuditDrops.Inc()
		logger.Warnf("audit emit failed, continuing in buffered mode: %v", err)
	}
	return nil
}
