package providers

import (
	"context"

	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/auth"
	"github.com/mcp-ambassador/ambassador/pkg/authz"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

// Builtin provider ids. The default allow-list is exactly this set.
const (
	BuiltinAuthNID = "preshared-key"
	BuiltinAuthZID = "local-rbac"
	BuiltinAuditID = "file-audit"
)

// DefaultAllowList returns the allow-list covering the builtin providers.
func DefaultAllowList() []string {
	return []string{BuiltinAuthNID, BuiltinAuthZID, BuiltinAuditID}
}

// PresharedKeyAuthN adapts the preshared-key authenticator to the provider
// contract.
type PresharedKeyAuthN struct {
	authn *auth.Authenticator
	store storage.Store
}

// NewPresharedKeyAuthN wraps an authenticator as an AuthN provider.
func NewPresharedKeyAuthN(authn *auth.Authenticator, store storage.Store) *PresharedKeyAuthN {
	return &PresharedKeyAuthN{authn: authn, store: store}
}

// ID implements Provider.
func (*PresharedKeyAuthN) ID() string { return BuiltinAuthNID }

// Initialize implements Provider. The authenticator needs no configuration.
func (*PresharedKeyAuthN) Initialize(context.Context, map[string]any) error { return nil }

// HealthCheck probes the client table the authenticator reads from.
func (p *PresharedKeyAuthN) HealthCheck(ctx context.Context) error {
	_, err := p.store.Groups().GetByName(ctx, storage.AllUsersGroup)
	return err
}

// Shutdown implements Provider.
func (*PresharedKeyAuthN) Shutdown(context.Context) error { return nil }

// AuthenticateKey implements AuthNProvider.
func (p *PresharedKeyAuthN) AuthenticateKey(ctx context.Context, key string) (*auth.Identity, error) {
	return p.authn.AuthenticateKey(ctx, key)
}

// LocalRBACAuthZ adapts the local RBAC authorizer to the provider contract.
type LocalRBACAuthZ struct {
	authorizer *authz.Authorizer
}

// NewLocalRBACAuthZ wraps an authorizer as an AuthZ provider.
func NewLocalRBACAuthZ(authorizer *authz.Authorizer) *LocalRBACAuthZ {
	return &LocalRBACAuthZ{authorizer: authorizer}
}

// ID implements Provider.
func (*LocalRBACAuthZ) ID() string { return BuiltinAuthZID }

// Initialize implements Provider.
func (*LocalRBACAuthZ) Initialize(context.Context, map[string]any) error { return nil }

// HealthCheck implements Provider. The authorizer has no external state
// beyond the store probed by the AuthN provider.
func (*LocalRBACAuthZ) HealthCheck(context.Context) error { return nil }

// Shutdown implements Provider.
func (*LocalRBACAuthZ) Shutdown(context.Context) error { return nil }

// Authorize implements AuthZProvider.
func (a *LocalRBACAuthZ) Authorize(ctx context.Context, identity *auth.Identity, toolName string) (*authz.Decision, error) {
	return a.authorizer.Authorize(ctx, identity, toolName)
}

// ListAuthorized implements AuthZProvider.
func (a *LocalRBACAuthZ) ListAuthorized(ctx context.Context, identity *auth.Identity, toolNames []string) ([]string, error) {
	return a.authorizer.ListAuthorized(ctx, identity, toolNames)
}

// FileAudit adapts an audit sink to the provider contract. Shutdown closes
// the sink; nothing may emit to it afterwards.
type FileAudit struct {
	sink audit.Sink
}

// NewFileAudit wraps a sink as an Audit provider.
func NewFileAudit(sink audit.Sink) *FileAudit {
	return &FileAudit{sink: sink}
}

// ID implements Provider.
func (*FileAudit) ID() string { return BuiltinAuditID }

// Initialize implements Provider.
func (*FileAudit) Initialize(context.Context, map[string]any) error { return nil }

// HealthCheck verifies the sink accepts a flush.
func (f *FileAudit) HealthCheck(ctx context.Context) error {
	return f.sink.Flush(ctx)
}

// Shutdown flushes and closes the sink.
func (f *FileAudit) Shutdown(ctx context.Context) error {
	if err := f.sink.Flush(ctx); err != nil {
		return err
	}
	return f.sink.Close()
}

// Sink implements AuditProvider.
func (f *FileAudit) Sink() audit.Sink { return f.sink }
