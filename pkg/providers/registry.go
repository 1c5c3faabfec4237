// Package providers manages the pluggable AAA providers. Loading is gated by
// an allow-list of provider ids; after interface validation the provider is
// initialized and health-checked before it becomes visible to lookups.
package providers

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/auth"
	"github.com/mcp-ambassador/ambassador/pkg/authz"
	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

// Kind identifies a provider slot in the AAA pipeline.
type Kind string

const (
	// KindAuthN authenticates presented credentials.
	KindAuthN Kind = "authn"
	// KindAuthZ decides permit or deny for a tool call.
	KindAuthZ Kind = "authz"
	// KindAudit records pipeline events durably.
	KindAudit Kind = "audit"
)

// Provider is the lifecycle contract every provider implements, in addition
// to its kind-specific method set.
type Provider interface {
	// ID returns the provider's stable, allow-listed identifier.
	ID() string
	// Initialize prepares the provider with its configuration.
	Initialize(ctx context.Context, config map[string]any) error
	// HealthCheck reports whether the provider is able to serve.
	HealthCheck(ctx context.Context) error
	// Shutdown releases the provider's resources.
	Shutdown(ctx context.Context) error
}

// AuthNProvider authenticates a presented credential into an identity.
type AuthNProvider interface {
	Provider
	AuthenticateKey(ctx context.Context, key string) (*auth.Identity, error)
}

// AuthZProvider makes authorization decisions for tool calls.
type AuthZProvider interface {
	Provider
	Authorize(ctx context.Context, identity *auth.Identity, toolName string) (*authz.Decision, error)
	ListAuthorized(ctx context.Context, identity *auth.Identity, toolNames []string) ([]string, error)
}

// AuditProvider records pipeline events.
type AuditProvider interface {
	Provider
	Sink() audit.Sink
}

// Registry holds registered providers keyed by kind and id.
type Registry struct {
	mu        sync.RWMutex
	allowed   map[string]bool
	providers map[Kind]map[string]Provider
}

// NewRegistry returns a Registry that accepts only the listed provider ids.
func NewRegistry(allowList []string) *Registry {
	allowed := make(map[string]bool, len(allowList))
	for _, id := range allowList {
		allowed[id] = true
	}
	return &Registry{
		allowed:   allowed,
		providers: make(map[Kind]map[string]Provider),
	}
}

// Register validates, initializes and health-checks the provider, then makes
// it visible to lookups. A provider whose id is not on the allow-list is
// rejected before any of its code runs.
func (r *Registry) Register(ctx context.Context, kind Kind, provider Provider, config map[string]any) error {
	id := provider.ID()
	if id == "" {
		return errors.NewProviderInvalidError("provider has no id", nil)
	}
	if !r.allowed[id] {
		return errors.NewProviderNotAllowedError(
			fmt.Sprintf("provider %q is not on the allow-list", id), nil)
	}
	if err := ValidateInterface(kind, provider); err != nil {
		return err
	}

	if err := provider.Initialize(ctx, config); err != nil {
		return errors.NewProviderInvalidError(
			fmt.Sprintf("provider %q failed to initialize", id), err)
	}
	if err := provider.HealthCheck(ctx); err != nil {
		return errors.NewProviderUnhealthyError(
			fmt.Sprintf("provider %q failed its health check", id), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.providers[kind] == nil {
		r.providers[kind] = make(map[string]Provider)
	}
	if _, exists := r.providers[kind][id]; exists {
		return errors.NewConflictError(
			fmt.Sprintf("provider %q is already registered for kind %s", id, kind), nil)
	}
	r.providers[kind][id] = provider
	logger.Infow("registered provider", "kind", string(kind), "id", id)
	return nil
}

// ValidateInterface enforces the kind-specific method set.
func ValidateInterface(kind Kind, provider Provider) error {
	var ok bool
	switch kind {
	case KindAuthN:
		_, ok = provider.(AuthNProvider)
	case KindAuthZ:
		_, ok = provider.(AuthZProvider)
	case KindAudit:
		_, ok = provider.(AuditProvider)
	default:
		return errors.NewProviderInvalidError(fmt.Sprintf("unknown provider kind %q", kind), nil)
	}
	if !ok {
		return errors.NewProviderInvalidError(
			fmt.Sprintf("provider %q does not implement the %s interface", provider.ID(), kind), nil)
	}
	return nil
}

// Lookup returns the provider registered under kind and id.
func (r *Registry) Lookup(kind Kind, id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[kind][id]
	if !ok {
		return nil, errors.NewNotFoundError(
			fmt.Sprintf("no %s provider registered as %q", kind, id), nil)
	}
	return provider, nil
}

// Shutdown stops every registered provider in parallel and returns the first
// error encountered. All providers are attempted regardless of failures.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	var all []Provider
	for _, byID := range r.providers {
		for _, provider := range byID {
			all = append(all, provider)
		}
	}
	r.providers = make(map[Kind]map[string]Provider)
	r.mu.Unlock()

	// Plain errgroup, not WithContext: one provider failing must not cancel
	// the shutdown of the others.
	var group errgroup.Group
	for _, provider := range all {
		group.Go(func() error {
			if err := provider.Shutdown(ctx); err != nil {
				logger.Warnf("provider %s shutdown failed: %v", provider.ID(), err)
				return err
			}
			return nil
		})
	}
	return group.Wait()
}
