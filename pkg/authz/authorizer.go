// Package authz implements local RBAC over tool profiles. A client is bound
// to one profile; profiles inherit allow and deny glob patterns from an
// optional parent chain. Deny patterns always win at evaluation time.
package authz

import (
	"context"
	"fmt"

	"github.com/mcp-ambassador/ambassador/pkg/auth"
	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/glob"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

// MaxInheritanceDepth caps the profile parent chain. Deeper chains fail
// resolution rather than silently truncating.
const MaxInheritanceDepth = 5

// PolicySystemLifecycle is the policy id reported on denials caused by the
// client's or user's lifecycle state rather than by a profile pattern.
const PolicySystemLifecycle = "system_lifecycle"

// Decision is the result of one authorization check.
type Decision struct {
	// Allowed reports whether the tool call is permitted.
	Allowed bool
	// PolicyID names the profile (or system policy) that decided.
	PolicyID string
	// Pattern is the glob that matched, when one did.
	Pattern string
	// Reason is a human-readable explanation for audit records.
	Reason string
}

// EffectiveProfile is a profile with its inheritance chain flattened.
// Patterns are ordered own-first, then ancestors, preserving each profile's
// declaration order. Rate limits come from the nearest profile that sets
// them.
type EffectiveProfile struct {
	ID                 string
	Name               string
	AllowPatterns      []string
	DenyPatterns       []string
	RateLimitPerMinute int
	RateLimitPerHour   int
	MaxConcurrent      int
}

// Authorizer makes deny-wins RBAC decisions against the profile store.
type Authorizer struct {
	clients  storage.ClientStore
	profiles storage.ProfileStore
}

// NewAuthorizer returns an Authorizer backed by the given stores.
func NewAuthorizer(clients storage.ClientStore, profiles storage.ProfileStore) *Authorizer {
	return &Authorizer{clients: clients, profiles: profiles}
}

// ResolveEffectiveProfile walks the inheritance chain starting at profileID
// and merges patterns by concatenation. Cycles and chains deeper than
// MaxInheritanceDepth are errors.
func (a *Authorizer) ResolveEffectiveProfile(ctx context.Context, profileID string) (*EffectiveProfile, error) {
	if profileID == "" {
		return nil, errors.NewInternalError("cannot resolve empty profile id", nil)
	}

	visited := make(map[string]bool, MaxInheritanceDepth)
	var effective *EffectiveProfile

	id := profileID
	for depth := 0; id != ""; depth++ {
		if depth >= MaxInheritanceDepth {
			return nil, errors.NewInternalError(
				fmt.Sprintf("profile inheritance chain exceeds depth %d starting at %s", MaxInheritanceDepth, profileID), nil)
		}
		if visited[id] {
			return nil, errors.NewInternalError(
				fmt.Sprintf("profile inheritance cycle detected at %s", id), nil)
		}
		visited[id] = true

		profile, err := a.profiles.GetByID(ctx, id)
		if err != nil {
			return nil, errors.NewInternalError(fmt.Sprintf("failed to load profile %s", id), err)
		}

		if effective == nil {
			effective = &EffectiveProfile{ID: profile.ID, Name: profile.Name}
		}
		effective.AllowPatterns = append(effective.AllowPatterns, profile.AllowPatterns...)
		effective.DenyPatterns = append(effective.DenyPatterns, profile.DenyPatterns...)
		if effective.RateLimitPerMinute == 0 {
			effective.RateLimitPerMinute = profile.RateLimitPerMinute
		}
		if effective.RateLimitPerHour == 0 {
			effective.RateLimitPerHour = profile.RateLimitPerHour
		}
		if effective.MaxConcurrent == 0 {
			effective.MaxConcurrent = profile.MaxConcurrent
		}

		if profile.ParentID == nil {
			break
		}
		id = *profile.ParentID
	}

	return effective, nil
}

// Authorize decides whether identity may invoke toolName. The client's
// lifecycle state is checked first; a suspended or revoked client denies with
// the system lifecycle policy regardless of profile patterns.
func (a *Authorizer) Authorize(ctx context.Context, identity *auth.Identity, toolName string) (*Decision, error) {
	if identity.ClientID != "" {
		client, err := a.clients.GetByID(ctx, identity.ClientID)
		if err != nil {
			return nil, errors.NewInternalError("failed to load client", err)
		}
		if client.Status != storage.ClientStatusActive {
			return &Decision{
				PolicyID: PolicySystemLifecycle,
				Reason:   "client is " + client.Status,
			}, nil
		}
	}

	if identity.ProfileID == "" {
		return &Decision{
			PolicyID: PolicySystemLifecycle,
			Reason:   "no profile assigned",
		}, nil
	}

	profile, err := a.ResolveEffectiveProfile(ctx, identity.ProfileID)
	if err != nil {
		return nil, err
	}
	return evaluate(profile, toolName), nil
}

// ListAuthorized returns the subset of toolNames identity may invoke,
// preserving input order. A lifecycle denial yields an empty set.
func (a *Authorizer) ListAuthorized(ctx context.Context, identity *auth.Identity, toolNames []string) ([]string, error) {
	if identity.ClientID != "" {
		client, err := a.clients.GetByID(ctx, identity.ClientID)
		if err != nil {
			return nil, errors.NewInternalError("failed to load client", err)
		}
		if client.Status != storage.ClientStatusActive {
			return nil, nil
		}
	}

	if identity.ProfileID == "" {
		return nil, nil
	}

	profile, err := a.ResolveEffectiveProfile(ctx, identity.ProfileID)
	if err != nil {
		return nil, err
	}

	var permitted []string
	for _, name := range toolNames {
		if evaluate(profile, name).Allowed {
			permitted = append(permitted, name)
		}
	}
	return permitted, nil
}

// evaluate applies deny patterns first, then allow patterns, defaulting to
// deny when nothing matches.
func evaluate(profile *EffectiveProfile, toolName string) *Decision {
	for _, pattern := range profile.DenyPatterns {
		if glob.Match(pattern, toolName) {
			return &Decision{
				PolicyID: profile.ID,
				Pattern:  pattern,
				Reason:   fmt.Sprintf("denied by pattern %q", pattern),
			}
		}
	}
	for _, pattern := range profile.AllowPatterns {
		if glob.Match(pattern, toolName) {
			return &Decision{
				Allowed:  true,
				PolicyID: profile.ID,
				Pattern:  pattern,
				Reason:   fmt.Sprintf("allowed by pattern %q", pattern),
			}
		}
	}
	return &Decision{
		PolicyID: profile.ID,
		Reason:   "no pattern matched",
	}
}
