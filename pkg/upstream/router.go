package upstream

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
)

// Router composes the shared and per-user catalogs. Shared tools take
// precedence on name conflict, both in listing and in dispatch.
type Router struct {
	shared *SharedManager
	pool   *Pool
}

// NewRouter returns a Router over the shared manager and the per-user pool.
func NewRouter(shared *SharedManager, pool *Pool) *Router {
	return &Router{shared: shared, pool: pool}
}

// Tools returns the merged catalog visible to the user, shared tools first
// on conflict.
func (r *Router) Tools(userID string) []*ToolDescriptor {
	shared := r.shared.Catalog().List()
	seen := make(map[string]bool, len(shared))
	out := make([]*ToolDescriptor, 0, len(shared))
	for _, descriptor := range shared {
		out = append(out, descriptor)
		seen[descriptor.Name] = true
	}
	if catalog := r.pool.Catalog(userID); catalog != nil {
		for _, descriptor := range catalog.List() {
			if !seen[descriptor.Name] {
				out = append(out, descriptor)
			}
		}
	}
	return out
}

// Descriptor looks up one tool with shared precedence.
func (r *Router) Descriptor(userID, toolName string) (*ToolDescriptor, bool) {
	if descriptor, ok := r.shared.Catalog().Get(toolName); ok {
		return descriptor, true
	}
	return r.pool.Descriptor(userID, toolName)
}

// Invoke dispatches a tool call, preferring the shared catalog's owner.
func (r *Router) Invoke(ctx context.Context, userID, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	if _, ok := r.shared.Catalog().Owner(toolName); ok {
		return r.shared.Invoke(ctx, toolName, args)
	}
	if catalog := r.pool.Catalog(userID); catalog != nil {
		if _, ok := catalog.Owner(toolName); ok {
			return r.pool.Invoke(ctx, userID, toolName, args)
		}
	}
	return nil, errors.NewNotFoundError(fmt.Sprintf("tool %q not found", toolName), nil)
}
