// Package killswitch tracks operator-set kill switches. Switches are keyed by
// type and target (for example "tool_server:github" or "user:alice") and are
// advisory: they surface in status output and audit queries rather than
// gating the invocation path.
package killswitch

import (
	"sort"
	"sync"
	"time"
)

// Switch types.
const (
	TypeToolServer = "tool_server"
	TypeUser       = "user"
	TypeGlobal     = "global"
)

// Entry is one active switch.
type Entry struct {
	Type      string    `json:"type"`
	Target    string    `json:"target"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry holds the active switches. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	switches map[string]Entry

	now func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		switches: make(map[string]Entry),
		now:      time.Now,
	}
}

func key(switchType, target string) string {
	return switchType + ":" + target
}

// Set activates or clears a switch. Setting an already-active switch updates
// its reason but keeps the original activation time.
func (r *Registry) Set(switchType, target string, active bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(switchType, target)
	if !active {
		delete(r.switches, k)
		return
	}
	entry, ok := r.switches[k]
	if !ok {
		entry = Entry{Type: switchType, Target: target, CreatedAt: r.now()}
	}
	entry.Reason = reason
	r.switches[k] = entry
}

// Toggle flips a switch and reports the new state.
func (r *Registry) Toggle(switchType, target, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(switchType, target)
	if _, ok := r.switches[k]; ok {
		delete(r.switches, k)
		return false
	}
	r.switches[k] = Entry{Type: switchType, Target: target, Reason: reason, CreatedAt: r.now()}
	return true
}

// IsActive reports whether a switch is set for the given type and target.
func (r *Registry) IsActive(switchType, target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.switches[key(switchType, target)]
	return ok
}

// Snapshot returns the active switches sorted by type then target.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.switches))
	for _, entry := range r.switches {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Target < out[j].Target
	})
	return out
}
