// Package upstream manages connections to downstream MCP tool servers: one
// shared set for process-wide servers and one instance set per user for
// isolated servers. It aggregates tool catalogs and routes invocations to
// the owning connection.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

// Connection is one live link to a downstream tool server.
type Connection interface {
	// Start establishes the connection and completes the MCP handshake.
	Start(ctx context.Context) error
	// Stop tears the connection down. Idempotent.
	Stop(ctx context.Context) error
	// IsConnected reports whether the connection is usable.
	IsConnected() bool
	// HealthCheck pings the downstream server.
	HealthCheck(ctx context.Context) error
	// GetTools lists the server's declared tools.
	GetTools(ctx context.Context) ([]mcp.Tool, error)
	// InvokeTool forwards one tool call.
	InvokeTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	// Errors exposes the connection's error history for operator
	// introspection.
	Errors() *ErrorHistory
	// OnDisconnect registers a callback fired when the connection drops.
	OnDisconnect(fn func(err error))
	// OnError registers a callback fired on every recorded error.
	OnError(fn func(err error))
}

// errorRingSize bounds the retained error history per connection.
const errorRingSize = 20

// ErrorHistory is a bounded ring of a connection's recent errors plus
// counters, safe for concurrent use.
type ErrorHistory struct {
	mu      sync.Mutex
	ring    [errorRingSize]string
	next    int
	filled  bool
	last    error
	count   int
	lastAt  time.Time
}

// Record appends an error to the history.
func (h *ErrorHistory) Record(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = err.Error()
	h.next = (h.next + 1) % errorRingSize
	if h.next == 0 {
		h.filled = true
	}
	h.last = err
	h.count++
	h.lastAt = time.Now()
}

// RecordLine appends a raw stderr line to the history without touching the
// last-error slot.
func (h *ErrorHistory) RecordLine(line string) {
	if line == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = line
	h.next = (h.next + 1) % errorRingSize
	if h.next == 0 {
		h.filled = true
	}
}

// Last returns the most recent error, or nil.
func (h *ErrorHistory) Last() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Count returns the total number of errors recorded.
func (h *ErrorHistory) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Recent returns the retained history, oldest first.
func (h *ErrorHistory) Recent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []string
	if h.filled {
		for i := 0; i < errorRingSize; i++ {
			if line := h.ring[(h.next+i)%errorRingSize]; line != "" {
				out = append(out, line)
			}
		}
		return out
	}
	for i := 0; i < h.next; i++ {
		out = append(out, h.ring[i])
	}
	return out
}

// EntryConfig is the decoded config blob of a catalog entry. Stdio entries
// use Command/Args/Env; http and sse entries use URL/Headers.
type EntryConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// CredentialEnv names the environment variable that receives the user's
	// decrypted credential on stdio transports.
	CredentialEnv string `json:"credential_env,omitempty"`
	// CredentialHeader names the HTTP header that receives the credential on
	// http and sse transports.
	CredentialHeader string `json:"credential_header,omitempty"`
}

// DecodeEntryConfig parses a catalog entry's config blob and checks the
// fields its transport requires.
func DecodeEntryConfig(entry *storage.CatalogEntry) (*EntryConfig, error) {
	var cfg EntryConfig
	if len(entry.Config) > 0 {
		if err := json.Unmarshal(entry.Config, &cfg); err != nil {
			return nil, errors.NewValidationError(
				fmt.Sprintf("invalid config for catalog entry %s", entry.Name), err)
		}
	}

	switch entry.Transport {
	case storage.TransportStdio:
		if cfg.Command == "" {
			return nil, errors.NewValidationError(
				fmt.Sprintf("catalog entry %s has no command", entry.Name), nil)
		}
	case storage.TransportHTTP, storage.TransportSSE:
		if cfg.URL == "" {
			return nil, errors.NewValidationError(
				fmt.Sprintf("catalog entry %s has no url", entry.Name), nil)
		}
	default:
		return nil, errors.NewValidationError(
			fmt.Sprintf("catalog entry %s has unknown transport %q", entry.Name, entry.Transport), nil)
	}
	return &cfg, nil
}
