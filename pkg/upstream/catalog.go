package upstream

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

const maxDescriptionLength = 500

// validToolName bounds tool names to a safe charset and length before they
// enter the aggregated catalog.
var validToolName = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

// ToolDescriptor is one entry in an aggregated catalog.
type ToolDescriptor struct {
	// Name is the tool's name as declared by the downstream server.
	Name string `json:"name"`
	// Description is truncated to 500 characters.
	Description string `json:"description"`
	// InputSchema is the tool's declared argument schema.
	InputSchema mcp.ToolInputSchema `json:"input_schema"`
	// ServerName is the catalog entry the tool came from.
	ServerName string `json:"server_name"`
}

// Catalog is an aggregated, de-duplicated tool catalog mapping tool names to
// descriptors and owning servers. Safe for concurrent reads after Build.
type Catalog struct {
	mu       sync.RWMutex
	tools    map[string]*ToolDescriptor
	rejected []string
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tools: make(map[string]*ToolDescriptor)}
}

// AddServer merges one server's tools into the catalog. Invalid names are
// filtered, descriptions truncated, and name conflicts resolved by
// first-write-wins with the rejection recorded.
func (c *Catalog) AddServer(serverName string, tools []mcp.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tool := range tools {
		if !validToolName.MatchString(tool.Name) {
			logger.Warnf("filtered invalid tool name %q from %s", tool.Name, serverName)
			c.rejected = append(c.rejected, tool.Name)
			continue
		}
		if existing, ok := c.tools[tool.Name]; ok {
			logger.Warnf("tool %q from %s conflicts with %s, keeping first",
				tool.Name, serverName, existing.ServerName)
			c.rejected = append(c.rejected, tool.Name)
			continue
		}

		description := tool.Description
		if len(description) > maxDescriptionLength {
			description = description[:maxDescriptionLength]
		}
		c.tools[tool.Name] = &ToolDescriptor{
			Name:        tool.Name,
			Description: description,
			InputSchema: tool.InputSchema,
			ServerName:  serverName,
		}
	}
}

// Get returns the descriptor for a tool name.
func (c *Catalog) Get(name string) (*ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	descriptor, ok := c.tools[name]
	return descriptor, ok
}

// Owner returns the server that owns a tool name.
func (c *Catalog) Owner(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	descriptor, ok := c.tools[name]
	if !ok {
		return "", false
	}
	return descriptor.ServerName, true
}

// List returns all descriptors sorted by name.
func (c *Catalog) List() []*ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*ToolDescriptor, 0, len(c.tools))
	for _, descriptor := range c.tools {
		out = append(out, descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Rejected returns the names filtered or displaced during aggregation.
func (c *Catalog) Rejected() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.rejected...)
}

// buildCatalog lists tools on every connection and aggregates them. Listing
// failures skip the server rather than failing the whole set; the error is
// recorded on the connection.
func buildCatalog(ctx context.Context, connections map[string]Connection) *Catalog {
	catalog := NewCatalog()
	names := make([]string, 0, len(connections))
	for name := range connections {
		names = append(names, name)
	}
	// Deterministic order so first-write-wins is stable across restarts.
	sort.Strings(names)

	for _, name := range names {
		tools, err := connections[name].GetTools(ctx)
		if err != nil {
			logger.Warnf("failed to list tools on %s: %v", name, err)
			continue
		}
		catalog.AddServer(name, tools)
	}
	return catalog
}
