package upstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

// ConnectionFactory builds a Connection for a catalog entry. The pool and
// shared manager use it so that tests can substitute in-process fakes for
// real downstream servers.
type ConnectionFactory func(entry *storage.CatalogEntry, credential string) (Connection, error)

// SharedManager owns the process-wide connections to catalog entries with
// shared isolation. Shared servers start once at boot and serve every user.
type SharedManager struct {
	catalogStore storage.CatalogStore
	factory      ConnectionFactory

	mu          sync.RWMutex
	connections map[string]Connection
	catalog     *Catalog
}

// NewSharedManager returns a SharedManager. A nil factory uses the real MCP
// connection factory.
func NewSharedManager(catalogStore storage.CatalogStore, factory ConnectionFactory) *SharedManager {
	if factory == nil {
		factory = NewConnection
	}
	return &SharedManager{
		catalogStore: catalogStore,
		factory:      factory,
		connections:  make(map[string]Connection),
		catalog:      NewCatalog(),
	}
}

// Start connects every published shared catalog entry and aggregates their
// tools. A shared server that fails to start is logged and skipped; shared
// availability must not block boot.
func (m *SharedManager) Start(ctx context.Context) error {
	entries, err := m.catalogStore.ListPublishedShared(ctx)
	if err != nil {
		return fmt.Errorf("failed to list shared catalog entries: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		conn, err := m.factory(entry, "")
		if err != nil {
			logger.Warnf("skipping shared server %s: %v", entry.Name, err)
			continue
		}
		if err := conn.Start(ctx); err != nil {
			logger.Warnf("shared server %s failed to start: %v", entry.Name, err)
			continue
		}
		m.connections[entry.Name] = conn
	}

	m.catalog = buildCatalog(ctx, m.connections)
	logger.Infow("shared tool servers started",
		"servers", len(m.connections), "tools", len(m.catalog.List()))
	return nil
}

// Catalog returns the aggregated shared tool catalog.
func (m *SharedManager) Catalog() *Catalog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.catalog
}

// Invoke routes a tool call to the owning shared connection.
func (m *SharedManager) Invoke(ctx context.Context, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	m.mu.RLock()
	owner, ok := m.catalog.Owner(toolName)
	conn := m.connections[owner]
	m.mu.RUnlock()

	if !ok || conn == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("tool %q not found", toolName), nil)
	}
	return conn.InvokeTool(ctx, toolName, args)
}

// HealthCheck pings every shared connection, logging the unhealthy ones.
func (m *SharedManager) HealthCheck(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, conn := range m.connections {
		if !conn.IsConnected() {
			logger.Warnf("shared server %s is disconnected", name)
			continue
		}
		if err := conn.HealthCheck(ctx); err != nil {
			logger.Warnf("shared server %s failed health check: %v", name, err)
		}
	}
}

// Shutdown stops all shared connections in parallel.
func (m *SharedManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	connections := m.connections
	m.connections = make(map[string]Connection)
	m.catalog = NewCatalog()
	m.mu.Unlock()

	var group errgroup.Group
	for name, conn := range connections {
		group.Go(func() error {
			if err := conn.Stop(ctx); err != nil {
				logger.Warnf("failed to stop shared server %s: %v", name, err)
				return err
			}
			return nil
		})
	}
	return group.Wait()
}
