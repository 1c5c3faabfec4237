package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

const (
	// DefaultMaxPerUser caps the number of downstream servers per user.
	DefaultMaxPerUser = 10
	// DefaultMaxTotal caps the number of per-user downstream servers across
	// all users.
	DefaultMaxTotal = 100
	// DefaultHealthInterval is the period of the pool's health loop.
	DefaultHealthInterval = 60 * time.Second

	// spawnWaitTimeout bounds how long a caller waits for another caller's
	// in-flight spawn of the same user.
	spawnWaitTimeout = 30 * time.Second
)

// CredentialResolver yields the decrypted credential for a (user, catalog
// entry) pair, or an empty string when none is stored.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string, entry *storage.CatalogEntry) (string, error)
}

// PoolConfig carries the pool's resource limits.
type PoolConfig struct {
	MaxPerUser     int
	MaxTotal       int
	HealthInterval time.Duration
}

func (c *PoolConfig) withDefaults() PoolConfig {
	out := PoolConfig{
		MaxPerUser:     DefaultMaxPerUser,
		MaxTotal:       DefaultMaxTotal,
		HealthInterval: DefaultHealthInterval,
	}
	if c == nil {
		return out
	}
	if c.MaxPerUser > 0 {
		out.MaxPerUser = c.MaxPerUser
	}
	if c.MaxTotal > 0 {
		out.MaxTotal = c.MaxTotal
	}
	if c.HealthInterval > 0 {
		out.HealthInterval = c.HealthInterval
	}
	return out
}

// instanceSet is one user's live downstream servers plus their aggregated
// catalog.
type instanceSet struct {
	connections map[string]Connection
	catalog     *Catalog
	spawnedAt   time.Time
}

// PoolStatus is an operator snapshot of the pool.
type PoolStatus struct {
	Users            int `json:"users"`
	TotalConnections int `json:"total_connections"`
	MaxPerUser       int `json:"max_per_user"`
	MaxTotal         int `json:"max_total"`
}

// Pool is the multi-tenant orchestrator for per-user downstream tool
// servers. One instance set exists per user with active sessions; the
// session lifecycle manager drives Spawn and Terminate.
type Pool struct {
	catalogStore storage.CatalogStore
	credentials  CredentialResolver
	factory      ConnectionFactory
	config       PoolConfig

	mu        sync.RWMutex
	instances map[string]*instanceSet
	// inFlight marks users with a spawn in progress; the channel closes when
	// the spawn finishes.
	inFlight map[string]chan struct{}

	// spawnMu serializes the limit check, slot reservation and process start
	// so concurrent spawns cannot overshoot the caps.
	spawnMu sync.Mutex

	stopHealth chan struct{}
	healthOnce sync.Once
}

// NewPool builds a Pool. A nil factory uses the real MCP connection factory.
func NewPool(catalogStore storage.CatalogStore, credentials CredentialResolver, factory ConnectionFactory, config *PoolConfig) *Pool {
	if factory == nil {
		factory = NewConnection
	}
	return &Pool{
		catalogStore: catalogStore,
		credentials:  credentials,
		factory:      factory,
		config:       config.withDefaults(),
		instances:    make(map[string]*instanceSet),
		inFlight:     make(map[string]chan struct{}),
		stopHealth:   make(chan struct{}),
	}
}

// Spawn ensures the user's instance set is ready. Idempotent: a user with a
// live set returns immediately, and concurrent callers for the same user
// wait for the first caller's spawn instead of starting their own.
func (p *Pool) Spawn(ctx context.Context, userID string) error {
	for {
		p.mu.Lock()
		if _, ok := p.instances[userID]; ok {
			p.mu.Unlock()
			return nil
		}
		wait, inFlight := p.inFlight[userID]
		if !inFlight {
			wait = make(chan struct{})
			p.inFlight[userID] = wait
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()

		select {
		case <-wait:
			// The other spawn finished; loop to check its outcome.
		case <-time.After(spawnWaitTimeout):
			return errors.NewTimeoutError(
				fmt.Sprintf("timed out waiting for in-flight spawn for user %s", userID), nil)
		case <-ctx.Done():
			return errors.NewTimeoutError("spawn canceled", ctx.Err())
		}
	}

	err := p.spawn(ctx, userID)

	p.mu.Lock()
	close(p.inFlight[userID])
	delete(p.inFlight, userID)
	p.mu.Unlock()
	return err
}

// spawn runs the spawn critical section for one user. The caller holds the
// user's in-flight marker.
func (p *Pool) spawn(ctx context.Context, userID string) error {
	entries, err := p.catalogStore.ListPublishedForUser(ctx, userID)
	if err != nil {
		return errors.NewInternalError("failed to list catalog entries", err)
	}
	var perUser []*storage.CatalogEntry
	for _, entry := range entries {
		if entry.Isolation == storage.IsolationPerUser {
			perUser = append(perUser, entry)
		}
	}
	if len(perUser) == 0 {
		p.mu.Lock()
		p.instances[userID] = &instanceSet{
			connections: make(map[string]Connection),
			catalog:     NewCatalog(),
			spawnedAt:   time.Now(),
		}
		p.mu.Unlock()
		return nil
	}

	// Limit check, reservation and process start happen under one mutex;
	// without it concurrent spawns could pass the check together and
	// overshoot the caps.
	p.spawnMu.Lock()
	defer p.spawnMu.Unlock()

	if err := p.checkLimits(userID, len(perUser)); err != nil {
		return err
	}

	connections := make(map[string]Connection, len(perUser))
	for _, entry := range perUser {
		credential, err := p.resolveCredential(ctx, userID, entry)
		if err != nil {
			p.stopAll(ctx, connections)
			return err
		}

		conn, err := p.factory(entry, credential)
		if err != nil {
			p.stopAll(ctx, connections)
			return err
		}
		if err := conn.Start(ctx); err != nil {
			// All-or-nothing: one failed start fails the whole set.
			p.stopAll(ctx, connections)
			return errors.NewServiceUnavailableError(
				fmt.Sprintf("failed to start %s for user %s", entry.Name, userID), err)
		}
		connections[entry.Name] = conn
	}

	set := &instanceSet{
		connections: connections,
		catalog:     buildCatalog(ctx, connections),
		spawnedAt:   time.Now(),
	}

	p.mu.Lock()
	p.instances[userID] = set
	p.mu.Unlock()

	logger.Infow("spawned per-user tool servers",
		"user_id", userID, "servers", len(connections), "tools", len(set.catalog.List()))
	return nil
}

// checkLimits enforces the per-user and global caps.
func (p *Pool) checkLimits(userID string, requested int) error {
	p.mu.RLock()
	total := 0
	for _, set := range p.instances {
		total += len(set.connections)
	}
	current := 0
	if set, ok := p.instances[userID]; ok {
		current = len(set.connections)
	}
	p.mu.RUnlock()

	if current+requested > p.config.MaxPerUser {
		return errors.NewResourceLimitExceededError(
			fmt.Sprintf("user %s would exceed the per-user server limit", userID), nil).
			WithMetadata(map[string]any{
				"current":              current,
				"requested_additional": requested,
				"max_allowed":          p.config.MaxPerUser,
			})
	}
	if total+requested > p.config.MaxTotal {
		return errors.NewResourceLimitExceededError(
			"global server limit would be exceeded", nil).
			WithMetadata(map[string]any{
				"current":              total,
				"requested_additional": requested,
				"max_allowed":          p.config.MaxTotal,
			})
	}
	return nil
}

func (p *Pool) resolveCredential(ctx context.Context, userID string, entry *storage.CatalogEntry) (string, error) {
	if !entry.RequiresUserCredentials || p.credentials == nil {
		return "", nil
	}
	credential, err := p.credentials.Resolve(ctx, userID, entry)
	if err != nil {
		return "", errors.NewInternalError(
			fmt.Sprintf("failed to resolve credential for %s", entry.Name), err)
	}
	return credential, nil
}

func (p *Pool) stopAll(ctx context.Context, connections map[string]Connection) {
	for name, conn := range connections {
		if err := conn.Stop(ctx); err != nil {
			logger.Warnf("best-effort stop of %s failed: %v", name, err)
		}
	}
}

// Terminate tears down the user's instance set. Idempotent across
// concurrent callers: only the caller that removes the set stops its
// connections.
func (p *Pool) Terminate(ctx context.Context, userID string) error {
	p.mu.Lock()
	set, ok := p.instances[userID]
	if ok {
		delete(p.instances, userID)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	var group errgroup.Group
	for name, conn := range set.connections {
		group.Go(func() error {
			if err := conn.Stop(ctx); err != nil {
				logger.Warnf("failed to stop %s for user %s: %v", name, userID, err)
				return err
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	logger.Infow("terminated per-user tool servers", "user_id", userID, "servers", len(set.connections))
	return nil
}

// Invoke routes a tool call to the owning connection in the user's set.
func (p *Pool) Invoke(ctx context.Context, userID, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	p.mu.RLock()
	set, ok := p.instances[userID]
	p.mu.RUnlock()
	if !ok {
		return nil, errors.NewServiceUnavailableError(
			fmt.Sprintf("no active tool servers for user %s", userID), nil)
	}

	owner, found := set.catalog.Owner(toolName)
	conn := set.connections[owner]
	if !found || conn == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("tool %q not found", toolName), nil)
	}
	return conn.InvokeTool(ctx, toolName, args)
}

// Catalog returns the user's aggregated catalog, or nil when the user has no
// active set.
func (p *Pool) Catalog(userID string) *Catalog {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if set, ok := p.instances[userID]; ok {
		return set.catalog
	}
	return nil
}

// Descriptor returns one tool descriptor from the user's catalog.
func (p *Pool) Descriptor(userID, toolName string) (*ToolDescriptor, bool) {
	catalog := p.Catalog(userID)
	if catalog == nil {
		return nil, false
	}
	return catalog.Get(toolName)
}

// HasActive reports whether the user has a live instance set.
func (p *Pool) HasActive(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.instances[userID]
	return ok
}

// Status returns an operator snapshot.
func (p *Pool) Status() PoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := 0
	for _, set := range p.instances {
		total += len(set.connections)
	}
	return PoolStatus{
		Users:            len(p.instances),
		TotalConnections: total,
		MaxPerUser:       p.config.MaxPerUser,
		MaxTotal:         p.config.MaxTotal,
	}
}

// StartHealthLoop launches the periodic health check. Stops when ctx is
// canceled or Shutdown runs.
func (p *Pool) StartHealthLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.healthCheck()
			case <-p.stopHealth:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Pool) healthCheck() {
	p.mu.RLock()
	sets := make(map[string]*instanceSet, len(p.instances))
	for userID, set := range p.instances {
		sets[userID] = set
	}
	p.mu.RUnlock()

	for userID, set := range sets {
		for name, conn := range set.connections {
			if !conn.IsConnected() {
				logger.Warnf("server %s for user %s is disconnected", name, userID)
			}
		}
	}
}

// Shutdown terminates every instance set and stops the health loop.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.healthOnce.Do(func() { close(p.stopHealth) })

	p.mu.Lock()
	users := make([]string, 0, len(p.instances))
	for userID := range p.instances {
		users = append(users, userID)
	}
	p.mu.Unlock()

	var group errgroup.Group
	for _, userID := range users {
		group.Go(func() error { return p.Terminate(ctx, userID) })
	}
	return group.Wait()
}
