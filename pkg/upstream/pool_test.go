package upstream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
	"github.com/mcp-ambassador/ambassador/pkg/storage/sqlite"
)

// fakeConnection is an in-process Connection with scriptable tools and
// failures.
type fakeConnection struct {
	name     string
	tools    []mcp.Tool
	startErr error

	mu        sync.Mutex
	started   bool
	stopped   int
	history   ErrorHistory
	callbacks struct {
		disconnect []func(error)
		onError    []func(error)
	}
	invocations atomic.Int32
}

func (f *fakeConnection) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeConnection) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	f.stopped++
	return nil
}

func (f *fakeConnection) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeConnection) HealthCheck(context.Context) error { return nil }

func (f *fakeConnection) GetTools(context.Context) ([]mcp.Tool, error) {
	return f.tools, nil
}

func (f *fakeConnection) InvokeTool(_ context.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
	f.invocations.Add(1)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: f.name + ":" + name}},
	}, nil
}

func (f *fakeConnection) Errors() *ErrorHistory { return &f.history }

func (f *fakeConnection) OnDisconnect(fn func(error)) {
	f.callbacks.disconnect = append(f.callbacks.disconnect, fn)
}

func (f *fakeConnection) OnError(fn func(error)) {
	f.callbacks.onError = append(f.callbacks.onError, fn)
}

// fakeFactory hands out fakeConnections keyed by entry name and records
// credentials it saw.
type fakeFactory struct {
	mu          sync.Mutex
	connections map[string]*fakeConnection
	credentials map[string]string
	built       int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		connections: make(map[string]*fakeConnection),
		credentials: make(map[string]string),
	}
}

func (f *fakeFactory) factory(entry *storage.CatalogEntry, credential string) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built++
	f.credentials[entry.Name] = credential

	if conn, ok := f.connections[entry.Name]; ok {
		return conn, nil
	}
	conn := &fakeConnection{
		name:  entry.Name,
		tools: []mcp.Tool{{Name: entry.Name + ".run", Description: "runs " + entry.Name}},
	}
	f.connections[entry.Name] = conn
	return conn, nil
}

type staticCredentials map[string]string

func (s staticCredentials) Resolve(_ context.Context, _ string, entry *storage.CatalogEntry) (string, error) {
	return s[entry.Name], nil
}

func newTestCatalog(t *testing.T, entries ...*storage.CatalogEntry) storage.Store {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	allUsers, err := db.Groups().GetByName(ctx, storage.AllUsersGroup)
	require.NoError(t, err)
	for _, entry := range entries {
		require.NoError(t, db.Catalog().Create(ctx, entry))
		require.NoError(t, db.Groups().GrantCatalogAccess(ctx, allUsers.ID, entry.ID))
	}
	return db
}

func perUserEntry(name string) *storage.CatalogEntry {
	return &storage.CatalogEntry{
		ID:                uuid.New().String(),
		Name:              name,
		Transport:         storage.TransportStdio,
		Config:            json.RawMessage(`{"command":"` + name + `"}`),
		Isolation:         storage.IsolationPerUser,
		PublicationStatus: storage.PublicationPublished,
	}
}

func sharedEntry(name string) *storage.CatalogEntry {
	entry := perUserEntry(name)
	entry.Isolation = storage.IsolationShared
	return entry
}

func TestSpawnIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestCatalog(t, perUserEntry("echo"))
	factory := newFakeFactory()
	pool := NewPool(store.Catalog(), nil, factory.factory, nil)
	ctx := context.Background()

	require.NoError(t, pool.Spawn(ctx, "u1"))
	require.NoError(t, pool.Spawn(ctx, "u1"))

	assert.Equal(t, 1, factory.built)
	assert.True(t, pool.HasActive("u1"))
}

func TestSpawnConcurrentSameUser(t *testing.T) {
	t.Parallel()
	store := newTestCatalog(t, perUserEntry("echo"))
	factory := newFakeFactory()
	pool := NewPool(store.Catalog(), nil, factory.factory, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = pool.Spawn(ctx, "u1")
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, factory.built, "only one spawn runs")
}

func TestSpawnResourceLimits(t *testing.T) {
	t.Parallel()
	store := newTestCatalog(t, perUserEntry("a"), perUserEntry("b"), perUserEntry("c"))
	factory := newFakeFactory()
	pool := NewPool(store.Catalog(), nil, factory.factory, &PoolConfig{MaxPerUser: 2})
	ctx := context.Background()

	err := pool.Spawn(ctx, "u1")
	require.Error(t, err)
	assert.True(t, errors.IsResourceLimitExceeded(err))

	metadata := errors.MetadataOf(err)
	assert.Equal(t, 0, metadata["current"])
	assert.Equal(t, 3, metadata["requested_additional"])
	assert.Equal(t, 2, metadata["max_allowed"])
	assert.False(t, pool.HasActive("u1"))
}

func TestSpawnGlobalLimit(t *testing.T) {
	t.Parallel()
	store := newTestCatalog(t, perUserEntry("a"), perUserEntry("b"))
	factory := newFakeFactory()
	pool := NewPool(store.Catalog(), nil, factory.factory, &PoolConfig{MaxPerUser: 2, MaxTotal: 3})
	ctx := context.Background()

	require.NoError(t, pool.Spawn(ctx, "u1"))
	err := pool.Spawn(ctx, "u2")
	require.Error(t, err)
	assert.True(t, errors.IsResourceLimitExceeded(err))
	assert.Equal(t, 2, errors.MetadataOf(err)["current"])
}

func TestSpawnAllOrNothing(t *testing.T) {
	t.Parallel()
	store := newTestCatalog(t, perUserEntry("good"), perUserEntry("zbad"))
	factory := newFakeFactory()
	factory.connections["zbad"] = &fakeConnection{name: "zbad", startErr: assert.AnError}
	pool := NewPool(store.Catalog(), nil, factory.factory, nil)
	ctx := context.Background()

	err := pool.Spawn(ctx, "u1")
	require.Error(t, err)
	assert.False(t, pool.HasActive("u1"))

	// The connection that did start was stopped again.
	good := factory.connections["good"]
	if good != nil {
		assert.False(t, good.IsConnected())
	}
}

func TestSpawnInjectsCredentials(t *testing.T) {
	t.Parallel()
	entry := perUserEntry("github")
	entry.RequiresUserCredentials = true
	store := newTestCatalog(t, entry)
	factory := newFakeFactory()
	pool := NewPool(store.Catalog(), staticCredentials{"github": "tok-123"}, factory.factory, nil)

	require.NoError(t, pool.Spawn(context.Background(), "u1"))
	assert.Equal(t, "tok-123", factory.credentials["github"])
}

func TestTerminateIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestCatalog(t, perUserEntry("echo"))
	factory := newFakeFactory()
	pool := NewPool(store.Catalog(), nil, factory.factory, nil)
	ctx := context.Background()

	require.NoError(t, pool.Spawn(ctx, "u1"))
	require.NoError(t, pool.Terminate(ctx, "u1"))
	require.NoError(t, pool.Terminate(ctx, "u1"))
	require.NoError(t, pool.Terminate(ctx, "never-spawned"))

	assert.False(t, pool.HasActive("u1"))
	assert.Equal(t, 1, factory.connections["echo"].stopped)
}

func TestInvokeRoutesToOwner(t *testing.T) {
	t.Parallel()
	store := newTestCatalog(t, perUserEntry("echo"), perUserEntry("filesystem"))
	factory := newFakeFactory()
	pool := NewPool(store.Catalog(), nil, factory.factory, nil)
	ctx := context.Background()

	require.NoError(t, pool.Spawn(ctx, "u1"))

	result, err := pool.Invoke(ctx, "u1", "echo.run", nil)
	require.NoError(t, err)
	text := result.Content[0].(mcp.TextContent).Text
	assert.Equal(t, "echo:echo.run", text)

	_, err = pool.Invoke(ctx, "u1", "nope.run", nil)
	assert.True(t, errors.IsNotFound(err))

	_, err = pool.Invoke(ctx, "u2", "echo.run", nil)
	assert.Equal(t, errors.ErrServiceUnavailable, errors.TypeOf(err))
}

func TestPoolStatus(t *testing.T) {
	t.Parallel()
	store := newTestCatalog(t, perUserEntry("a"), perUserEntry("b"))
	factory := newFakeFactory()
	pool := NewPool(store.Catalog(), nil, factory.factory, nil)
	ctx := context.Background()

	require.NoError(t, pool.Spawn(ctx, "u1"))
	status := pool.Status()
	assert.Equal(t, 1, status.Users)
	assert.Equal(t, 2, status.TotalConnections)
}

func TestCatalogAggregation(t *testing.T) {
	t.Parallel()
	catalog := NewCatalog()

	catalog.AddServer("alpha", []mcp.Tool{
		{Name: "echo.run", Description: strings.Repeat("d", 600)},
		{Name: "bad name!", Description: "rejected"},
	})
	catalog.AddServer("beta", []mcp.Tool{
		{Name: "echo.run", Description: "conflicting"},
		{Name: "beta.only", Description: "fine"},
	})

	descriptor, ok := catalog.Get("echo.run")
	require.True(t, ok)
	assert.Equal(t, "alpha", descriptor.ServerName, "first write wins")
	assert.Len(t, descriptor.Description, maxDescriptionLength)

	_, ok = catalog.Get("bad name!")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"bad name!", "echo.run"}, catalog.Rejected())
	assert.Len(t, catalog.List(), 2)
}

func TestRouterSharedWins(t *testing.T) {
	t.Parallel()
	// Separate stores so the same tool name can exist on both sides.
	sharedFactory := newFakeFactory()
	sharedFactory.connections["shared-srv"] = &fakeConnection{
		name:  "shared-srv",
		tools: []mcp.Tool{{Name: "dup.run"}, {Name: "shared.only"}},
	}
	sharedDB := newTestCatalog(t, sharedEntry("shared-srv"))
	shared := NewSharedManager(sharedDB.Catalog(), sharedFactory.factory)
	require.NoError(t, shared.Start(context.Background()))

	poolFactory := newFakeFactory()
	poolFactory.connections["user-srv"] = &fakeConnection{
		name:  "user-srv",
		tools: []mcp.Tool{{Name: "dup.run"}, {Name: "user.only"}},
	}
	poolDB := newTestCatalog(t, perUserEntry("user-srv"))
	pool := NewPool(poolDB.Catalog(), nil, poolFactory.factory, nil)
	require.NoError(t, pool.Spawn(context.Background(), "u1"))

	router := NewRouter(shared, pool)

	names := make([]string, 0)
	for _, descriptor := range router.Tools("u1") {
		names = append(names, descriptor.Name)
	}
	assert.ElementsMatch(t, []string{"dup.run", "shared.only", "user.only"}, names)

	result, err := router.Invoke(context.Background(), "u1", "dup.run", nil)
	require.NoError(t, err)
	assert.Equal(t, "shared-srv:dup.run", result.Content[0].(mcp.TextContent).Text)

	result, err = router.Invoke(context.Background(), "u1", "user.only", nil)
	require.NoError(t, err)
	assert.Equal(t, "user-srv:user.only", result.Content[0].(mcp.TextContent).Text)

	_, err = router.Invoke(context.Background(), "u1", "missing", nil)
	assert.True(t, errors.IsNotFound(err))
}
