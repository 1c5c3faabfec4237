package killswitch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndIsActive(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	assert.False(t, r.IsActive(TypeToolServer, "github"))

	r.Set(TypeToolServer, "github", true, "incident")
	assert.True(t, r.IsActive(TypeToolServer, "github"))
	assert.False(t, r.IsActive(TypeUser, "github"))

	r.Set(TypeToolServer, "github", false, "")
	assert.False(t, r.IsActive(TypeToolServer, "github"))
}

func TestSetPreservesActivationTime(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return first }

	r.Set(TypeGlobal, "all", true, "maintenance")
	r.now = func() time.Time { return first.Add(time.Hour) }
	r.Set(TypeGlobal, "all", true, "extended maintenance")

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, first, snapshot[0].CreatedAt)
	assert.Equal(t, "extended maintenance", snapshot[0].Reason)
}

func TestToggle(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	assert.True(t, r.Toggle(TypeUser, "alice", "abuse report"))
	assert.True(t, r.IsActive(TypeUser, "alice"))

	assert.False(t, r.Toggle(TypeUser, "alice", ""))
	assert.False(t, r.IsActive(TypeUser, "alice"))
}

func TestSnapshotSorted(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Set(TypeUser, "bob", true, "")
	r.Set(TypeToolServer, "jira", true, "")
	r.Set(TypeToolServer, "github", true, "")

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "github", snapshot[0].Target)
	assert.Equal(t, "jira", snapshot[1].Target)
	assert.Equal(t, TypeUser, snapshot[2].Type)
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Toggle(TypeToolServer, "github", "")
				r.IsActive(TypeToolServer, "github")
				r.Snapshot()
			}
		}()
	}
	wg.Wait()
}
