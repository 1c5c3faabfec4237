package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/auth"
	"github.com/mcp-ambassador/ambassador/pkg/authz"
	"github.com/mcp-ambassador/ambassador/pkg/storage/sqlite"
)

func TestBuiltinProvidersRegister(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sink, err := audit.NewFileSink(audit.FileSinkConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	registry := NewRegistry(DefaultAllowList())
	authn := NewPresharedKeyAuthN(auth.NewAuthenticator(db), db)
	authorizer := NewLocalRBACAuthZ(authz.NewAuthorizer(db.Clients(), db.Profiles()))
	auditProvider := NewFileAudit(sink)

	require.NoError(t, registry.Register(ctx, KindAuthN, authn, nil))
	require.NoError(t, registry.Register(ctx, KindAuthZ, authorizer, nil))
	require.NoError(t, registry.Register(ctx, KindAudit, auditProvider, nil))

	got, err := registry.Lookup(KindAudit, BuiltinAuditID)
	require.NoError(t, err)
	assert.Same(t, sink, got.(AuditProvider).Sink())

	require.NoError(t, registry.Shutdown(ctx))
}

func TestBuiltinIDsAreAllowListed(t *testing.T) {
	t.Parallel()

	allowed := DefaultAllowList()
	assert.Contains(t, allowed, (&PresharedKeyAuthN{}).ID())
	assert.Contains(t, allowed, (&LocalRBACAuthZ{}).ID())
	assert.Contains(t, allowed, (&FileAudit{}).ID())
}
