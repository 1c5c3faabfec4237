package auth

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
)

func newAdminManager(t *testing.T) *AdminKeyManager {
	t.Helper()
	return NewAdminKeyManager(newTestStore(t).AdminKeys(), t.TempDir())
}

func TestAdminBootstrapMintsOnce(t *testing.T) {
	t.Parallel()
	m := newAdminManager(t)
	ctx := context.Background()

	creds, err := m.Bootstrap(ctx)
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.True(t, strings.HasPrefix(creds.AdminKey, "amba_"))
	assert.NotEmpty(t, creds.RecoveryToken)

	// Second boot finds the existing key and mints nothing.
	again, err := m.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, m.VerifyKey(ctx, creds.AdminKey))
	assert.Error(t, m.VerifyKey(ctx, "amba_wrong"))
}

func TestAdminBootstrapWritesRecoveryTokenFile(t *testing.T) {
	t.Parallel()
	m := newAdminManager(t)

	creds, err := m.Bootstrap(context.Background())
	require.NoError(t, err)

	path := m.RecoveryTokenPath()
	assert.Equal(t, RecoveryTokenFileName, filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, creds.RecoveryToken, strings.TrimSpace(string(data)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(recoveryTokenFileMode), info.Mode().Perm())
}

func TestAdminRotateRequiresBothProofs(t *testing.T) {
	t.Parallel()
	m := newAdminManager(t)
	ctx := context.Background()

	creds, err := m.Bootstrap(ctx)
	require.NoError(t, err)

	_, err = m.Rotate(ctx, "amba_wrong", creds.RecoveryToken)
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))

	_, err = m.Rotate(ctx, creds.AdminKey, "wrong-token")
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))

	// Both failures look alike to the caller.
	assert.Equal(t, "unauthorized", err.Error()[:12])
}

func TestAdminRotateReplacesKeyAndTokenFile(t *testing.T) {
	t.Parallel()
	m := newAdminManager(t)
	ctx := context.Background()

	creds, err := m.Bootstrap(ctx)
	require.NoError(t, err)

	rotated, err := m.Rotate(ctx, creds.AdminKey, creds.RecoveryToken)
	require.NoError(t, err)
	require.NotEqual(t, creds.AdminKey, rotated.AdminKey)
	require.NotEqual(t, creds.RecoveryToken, rotated.RecoveryToken)

	// Old key no longer verifies; old recovery token no longer rotates.
	assert.Error(t, m.VerifyKey(ctx, creds.AdminKey))
	require.NoError(t, m.VerifyKey(ctx, rotated.AdminKey))
	_, err = m.Rotate(ctx, rotated.AdminKey, creds.RecoveryToken)
	assert.Error(t, err)

	data, err := os.ReadFile(m.RecoveryTokenPath())
	require.NoError(t, err)
	assert.Equal(t, rotated.RecoveryToken, strings.TrimSpace(string(data)))
}

func TestAdminRotateWithoutBootstrap(t *testing.T) {
	t.Parallel()
	m := newAdminManager(t)

	_, err := m.Rotate(context.Background(), "amba_x", "token")
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))
}
