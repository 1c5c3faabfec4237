package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-ambassador/ambassador/pkg/datadir"
)

func writeCertPair(t *testing.T, dataDir, certName, keyName string) {
	t.Helper()
	certsDir := datadir.CertsDir(dataDir)
	require.NoError(t, os.MkdirAll(certsDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(certsDir, certName), []byte("cert"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(certsDir, keyName), []byte("key"), 0600))
}

func TestTLSFilesPEMPair(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	writeCertPair(t, dataDir, "server.pem", "server-key.pem")

	cert, key := tlsFiles(dataDir)
	assert.Equal(t, filepath.Join(datadir.CertsDir(dataDir), "server.pem"), cert)
	assert.Equal(t, filepath.Join(datadir.CertsDir(dataDir), "server-key.pem"), key)
}

func TestTLSFilesCrtKeyPair(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	writeCertPair(t, dataDir, "server.crt", "server.key")

	cert, key := tlsFiles(dataDir)
	assert.Equal(t, filepath.Join(datadir.CertsDir(dataDir), "server.crt"), cert)
	assert.Equal(t, filepath.Join(datadir.CertsDir(dataDir), "server.key"), key)
}

func TestTLSFilesIncompletePair(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	certsDir := datadir.CertsDir(dataDir)
	require.NoError(t, os.MkdirAll(certsDir, 0700))
	// A cert with no matching key serves nothing.
	require.NoError(t, os.WriteFile(filepath.Join(certsDir, "server.pem"), []byte("cert"), 0600))

	cert, key := tlsFiles(dataDir)
	assert.Empty(t, cert)
	assert.Empty(t, key)
}
