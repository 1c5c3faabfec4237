// Package datadir resolves and prepares the ambassador's on-disk data
// directory: the sqlite database, the credential master key, the admin
// recovery token and the TLS certs all live under it.
package datadir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (
	appDirName   = "ambassador"
	certsDirName = "certs"

	dirMode = 0700
)

// Default returns the XDG data directory for the ambassador.
func Default() string {
	return filepath.Join(xdg.DataHome, appDirName)
}

// Resolve returns the override when set, otherwise the XDG default.
func Resolve(override string) string {
	if override != "" {
		return override
	}
	return Default()
}

// CertsDir returns the TLS certificate directory under dataDir.
func CertsDir(dataDir string) string {
	return filepath.Join(dataDir, certsDirName)
}

// DatabasePath returns the sqlite database file under dataDir.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, "ambassador.db")
}

// AuditDir returns the audit log directory under dataDir.
func AuditDir(dataDir string) string {
	return filepath.Join(dataDir, "audit")
}

// Ensure creates the data directory tree with owner-only permissions.
func Ensure(dataDir string) error {
	for _, dir := range []string{dataDir, CertsDir(dataDir)} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	// An existing directory keeps whatever mode it was created with, which
	// may predate this binary. Tighten it.
	if err := os.Chmod(dataDir, dirMode); err != nil {
		return fmt.Errorf("failed to restrict %s: %w", dataDir, err)
	}
	return nil
}
