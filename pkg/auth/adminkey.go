package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

// The admin key authenticates the operator CLI. Exactly one key is active at
// a time; rotating it requires presenting both the current key and the
// recovery token written at bootstrap.
const (
	// RecoveryTokenFileName is the recovery token file inside the data
	// directory. It is written once per rotation at mode 0400.
	RecoveryTokenFileName = ".recovery-token"

	adminKeyScheme        = "amba"
	adminSecretLen        = 32
	recoveryTokenLen      = 32
	recoveryTokenFileMode = 0400
)

// AdminCredentials is a freshly minted admin key pair. Both values are shown
// to the operator exactly once; only bcrypt hashes are persisted.
type AdminCredentials struct {
	AdminKey      string
	RecoveryToken string
}

// AdminKeyManager mints and rotates the admin key.
type AdminKeyManager struct {
	keys    storage.AdminKeyStore
	dataDir string
}

// NewAdminKeyManager returns a manager writing its recovery token under
// dataDir.
func NewAdminKeyManager(keys storage.AdminKeyStore, dataDir string) *AdminKeyManager {
	return &AdminKeyManager{keys: keys, dataDir: dataDir}
}

// Bootstrap mints the initial admin key if none exists yet. It returns the
// plaintext credentials on first boot and nil when a key is already active.
func (m *AdminKeyManager) Bootstrap(ctx context.Context) (*AdminCredentials, error) {
	_, err := m.keys.Get(ctx)
	if err == nil {
		return nil, nil
	}
	if !stderrors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load admin key: %w", err)
	}
	return m.mint(ctx)
}

// Rotate replaces the admin key. Both the current key and the recovery token
// must verify; a failure of either surfaces as the same generic unauthorized
// error.
func (m *AdminKeyManager) Rotate(ctx context.Context, currentKey, recoveryToken string) (*AdminCredentials, error) {
	row, err := m.keys.Get(ctx)
	if err != nil {
		return nil, unauthorized(ReasonUnknownClient, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(currentKey)) != nil {
		return nil, unauthorized(ReasonInvalidCredential, nil)
	}
	if bcrypt.CompareHashAndPassword([]byte(row.RecoveryTokenHash), []byte(recoveryToken)) != nil {
		return nil, unauthorized(ReasonInvalidCredential, nil)
	}
	return m.mint(ctx)
}

// mint generates a key pair, persists the hashes and rewrites the recovery
// token file.
func (m *AdminKeyManager) mint(ctx context.Context) (*AdminCredentials, error) {
	key, err := randomSecret(adminSecretLen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate admin key: %w", err)
	}
	adminKey := adminKeyScheme + "_" + key

	token, err := randomSecret(recoveryTokenLen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate recovery token: %w", err)
	}

	keyHash, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash admin key: %w", err)
	}
	tokenHash, err := bcrypt.GenerateFromPassword([]byte(token), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash recovery token: %w", err)
	}

	if err := m.keys.Rotate(ctx, string(keyHash), string(tokenHash)); err != nil {
		return nil, fmt.Errorf("failed to persist admin key: %w", err)
	}
	if err := m.writeRecoveryToken(token); err != nil {
		return nil, err
	}
	return &AdminCredentials{AdminKey: adminKey, RecoveryToken: token}, nil
}

// VerifyKey checks a presented admin key against the active row.
func (m *AdminKeyManager) VerifyKey(ctx context.Context, key string) error {
	row, err := m.keys.Get(ctx)
	if err != nil {
		return unauthorized(ReasonUnknownClient, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(key)) != nil {
		return unauthorized(ReasonInvalidCredential, nil)
	}
	return nil
}

// RecoveryTokenPath returns the recovery token file location.
func (m *AdminKeyManager) RecoveryTokenPath() string {
	return filepath.Join(m.dataDir, RecoveryTokenFileName)
}

// writeRecoveryToken replaces the recovery token file via temp file + rename
// so a crash never leaves a partial token on disk. The file ends up at mode
// 0400.
func (m *AdminKeyManager) writeRecoveryToken(token string) error {
	path := m.RecoveryTokenPath()

	tmp, err := os.CreateTemp(m.dataDir, RecoveryTokenFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp recovery token file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(token + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write recovery token: %w", err)
	}
	if err := tmp.Chmod(recoveryTokenFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set recovery token mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close recovery token file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to persist recovery token: %w", err)
	}
	return nil
}

func randomSecret(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
