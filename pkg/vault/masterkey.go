package vault

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

const (
	// MasterKeyEnvVar overrides the on-disk master key when set (64 hex chars).
	MasterKeyEnvVar = "AMBASSADOR_MASTER_KEY"

	// MasterKeyFileName is the master key file inside the data directory.
	MasterKeyFileName = "credential_master_key"

	masterKeyFileMode = 0600
)

// LoadMasterKey resolves the 32-byte master key, in priority order: the
// AMBASSADOR_MASTER_KEY environment variable, the key file in dataDir, or a
// freshly generated key persisted atomically at mode 0600. Generation is
// serialized with a file lock so concurrent first boots agree on one key.
func LoadMasterKey(dataDir string) ([]byte, error) {
	if env := os.Getenv(MasterKeyEnvVar); env != "" {
		key, err := decodeHexKey(env)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", MasterKeyEnvVar, err)
		}
		return key, nil
	}

	keyPath := filepath.Join(dataDir, MasterKeyFileName)

	lock := flock.New(keyPath + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock master key file: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warnf("failed to release master key lock: %v", err)
		}
	}()

	if data, err := os.ReadFile(keyPath); err == nil {
		key, err := decodeHexKey(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("corrupt master key file %s: %w", keyPath, err)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read master key file: %w", err)
	}

	key, err := generateMasterKey()
	if err != nil {
		return nil, err
	}
	if err := writeMasterKeyFile(keyPath, key); err != nil {
		return nil, err
	}
	logger.Infow("generated new credential master key", "path", keyPath)
	return key, nil
}

func generateMasterKey() ([]byte, error) {
	key, err := NewSalt() // same size and entropy requirements as a salt
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key[:MasterKeySize], nil
}

// writeMasterKeyFile persists the key hex-encoded via temp file + rename so
// a crash never leaves a partial key on disk.
func writeMasterKeyFile(path string, key []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), MasterKeyFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp key file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(masterKeyFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set key file mode: %w", err)
	}
	if _, err := tmp.WriteString(hex.EncodeToString(key)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close key file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to persist key file: %w", err)
	}
	return nil
}

func decodeHexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not valid hex: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("expected %d bytes, got %d", MasterKeySize, len(key))
	}
	return key, nil
}
