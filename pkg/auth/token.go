package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const sessionTokenBytes = 32

// NewSessionToken generates a session token and its nonce. The plaintext
// token goes to the caller; only HashToken(token) is persisted.
func NewSessionToken() (token, nonce string, err error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return "ambs_" + base64.RawURLEncoding.EncodeToString(raw), uuid.New().String(), nil
}

// HashToken returns the hex SHA-256 digest of a session token. Lookup by
// digest keeps plaintext tokens out of the database and makes the comparison
// independent of the token's byte values.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
