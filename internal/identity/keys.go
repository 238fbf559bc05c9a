package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// PASETO v4 requires a 256-bit (32-byte) symmetric key.
	keyLength = 32
	// Expected hex-encoded length (32 bytes = 64 hex characters).
	keyHexLength = 64

	keyFile = "session.key"
)

// LoadOrGenerateKey loads the token key from <dir>/session.key, creating it
// with a fresh random key when the file doesn't exist.
func LoadOrGenerateKey(dir string) ([]byte, error) {
	keyPath := filepath.Join(dir, keyFile)

	//#nosec G304 -- key path is derived from the configured data directory
	if keyBytes, err := os.ReadFile(keyPath); err == nil {
		return DecodeKey(string(keyBytes))
	}

	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save session key: %w", err)
	}
	return key, nil
}

// DecodeKey parses a hex-encoded key.
func DecodeKey(keyHex string) ([]byte, error) {
	keyHex = strings.TrimSpace(keyHex)
	if len(keyHex) != keyHexLength {
		return nil, fmt.Errorf("invalid session key length: expected %d hex chars, got %d", keyHexLength, len(keyHex))
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid session key format: not valid hex: %w", err)
	}
	return key, nil
}
