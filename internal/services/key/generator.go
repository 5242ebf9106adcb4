package key

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const keyPrefix = "sk-gate-"

// GeneratedKey holds the one-time plaintext together with what gets stored.
// The plaintext is shown to the caller exactly once.
type GeneratedKey struct {
	Plaintext     string
	HashedKey     string
	Salt          string
	DisplayPrefix string
}

// Generate mints a new API key: sk-gate- plus 32 random bytes base64url
// encoded, salted with 16 random bytes, hashed with SHA-256.
func Generate() (*GeneratedKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	plaintext := keyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)

	return &GeneratedKey{
		Plaintext:     plaintext,
		HashedKey:     Hash(plaintext, salt),
		Salt:          salt,
		DisplayPrefix: DisplayPrefix(plaintext),
	}, nil
}

// Hash returns sha256 hex of plaintext concatenated with the salt string.
func Hash(plaintext, salt string) string {
	sum := sha256.Sum256([]byte(plaintext + salt))
	return hex.EncodeToString(sum[:])
}

// Matches compares the computed hash against the stored one in constant
// time. The salt is always consumed before comparing, so a wrong salt does
// not short-circuit.
func Matches(plaintext, salt, hashedKey string) bool {
	computed := Hash(plaintext, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hashedKey)) == 1
}

// DisplayPrefix is the first 15 characters followed by an ellipsis, enough
// to tell keys apart in an admin list without revealing the key.
func DisplayPrefix(plaintext string) string {
	if len(plaintext) <= 15 {
		return plaintext + "..."
	}
	return plaintext[:15] + "..."
}
