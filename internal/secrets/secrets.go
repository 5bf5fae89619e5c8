// Package secrets generates and verifies consumer API credentials.
// Secrets are stored as salted PBKDF2-SHA256 hashes, never in plaintext.
package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	hashScheme     = "pbkdf2_sha256"
	hashIterations = 260000
	saltBytes      = 16
	secretBytes    = 48
)

// NewClientID returns a fresh opaque consumer identifier.
func NewClientID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}

// NewClientSecret returns a fresh URL-safe consumer secret. The plaintext is
// shown to the operator exactly once; only its hash is persisted.
func NewClientSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating client secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashSecret derives a storable hash in the form
// pbkdf2_sha256$<iterations>$<salt>$<digest>.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	digest := pbkdf2.Key([]byte(secret), salt, hashIterations, sha256.Size, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s",
		hashScheme,
		hashIterations,
		base64.URLEncoding.EncodeToString(salt),
		base64.URLEncoding.EncodeToString(digest),
	), nil
}

// VerifySecret checks a presented secret against a stored hash in constant time.
func VerifySecret(secret, stored string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != hashScheme {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := base64.URLEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := base64.URLEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(secret), salt, iterations, len(want), sha256.New)
	return hmac.Equal(got, want)
}
