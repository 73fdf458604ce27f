package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// apiKeyIterations is the OWASP-recommended minimum for PBKDF2-HMAC-SHA256.
	apiKeyIterations = 480_000
	// apiKeySaltLen is the random salt length in bytes.
	apiKeySaltLen = 16
	// apiKeyDigestLen is the derived digest length.
	apiKeyDigestLen = 32
)

// DeriveAPIKeyDigest derives the stored digest for an API key. Plaintext
// keys are never persisted; configuration carries only the salt and this
// digest.
func DeriveAPIKeyDigest(key string, salt []byte) []byte {
	return pbkdf2.Key([]byte(key), salt, apiKeyIterations, apiKeyDigestLen, sha256.New)
}

// MintAPIKeyCredentials generates a fresh salt for key and returns the
// hex-encoded salt and digest pair to put into configuration.
func MintAPIKeyCredentials(key string) (saltHex, digestHex string, err error) {
	if key == "" {
		return "", "", errors.New("crypto: api key must not be empty")
	}
	salt := make([]byte, apiKeySaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("crypto: generating salt: %w", err)
	}
	digest := DeriveAPIKeyDigest(key, salt)
	return hex.EncodeToString(salt), hex.EncodeToString(digest), nil
}

// APIKeyGuard verifies presented API keys against a configured digest in
// constant time. A zero-value guard is disabled and admits nothing.
type APIKeyGuard struct {
	salt   []byte
	digest []byte
}

// NewAPIKeyGuard parses the hex salt and digest from configuration. Both
// empty yields a disabled guard; setting only one is a configuration error.
func NewAPIKeyGuard(saltHex, digestHex string) (*APIKeyGuard, error) {
	if saltHex == "" && digestHex == "" {
		return &APIKeyGuard{}, nil
	}
	if saltHex == "" || digestHex == "" {
		return nil, errors.New("crypto: api key salt and digest must be set together")
	}

	salt, err := hex.DecodeString(strings.TrimPrefix(saltHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding api key salt: %w", err)
	}
	digest, err := hex.DecodeString(strings.TrimPrefix(digestHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding api key digest: %w", err)
	}
	if len(digest) != apiKeyDigestLen {
		return nil, fmt.Errorf("crypto: expected %d-byte api key digest, got %d bytes", apiKeyDigestLen, len(digest))
	}

	return &APIKeyGuard{salt: salt, digest: digest}, nil
}

// Enabled reports whether a digest is configured.
func (g *APIKeyGuard) Enabled() bool {
	return g != nil && len(g.digest) > 0
}

// Verify reports whether key matches the configured digest. Always false
// on a disabled guard.
func (g *APIKeyGuard) Verify(key string) bool {
	if !g.Enabled() {
		return false
	}
	derived := DeriveAPIKeyDigest(key, g.salt)
	return subtle.ConstantTimeCompare(derived, g.digest) == 1
}
