package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	DefaultKeyScheme = "tvet"
	keyTokenBytes    = 16
)

// APIKey is the parsed form of "<scheme>_<institution_code>_<token>".
type APIKey struct {
	Scheme          string
	InstitutionCode string
	Token           string
}

func (k APIKey) String() string {
	return k.Scheme + "_" + k.InstitutionCode + "_" + k.Token
}

// ParseKey parses raw with the default scheme tag.
func ParseKey(raw string) (APIKey, bool) {
	return ParseKeyWithScheme(raw, DefaultKeyScheme)
}

// ParseKeyWithScheme splits raw into at most three parts on "_". The token
// part may itself contain underscores. It reports false on any malformed
// input.
func ParseKeyWithScheme(raw, scheme string) (APIKey, bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != scheme {
		return APIKey{}, false
	}
	if parts[1] == "" || parts[2] == "" {
		return APIKey{}, false
	}
	return APIKey{Scheme: parts[0], InstitutionCode: parts[1], Token: parts[2]}, true
}

// HashKey returns the hex SHA-256 digest that is persisted in place of the key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// VerifyKey fails closed on an inactive or missing credential and otherwise
// compares digests in constant time.
func VerifyKey(raw, storedHash string, active bool) bool {
	if !active || storedHash == "" || raw == "" {
		return false
	}
	computed := HashKey(raw)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(strings.ToLower(storedHash))) == 1
}

// KeyManager mints institution API keys.
type KeyManager struct {
	scheme string
	Rand   io.Reader
}

func NewKeyManager(scheme string) *KeyManager {
	if scheme == "" {
		scheme = DefaultKeyScheme
	}
	return &KeyManager{scheme: scheme, Rand: rand.Reader}
}

func (m *KeyManager) Scheme() string { return m.scheme }

func (m *KeyManager) Parse(raw string) (APIKey, bool) {
	return ParseKeyWithScheme(raw, m.scheme)
}

// Rotate generates a new key for institutionCode and returns it with the
// hash to persist. The raw key must be shown to the operator once and
// discarded.
func (m *KeyManager) Rotate(institutionCode string) (raw, hash string, err error) {
	if institutionCode == "" || strings.Contains(institutionCode, "_") {
		return "", "", fmt.Errorf("%w: institution code %q", ErrInvalidKeyFormat, institutionCode)
	}
	buf := make([]byte, keyTokenBytes)
	if _, err := io.ReadFull(m.Rand, buf); err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	key := APIKey{Scheme: m.scheme, InstitutionCode: institutionCode, Token: hex.EncodeToString(buf)}
	raw = key.String()
	return raw, HashKey(raw), nil
}
