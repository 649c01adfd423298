package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

const (
	// DefaultTokenTTL is how long a one-time login token stays redeemable.
	DefaultTokenTTL = 300 * time.Second

	tokenBytes     = 32
	tokenKeyPrefix = "telegram_auth_token:"
)

// Grant is what a one-time token resolves to when redeemed.
type Grant struct {
	SubjectID string            `json:"subject_id"`
	Payload   map[string]string `json:"payload,omitempty"`
	IssuedAt  time.Time         `json:"issued_at"`
}

// TokenStore holds pending one-time tokens.
//
// Take must look up and delete the entry in a single atomic step: of any
// number of concurrent Take calls for one key, at most one returns ok.
type TokenStore interface {
	Put(ctx context.Context, key string, g Grant, ttl time.Duration) error
	Take(ctx context.Context, key string) (Grant, bool, error)
}

// TokenIssuer issues and redeems single-use login tokens.
type TokenIssuer struct {
	store TokenStore
	ttl   time.Duration

	// Rand and Now are replaceable in tests.
	Rand io.Reader
	Now  func() time.Time
}

func NewTokenIssuer(store TokenStore, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{
		store: store,
		ttl:   ttl,
		Rand:  rand.Reader,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (i *TokenIssuer) TTL() time.Duration { return i.ttl }

// Issue stores a fresh token for subjectID and returns the raw token. Only a
// hash of the token is used as the storage key.
func (i *TokenIssuer) Issue(ctx context.Context, subjectID string, payload map[string]string) (string, error) {
	if subjectID == "" {
		return "", fmt.Errorf("issue token: subject id required")
	}
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(i.Rand, buf); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)

	g := Grant{SubjectID: subjectID, Payload: payload, IssuedAt: i.Now()}
	if err := i.store.Put(ctx, tokenKey(raw), g, i.ttl); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return raw, nil
}

// Redeem consumes the token. A token that is unknown, expired or already
// redeemed yields ErrTokenExpiredOrConsumed.
func (i *TokenIssuer) Redeem(ctx context.Context, raw string) (Grant, error) {
	if raw == "" {
		return Grant{}, ErrTokenExpiredOrConsumed
	}
	g, ok, err := i.store.Take(ctx, tokenKey(raw))
	if err != nil {
		return Grant{}, fmt.Errorf("redeem token: %w", err)
	}
	if !ok {
		return Grant{}, ErrTokenExpiredOrConsumed
	}
	return g, nil
}

func tokenKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return tokenKeyPrefix + hex.EncodeToString(sum[:])
}
