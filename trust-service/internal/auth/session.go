package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionIssuer = "cpass-trust"

var ErrInvalidSession = errors.New("invalid session token")

// Claims are carried by session tokens issued after a successful login.
type Claims struct {
	Role       string `json:"role"`
	TelegramID int64  `json:"telegram_id,omitempty"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies HS256 session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration

	Now func() time.Time
}

func NewSessions(secret string, ttl time.Duration) (*Sessions, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, Now: time.Now}, nil
}

func (s *Sessions) TTL() time.Duration { return s.ttl }

func (s *Sessions) Issue(subject uuid.UUID, role string, telegramID int64) (string, error) {
	now := s.Now()
	claims := Claims{
		Role:       role,
		TelegramID: telegramID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.String(),
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return tok, nil
}

// Verify parses a session token. Every failure is reported as ErrInvalidSession.
func (s *Sessions) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.Now),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidSession
	}
	if _, err := uuid.Parse(claims.Subject); err != nil || claims.Role == "" {
		return nil, ErrInvalidSession
	}
	return claims, nil
}
