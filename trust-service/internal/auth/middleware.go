package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/cpass-platform/platform/trust-service/internal/metrics"
	"github.com/cpass-platform/platform/trust-service/internal/models"
)

type ctxKey string

const (
	ctxKeyAuthInfo    ctxKey = "cpass.authInfo"
	ctxKeyInstitution ctxKey = "cpass.institution"
)

// InvalidAPIKeyMessage is the only message returned for any API key failure.
const InvalidAPIKeyMessage = "invalid API key"

// AuthInfo holds the authenticated session principal for the request.
type AuthInfo struct {
	Subject    uuid.UUID
	Role       string
	TelegramID int64
}

// FromContext returns the AuthInfo stored in the request context, or nil.
func FromContext(ctx context.Context) *AuthInfo {
	if ai, ok := ctx.Value(ctxKeyAuthInfo).(*AuthInfo); ok {
		return ai
	}
	return nil
}

func WithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	return context.WithValue(ctx, ctxKeyAuthInfo, ai)
}

// InstitutionFromContext returns the institution authenticated by API key.
func InstitutionFromContext(ctx context.Context) (models.Institution, bool) {
	inst, ok := ctx.Value(ctxKeyInstitution).(models.Institution)
	return inst, ok
}

func WithInstitution(ctx context.Context, inst models.Institution) context.Context {
	return context.WithValue(ctx, ctxKeyInstitution, inst)
}

// RequireSession rejects requests without a valid Bearer session token.
func RequireSession(sessions *Sessions, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				m.Auth("session", "rejected")
				writeError(w, http.StatusUnauthorized, "authentication credentials were not provided")
				return
			}
			claims, err := sessions.Verify(raw)
			if err != nil {
				m.Auth("session", "rejected")
				writeError(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}
			m.Auth("session", "ok")
			ai := &AuthInfo{
				Subject:    uuid.MustParse(claims.Subject),
				Role:       claims.Role,
				TelegramID: claims.TelegramID,
			}
			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
		})
	}
}

// HasRole reports whether ai carries one of roles.
func HasRole(ai *AuthInfo, roles ...string) bool {
	if ai == nil {
		return false
	}
	for _, role := range roles {
		if ai.Role == role {
			return true
		}
	}
	return false
}

// RequireAnyRole allows the request if the session has any of roles.
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasRole(FromContext(r.Context()), roles...) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyAuthenticator resolves a raw institutional API key.
type KeyAuthenticator interface {
	AuthenticateAPIKey(ctx context.Context, raw string) (models.Institution, error)
}

// RequireAPIKey authenticates the X-API-Key header. Missing, malformed,
// unknown and revoked keys all get the same 401 body.
func RequireAPIKey(keys KeyAuthenticator, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("X-API-Key"))
			if raw == "" {
				m.Auth("api_key", "rejected")
				writeError(w, http.StatusUnauthorized, InvalidAPIKeyMessage)
				return
			}
			inst, err := keys.AuthenticateAPIKey(r.Context(), raw)
			if err != nil {
				m.Auth("api_key", "rejected")
				slog.DebugContext(r.Context(), "[auth] api key rejected", "error", err)
				writeError(w, http.StatusUnauthorized, InvalidAPIKeyMessage)
				return
			}
			m.Auth("api_key", "ok")
			next.ServeHTTP(w, r.WithContext(WithInstitution(r.Context(), inst)))
		})
	}
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{"message": msg, "status": status},
	})
}
