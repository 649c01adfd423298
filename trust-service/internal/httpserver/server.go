package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cpass-platform/platform/trust-service/internal/auth"
	"github.com/cpass-platform/platform/trust-service/internal/logger"
	"github.com/cpass-platform/platform/trust-service/internal/metrics"
	"github.com/cpass-platform/platform/trust-service/internal/models"
	"github.com/cpass-platform/platform/trust-service/internal/service"
	"github.com/cpass-platform/platform/trust-service/internal/store"
	"github.com/cpass-platform/platform/trust-service/internal/validation"
)

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Store        store.Store
	Trust        *service.TrustService
	Credentials  *service.CredentialService
	Affiliations *service.AffiliationService
	Sessions     *auth.Sessions
	Metrics      *metrics.Metrics

	// Extra dependencies reported by /ready, keyed by name.
	ReadyChecks map[string]Pinger
}

type Server struct {
	Deps
	validate *validation.Validator
}

func New(d Deps) *Server {
	return &Server{Deps: d, validate: validation.New()}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}

	r.Route("/api/telegram", func(r chi.Router) {
		r.Post("/generate-token/", s.handleGenerateToken)
		r.Post("/auth/", s.handleTelegramAuth)
		r.Post("/validate-webapp/", s.handleValidateWebApp)
	})

	r.Route("/api/public", func(r chi.Router) {
		r.Use(auth.RequireAPIKey(s.Credentials, s.Metrics))
		r.Get("/workers/", s.handleListAffiliated)
		r.Get("/workers/{id}/", s.handleAffiliatedDetail)
		r.Post("/workers/{id}/verify/", s.handleVerifyAffiliation)
		r.Get("/stats/", s.handleInstitutionStats)
	})

	r.Route("/api/workers/{id}", func(r chi.Router) {
		r.Use(auth.RequireSession(s.Sessions, s.Metrics))
		r.Get("/trust", s.handleGetTrust)
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAnyRole(models.RoleSupervisor, models.RoleAdmin))
			r.Post("/ratings", s.handleRecordRating)
			r.Post("/tasks", s.handleRecordTask)
			r.Post("/skills/{skillID}/verify", s.handleVerifySkill)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(auth.RequireSession(s.Sessions, s.Metrics))
		r.Use(auth.RequireAnyRole(models.RoleAdmin))
		r.Post("/institutions/{code}/api-key", s.handleRotateKey)
		r.Delete("/institutions/{code}/api-key", s.handleRevokeKey)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.Store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = "down"
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	all := map[string]Pinger{"db": s.Store}
	for name, p := range s.ReadyChecks {
		all[name] = p
	}
	for name, p := range all {
		if err := p.Ping(ctx); err != nil {
			logger.FromContext(ctx).Warn("[httpserver] readiness check failed", "check", name, "error", err)
			checks[name] = "down"
			ready = false
			continue
		}
		checks[name] = "up"
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{"ready": ready, "checks": checks})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.FromContext(r.Context()).Info("[httpserver] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
