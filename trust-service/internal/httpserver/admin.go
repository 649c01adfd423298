package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type rotateKeyRequest struct {
	Force bool `json:"force"`
}

// handleRotateKey returns the raw key. It is shown once and never stored.
func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	var req rotateKeyRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	raw, inst, err := s.Credentials.RotateAPIKey(r.Context(), chi.URLParam(r, "code"), actorID(r), req.Force)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"institution_code":   inst.Code,
		"api_key":            raw,
		"api_key_created_at": inst.KeyCreatedAt,
		"is_api_active":      inst.APIActive,
	})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	inst, err := s.Credentials.RevokeAPIKey(r.Context(), chi.URLParam(r, "code"), actorID(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}
