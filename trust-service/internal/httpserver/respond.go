package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/cpass-platform/platform/trust-service/internal/credential"
	"github.com/cpass-platform/platform/trust-service/internal/logger"
	"github.com/cpass-platform/platform/trust-service/internal/service"
	"github.com/cpass-platform/platform/trust-service/internal/store"
	"github.com/cpass-platform/platform/trust-service/internal/trust"
	"github.com/cpass-platform/platform/trust-service/internal/validation"
)

const maxBodyBytes = 64 * 1024

// decodeJSON reads one JSON object. An empty body decodes to the zero value
// when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Message string            `json:"message"`
	Status  int               `json:"status"`
	Code    string            `json:"code,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]errorBody{
		"error": {Message: msg, Status: status, Code: code},
	})
}

// respondServiceError maps domain errors to HTTP responses. Internal error
// text is logged, never returned.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr  *validation.Error
		tverr *trust.ValidationError
	)
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, map[string]errorBody{
			"error": {Message: "validation failed", Status: http.StatusBadRequest, Code: "BAD_REQUEST", Fields: verr.Fields},
		})
	case errors.As(err, &tverr):
		respondJSON(w, http.StatusBadRequest, map[string]errorBody{
			"error": {Message: tverr.Reason, Status: http.StatusBadRequest, Code: "BAD_REQUEST", Fields: map[string]string{tverr.Field: tverr.Reason}},
		})
	case errors.Is(err, service.ErrNotAffiliated):
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Worker not found or not affiliated with your institution")
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", "not found")
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, credential.ErrTokenExpiredOrConsumed):
		respondError(w, http.StatusUnauthorized, "AUTH", "Invalid or expired token")
	case credential.IsAuthError(err):
		respondError(w, http.StatusUnauthorized, "AUTH", "authentication failed")
	case errors.Is(err, service.ErrWebAppNotConfigured):
		respondError(w, http.StatusInternalServerError, "CONFIG", err.Error())
	default:
		logger.FromContext(r.Context()).Error("[httpserver] request failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
