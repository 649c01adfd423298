package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cpass-platform/platform/trust-service/internal/credential"
	"github.com/cpass-platform/platform/trust-service/internal/service"
)

type generateTokenRequest struct {
	// Bots send the id as a string or a number.
	TelegramID  json.Number `json:"telegram_id" validate:"required"`
	PhoneNumber string      `json:"phone_number" validate:"omitempty,max=32"`
}

func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	var req generateTokenRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	telegramID, err := strconv.ParseInt(req.TelegramID.String(), 10, 64)
	if err != nil || telegramID <= 0 {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "telegram_id must be a positive integer")
		return
	}
	tok, err := s.Credentials.IssueLoginToken(r.Context(), telegramID, req.PhoneNumber)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tok)
}

type telegramAuthRequest struct {
	Token    string `json:"token"`
	InitData string `json:"init_data"`
}

func (s *Server) handleTelegramAuth(w http.ResponseWriter, r *http.Request) {
	var req telegramAuthRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	if req.Token != "" {
		res, err := s.Credentials.ExchangeLoginToken(r.Context(), req.Token)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, res)
		return
	}

	if req.InitData == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "Either token or init_data is required")
		return
	}
	res, err := s.Credentials.LoginWithWebApp(r.Context(), req.InitData)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNoWebAppUser):
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		case credential.IsAuthError(err):
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid Telegram data: "+err.Error())
		default:
			respondServiceError(w, r, err)
		}
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type validateWebAppRequest struct {
	InitData string `json:"init_data" validate:"required"`
}

func (s *Server) handleValidateWebApp(w http.ResponseWriter, r *http.Request) {
	var req validateWebAppRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.InitData == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "init_data is required")
		return
	}
	data, err := s.Credentials.ValidateWebApp(r.Context(), req.InitData)
	if err != nil {
		if credential.IsAuthError(err) {
			respondJSON(w, http.StatusBadRequest, map[string]interface{}{
				"valid": false,
				"error": "Telegram data validation failed: " + err.Error(),
			})
			return
		}
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"valid":     true,
		"user":      data.User,
		"auth_date": data.Fields["auth_date"],
	})
}
