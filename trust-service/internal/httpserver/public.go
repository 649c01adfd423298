package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cpass-platform/platform/trust-service/internal/auth"
	"github.com/cpass-platform/platform/trust-service/internal/models"
	"github.com/cpass-platform/platform/trust-service/internal/service"
	"github.com/cpass-platform/platform/trust-service/internal/trust"
)

type listFilterQuery struct {
	Status string `json:"status" validate:"omitempty,oneof=pending verified rejected revoked"`
	Tier   string `json:"tier" validate:"trust_tier"`
}

func (s *Server) handleListAffiliated(w http.ResponseWriter, r *http.Request) {
	inst, _ := auth.InstitutionFromContext(r.Context())
	q := r.URL.Query()
	fq := listFilterQuery{Status: q.Get("status"), Tier: q.Get("tier")}
	if err := s.validate.Struct(fq); err != nil {
		respondServiceError(w, r, err)
		return
	}
	f := models.WorkerFilter{
		Status: trust.VerificationStatus(fq.Status),
		Tier:   trust.Tier(fq.Tier),
		Search: q.Get("search"),
	}
	var err error
	if f.Page, err = queryInt(q.Get("page")); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "page must be an integer")
		return
	}
	if f.PageSize, err = queryInt(q.Get("page_size")); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "page_size must be an integer")
		return
	}

	page, err := s.Affiliations.ListWorkers(r.Context(), inst, f)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	pages := 0
	if page.PageSize > 0 {
		pages = (page.Count + page.PageSize - 1) / page.PageSize
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"workers": page.Workers,
		"total":   page.Count,
		"page":    page.Page,
		"pages":   pages,
		"institution": map[string]string{
			"code": inst.Code,
			"name": inst.Name,
		},
	})
}

func (s *Server) handleAffiliatedDetail(w http.ResponseWriter, r *http.Request) {
	inst, _ := auth.InstitutionFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid worker id")
		return
	}
	view, err := s.Affiliations.WorkerDetail(r.Context(), inst, id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleInstitutionStats(w http.ResponseWriter, r *http.Request) {
	inst, _ := auth.InstitutionFromContext(r.Context())
	stats, err := s.Affiliations.Stats(r.Context(), inst)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"institution": map[string]string{
			"code": inst.Code,
			"name": inst.Name,
		},
		"total_workers":        stats.TotalWorkers,
		"by_status":            stats.ByStatus,
		"by_tier":              stats.ByTier,
		"recent_registrations": stats.RecentRegistrations,
		"total_skills":         stats.TotalSkills,
	})
}

type verifyAffiliationRequest struct {
	Action string `json:"action" validate:"required,oneof=verify reject revoke"`
	Notes  string `json:"notes" validate:"max=2000"`
}

func (s *Server) handleVerifyAffiliation(w http.ResponseWriter, r *http.Request) {
	inst, _ := auth.InstitutionFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid worker id")
		return
	}
	var req verifyAffiliationRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	action := service.AffiliationAction(req.Action)
	worker, err := s.Affiliations.Verify(r.Context(), inst, id, action, req.Notes)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":                  worker.ID,
		"full_name":           worker.FullName,
		"verification_status": worker.VerificationStatus,
		"verified_at":         worker.VerifiedAt,
		"verification_notes":  worker.VerificationNotes,
		"message":             "Worker affiliation " + string(action) + "d successfully",
	})
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
