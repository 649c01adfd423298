package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cpass-platform/platform/trust-service/internal/auth"
	"github.com/cpass-platform/platform/trust-service/internal/models"
	"github.com/cpass-platform/platform/trust-service/internal/service"
	"github.com/cpass-platform/platform/trust-service/internal/trust"
)

func workerIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid worker id")
		return uuid.Nil, false
	}
	return id, true
}

// handleGetTrust serves supervisors, admins and the worker itself.
func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	id, ok := workerIDParam(w, r)
	if !ok {
		return
	}
	ai := auth.FromContext(r.Context())
	if !auth.HasRole(ai, models.RoleSupervisor, models.RoleAdmin) && (ai == nil || ai.Subject != id) {
		respondError(w, http.StatusForbidden, "FORBIDDEN", "forbidden")
		return
	}
	view, err := s.Trust.GetProfile(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

type ratingRequest struct {
	Score   int    `json:"score" validate:"required,min=1,max=5"`
	TaskID  string `json:"task_id" validate:"omitempty,uuid"`
	Comment string `json:"comment" validate:"max=1000"`
}

func (s *Server) handleRecordRating(w http.ResponseWriter, r *http.Request) {
	id, ok := workerIDParam(w, r)
	if !ok {
		return
	}
	var req ratingRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	in := service.RatingInput{WorkerID: id, Score: req.Score, Comment: req.Comment}
	if ai := auth.FromContext(r.Context()); ai != nil {
		sup := ai.Subject
		in.SupervisorID = &sup
	}
	if req.TaskID != "" {
		taskID := uuid.MustParse(req.TaskID)
		in.TaskID = &taskID
	}
	worker, err := s.Trust.RecordRating(r.Context(), in)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, worker)
}

type taskEventRequest struct {
	Event string `json:"event" validate:"required,oneof=assigned completed"`
}

func (s *Server) handleRecordTask(w http.ResponseWriter, r *http.Request) {
	id, ok := workerIDParam(w, r)
	if !ok {
		return
	}
	var req taskEventRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	worker, err := s.Trust.RecordTaskEvent(r.Context(), id, trust.TaskEvent(req.Event), actorID(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, worker)
}

type verifySkillRequest struct {
	Source      string `json:"source" validate:"required,trust_source"`
	Credibility int    `json:"credibility" validate:"gte=0,lte=100"`
}

func (s *Server) handleVerifySkill(w http.ResponseWriter, r *http.Request) {
	id, ok := workerIDParam(w, r)
	if !ok {
		return
	}
	skillID, err := uuid.Parse(chi.URLParam(r, "skillID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid skill id")
		return
	}
	var req verifySkillRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	view, err := s.Trust.VerifySkill(r.Context(), id, skillID, trust.Evidence{
		Source:      trust.Source(req.Source),
		Credibility: req.Credibility,
	}, actorID(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func actorID(r *http.Request) string {
	if ai := auth.FromContext(r.Context()); ai != nil {
		return ai.Subject.String()
	}
	return ""
}
