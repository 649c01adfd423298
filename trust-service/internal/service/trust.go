package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cpass-platform/platform/trust-service/internal/audit"
	"github.com/cpass-platform/platform/trust-service/internal/metrics"
	"github.com/cpass-platform/platform/trust-service/internal/models"
	"github.com/cpass-platform/platform/trust-service/internal/store"
	"github.com/cpass-platform/platform/trust-service/internal/trust"
)

// TrustService applies trust events to worker profiles. Every mutation loads
// the worker under lock, runs the pure engine, persists the result, then
// records an audit event.
type TrustService struct {
	store   store.WorkerStore
	engine  *trust.Engine
	audit   audit.Recorder
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewTrustService(st store.WorkerStore, engine *trust.Engine, rec audit.Recorder, m *metrics.Metrics) *TrustService {
	if rec == nil {
		rec = audit.Discard
	}
	return &TrustService{
		store:   st,
		engine:  engine,
		audit:   rec,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type RatingInput struct {
	WorkerID     uuid.UUID
	SupervisorID *uuid.UUID
	TaskID       *uuid.UUID
	Score        int
	Comment      string
}

// ProfileView is a worker with its skills.
type ProfileView struct {
	models.Worker
	Skills []trust.Skill `json:"skills"`
}

func (s *TrustService) RecordRating(ctx context.Context, in RatingInput) (models.Worker, error) {
	w, err := s.store.UpdateWorker(ctx, in.WorkerID, func(st *store.WorkerState) error {
		p, err := s.engine.ApplyRating(st.Worker.Profile, st.Ratings, in.Score)
		if err != nil {
			return err
		}
		st.Worker.Profile = p
		st.NewRating = &models.Rating{
			ID:           uuid.New(),
			WorkerID:     in.WorkerID,
			SupervisorID: in.SupervisorID,
			TaskID:       in.TaskID,
			Score:        in.Score,
			Comment:      in.Comment,
			CreatedAt:    s.now(),
		}
		return nil
	})
	s.metrics.TrustEvent("rating", err)
	if err != nil {
		return models.Worker{}, err
	}

	actor := ""
	if in.SupervisorID != nil {
		actor = in.SupervisorID.String()
	}
	payload := map[string]interface{}{
		"score":            in.Score,
		"average_rating":   w.AverageRating.String(),
		"reputation_score": w.ReputationScore.String(),
	}
	if in.TaskID != nil {
		payload["task_id"] = in.TaskID.String()
	}
	s.audit.Record(ctx, audit.NewEvent(audit.EventRatingApplied, w.ID.String(), actor, payload))
	s.metrics.ObserveReputation(w.ReputationScore)
	return w, nil
}

func (s *TrustService) RecordTaskEvent(ctx context.Context, workerID uuid.UUID, ev trust.TaskEvent, actor string) (models.Worker, error) {
	w, err := s.store.UpdateWorker(ctx, workerID, func(st *store.WorkerState) error {
		p, err := s.engine.ApplyTaskEvent(st.Worker.Profile, ev)
		if err != nil {
			return err
		}
		st.Worker.Profile = p
		return nil
	})
	s.metrics.TrustEvent("task", err)
	if err != nil {
		return models.Worker{}, err
	}

	s.audit.Record(ctx, audit.NewEvent(audit.EventTaskRecorded, w.ID.String(), actor, map[string]interface{}{
		"event":            string(ev),
		"tasks_assigned":   w.TasksAssigned,
		"tasks_completed":  w.TasksCompleted,
		"completion_rate":  w.CompletionRate.String(),
		"reputation_score": w.ReputationScore.String(),
	}))
	s.metrics.ObserveReputation(w.ReputationScore)
	return w, nil
}

// VerifySkill reclassifies one of the worker's skills from new evidence.
func (s *TrustService) VerifySkill(ctx context.Context, workerID, skillID uuid.UUID, ev trust.Evidence, actor string) (ProfileView, error) {
	var (
		before, after trust.Skill
		skills        []trust.Skill
	)
	w, err := s.store.UpdateWorker(ctx, workerID, func(st *store.WorkerState) error {
		idx := -1
		for i, sk := range st.Skills {
			if sk.ID == skillID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("skill %s: %w", skillID, store.ErrNotFound)
		}
		p, updated, err := s.engine.ApplySkillVerification(st.Worker.Profile, st.Skills, idx, ev)
		if err != nil {
			return err
		}
		before, after = st.Skills[idx], updated[idx]
		skills = updated
		st.Worker.Profile = p
		st.ChangedSkills = []trust.Skill{after}
		return nil
	})
	s.metrics.TrustEvent("skill_verification", err)
	if err != nil {
		return ProfileView{}, err
	}

	if after.Tier.Rank() > before.Tier.Rank() {
		s.metrics.Escalation(string(after.Tier))
	}
	s.audit.Record(ctx, audit.NewEvent(audit.EventSkillVerified, w.ID.String(), actor, map[string]interface{}{
		"skill_id":     skillID.String(),
		"source":       string(after.Source),
		"credibility":  after.Credibility,
		"from_tier":    string(before.Tier),
		"to_tier":      string(after.Tier),
		"worker_tier":  string(w.Tier),
		"trust_score":  w.TrustScore,
		"total_points": w.TotalPoints,
	}))
	return ProfileView{Worker: w, Skills: skills}, nil
}

// GetProfile loads a worker with its skills and re-derives the computed
// scores from the stored counters.
func (s *TrustService) GetProfile(ctx context.Context, workerID uuid.UUID) (ProfileView, error) {
	w, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return ProfileView{}, err
	}
	skills, err := s.store.ListSkills(ctx, workerID)
	if err != nil {
		return ProfileView{}, err
	}
	p, err := trust.Recompute(w.Profile)
	if err != nil {
		return ProfileView{}, err
	}
	w.Profile = p
	return ProfileView{Worker: w, Skills: skills}, nil
}
