package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cpass-platform/platform/trust-service/internal/audit"
	"github.com/cpass-platform/platform/trust-service/internal/models"
	"github.com/cpass-platform/platform/trust-service/internal/store"
	"github.com/cpass-platform/platform/trust-service/internal/trust"
)

// ErrNotAffiliated is returned for workers outside the calling institution.
// It wraps store.ErrNotFound so other institutions' workers stay indistinguishable from missing ones.
var ErrNotAffiliated = fmt.Errorf("worker not found or not affiliated with your institution: %w", store.ErrNotFound)

const recentRegistrationWindow = 30 * 24 * time.Hour

type AffiliationAction string

const (
	ActionVerify AffiliationAction = "verify"
	ActionReject AffiliationAction = "reject"
	ActionRevoke AffiliationAction = "revoke"
)

// AffiliationService serves institutions their affiliated workers.
type AffiliationService struct {
	store store.WorkerStore
	audit audit.Recorder
	now   func() time.Time
}

func NewAffiliationService(st store.WorkerStore, rec audit.Recorder) *AffiliationService {
	if rec == nil {
		rec = audit.Discard
	}
	return &AffiliationService{
		store: st,
		audit: rec,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *AffiliationService) ListWorkers(ctx context.Context, inst models.Institution, f models.WorkerFilter) (models.WorkerPage, error) {
	if f.Status != "" && !f.Status.Valid() {
		return models.WorkerPage{}, &trust.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)}
	}
	if f.Tier != "" && !f.Tier.Valid() {
		return models.WorkerPage{}, &trust.ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", f.Tier)}
	}
	return s.store.ListInstitutionWorkers(ctx, inst.Code, f.Normalize())
}

func (s *AffiliationService) WorkerDetail(ctx context.Context, inst models.Institution, workerID uuid.UUID) (ProfileView, error) {
	w, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ProfileView{}, ErrNotAffiliated
		}
		return ProfileView{}, err
	}
	if w.ClaimedInstitution != inst.Code {
		return ProfileView{}, ErrNotAffiliated
	}
	skills, err := s.store.ListSkills(ctx, workerID)
	if err != nil {
		return ProfileView{}, err
	}
	return ProfileView{Worker: w, Skills: skills}, nil
}

// Stats reports every status and tier, zero counts included.
func (s *AffiliationService) Stats(ctx context.Context, inst models.Institution) (models.InstitutionStats, error) {
	stats, err := s.store.InstitutionStats(ctx, inst.Code, s.now().Add(-recentRegistrationWindow))
	if err != nil {
		return models.InstitutionStats{}, err
	}
	byStatus := map[string]int{}
	for _, st := range []trust.VerificationStatus{trust.StatusPending, trust.StatusVerified, trust.StatusRejected, trust.StatusRevoked} {
		byStatus[string(st)] = stats.ByStatus[string(st)]
	}
	byTier := map[string]int{}
	for _, t := range trust.Tiers {
		byTier[string(t)] = stats.ByTier[string(t)]
	}
	stats.InstitutionCode = inst.Code
	stats.ByStatus = byStatus
	stats.ByTier = byTier
	return stats, nil
}

// Verify changes a worker's affiliation status. Verifying stamps verified_at,
// rejecting clears it, revoking keeps it. Non-empty notes replace the
// stored notes.
func (s *AffiliationService) Verify(ctx context.Context, inst models.Institution, workerID uuid.UUID, action AffiliationAction, notes string) (models.Worker, error) {
	var status trust.VerificationStatus
	switch action {
	case ActionVerify:
		status = trust.StatusVerified
	case ActionReject:
		status = trust.StatusRejected
	case ActionRevoke:
		status = trust.StatusRevoked
	default:
		return models.Worker{}, &trust.ValidationError{Field: "action", Reason: "must be verify, reject, or revoke"}
	}

	var previous trust.VerificationStatus
	w, err := s.store.UpdateWorker(ctx, workerID, func(st *store.WorkerState) error {
		if st.Worker.ClaimedInstitution != inst.Code {
			return ErrNotAffiliated
		}
		previous = st.Worker.VerificationStatus
		st.Worker.VerificationStatus = status
		switch action {
		case ActionVerify:
			now := s.now()
			st.Worker.VerifiedAt = &now
		case ActionReject:
			st.Worker.VerifiedAt = nil
		}
		if notes != "" {
			st.Worker.VerificationNotes = notes
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Worker{}, ErrNotAffiliated
		}
		return models.Worker{}, err
	}

	s.audit.Record(ctx, audit.NewEvent(audit.EventAffiliationChanged, w.ID.String(), inst.Code, map[string]interface{}{
		"action": string(action),
		"from":   string(previous),
		"to":     string(status),
	}))
	return w, nil
}
