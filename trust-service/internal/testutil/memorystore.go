package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cpass-platform/platform/trust-service/internal/models"
	"github.com/cpass-platform/platform/trust-service/internal/store"
	"github.com/cpass-platform/platform/trust-service/internal/trust"
)

// MemoryStore is a lightweight in-memory implementation of store.Store used by tests.
type MemoryStore struct {
	mu sync.Mutex

	Workers      map[uuid.UUID]models.Worker
	Skills       map[uuid.UUID][]trust.Skill
	Ratings      map[uuid.UUID][]models.Rating
	Supervisors  map[uuid.UUID]models.Supervisor
	Institutions map[string]models.Institution

	// NowFunc allows tests to control timestamps.
	NowFunc func() time.Time
}

// NewMemoryStore returns a MemoryStore with empty state.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Workers:      make(map[uuid.UUID]models.Worker),
		Skills:       make(map[uuid.UUID][]trust.Skill),
		Ratings:      make(map[uuid.UUID][]models.Rating),
		Supervisors:  make(map[uuid.UUID]models.Supervisor),
		Institutions: make(map[string]models.Institution),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (m *MemoryStore) now() time.Time {
	if m.NowFunc != nil {
		return m.NowFunc()
	}
	return time.Now().UTC()
}

// --- seeding helpers ---

// AddWorker stores w, filling in registration defaults for unset profile fields.
func (m *MemoryStore) AddWorker(w models.Worker, skills ...trust.Skill) models.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	fresh := trust.NewProfile()
	if w.SkillTierCounts == nil {
		w.SkillTierCounts = fresh.SkillTierCounts
	}
	if w.Tier == "" {
		w.Tier = fresh.Tier
	}
	if w.VerificationStatus == "" {
		w.VerificationStatus = fresh.VerificationStatus
	}
	for i := range skills {
		if skills[i].ID == uuid.Nil {
			skills[i].ID = uuid.New()
		}
	}
	if len(skills) > 0 {
		w.SkillTierCounts = trust.AggregateSkillTiers(skills)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = m.now()
	}
	w.UpdatedAt = w.CreatedAt
	m.Workers[w.ID] = w
	m.Skills[w.ID] = append([]trust.Skill(nil), skills...)
	return w
}

func (m *MemoryStore) AddSupervisor(s models.Supervisor) models.Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	m.Supervisors[s.ID] = s
	return s
}

func (m *MemoryStore) AddInstitution(inst models.Institution) models.Institution {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = m.now()
	}
	m.Institutions[inst.Code] = inst
	return inst
}

// --- store.Store implementation ---

func (m *MemoryStore) GetWorker(ctx context.Context, id uuid.UUID) (models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Workers[id]
	if !ok {
		return models.Worker{}, store.ErrNotFound
	}
	return w, nil
}

func (m *MemoryStore) ListSkills(ctx context.Context, workerID uuid.UUID) ([]trust.Skill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]trust.Skill(nil), m.Skills[workerID]...), nil
}

func (m *MemoryStore) UpdateWorker(ctx context.Context, id uuid.UUID, fn func(*store.WorkerState) error) (models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Workers[id]
	if !ok {
		return models.Worker{}, store.ErrNotFound
	}
	scores := make([]int, 0, len(m.Ratings[id]))
	for _, r := range m.Ratings[id] {
		scores = append(scores, r.Score)
	}
	state := &store.WorkerState{
		Worker:  w,
		Skills:  append([]trust.Skill(nil), m.Skills[id]...),
		Ratings: scores,
	}
	if err := fn(state); err != nil {
		return models.Worker{}, err
	}

	skills := append([]trust.Skill(nil), m.Skills[id]...)
	for _, changed := range state.ChangedSkills {
		found := false
		for i := range skills {
			if skills[i].ID == changed.ID {
				skills[i] = changed
				found = true
			}
		}
		if !found {
			return models.Worker{}, store.ErrNotFound
		}
	}

	out := state.Worker
	out.ID = id
	out.UpdatedAt = m.now()
	if r := state.NewRating; r != nil {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		r.WorkerID = id
		if r.CreatedAt.IsZero() {
			r.CreatedAt = out.UpdatedAt
		}
		m.Ratings[id] = append(m.Ratings[id], *r)
	}
	m.Skills[id] = skills
	m.Workers[id] = out
	return out, nil
}

func (m *MemoryStore) ListInstitutionWorkers(ctx context.Context, code string, f models.WorkerFilter) (models.WorkerPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f = f.Normalize()
	search := strings.ToLower(f.Search)

	var matched []models.Worker
	for _, w := range m.Workers {
		if w.ClaimedInstitution != code {
			continue
		}
		if f.Status != "" && w.VerificationStatus != f.Status {
			continue
		}
		if f.Tier != "" && w.Tier != f.Tier {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(w.FullName), search) &&
			!strings.Contains(strings.ToLower(w.PhoneNumber), search) &&
			!strings.Contains(strings.ToLower(w.Email), search) {
			continue
		}
		matched = append(matched, w)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := models.WorkerPage{Workers: []models.Worker{}, Count: len(matched), Page: f.Page, PageSize: f.PageSize}
	start := f.Offset()
	if start < len(matched) {
		end := start + f.PageSize
		if end > len(matched) {
			end = len(matched)
		}
		page.Workers = append(page.Workers, matched[start:end]...)
	}
	return page, nil
}

func (m *MemoryStore) InstitutionStats(ctx context.Context, code string, since time.Time) (models.InstitutionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := models.InstitutionStats{
		InstitutionCode: code,
		ByStatus:        map[string]int{},
		ByTier:          map[string]int{},
	}
	for _, w := range m.Workers {
		if w.ClaimedInstitution != code {
			continue
		}
		stats.TotalWorkers++
		stats.ByStatus[string(w.VerificationStatus)]++
		stats.ByTier[string(w.Tier)]++
		if !w.CreatedAt.Before(since) {
			stats.RecentRegistrations++
		}
		stats.TotalSkills += len(m.Skills[w.ID])
	}
	return stats, nil
}

func (m *MemoryStore) GetInstitution(ctx context.Context, code string) (models.Institution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.Institutions[code]
	if !ok {
		return models.Institution{}, store.ErrNotFound
	}
	return inst, nil
}

func (m *MemoryStore) SetAPIKey(ctx context.Context, code, keyHash string, at time.Time, replaceActive bool) (models.Institution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.Institutions[code]
	if !ok {
		return models.Institution{}, store.ErrNotFound
	}
	if inst.HasActiveKey() && !replaceActive {
		return models.Institution{}, store.ErrConflict
	}
	inst.KeyHash = keyHash
	inst.APIActive = true
	inst.KeyCreatedAt = &at
	m.Institutions[code] = inst
	return inst, nil
}

func (m *MemoryStore) RevokeAPIKey(ctx context.Context, code string) (models.Institution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.Institutions[code]
	if !ok {
		return models.Institution{}, store.ErrNotFound
	}
	inst.APIActive = false
	m.Institutions[code] = inst
	return inst, nil
}

func (m *MemoryStore) GetUserProfileByTelegramID(ctx context.Context, telegramID int64) (models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.Workers {
		if w.TelegramID == telegramID {
			return w, nil
		}
	}
	for _, s := range m.Supervisors {
		if s.TelegramID == telegramID {
			return s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// RatingsFor returns the stored ratings of a worker.
func (m *MemoryStore) RatingsFor(id uuid.UUID) []models.Rating {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Rating(nil), m.Ratings[id]...)
}
