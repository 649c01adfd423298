package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cpass-platform/platform/trust-service/internal/audit"
	"github.com/cpass-platform/platform/trust-service/internal/metrics"
	"github.com/cpass-platform/platform/trust-service/internal/models"
	"github.com/cpass-platform/platform/trust-service/internal/store"
	"github.com/cpass-platform/platform/trust-service/internal/testutil"
	"github.com/cpass-platform/platform/trust-service/internal/trust"
)

func newTrustService(t *testing.T) (*TrustService, *testutil.MemoryStore, *audit.MemoryRecorder) {
	t.Helper()
	engine, err := trust.NewEngine(trust.DefaultPolicy(trust.DefaultThresholds()))
	require.NoError(t, err)
	mem := testutil.NewMemoryStore()
	rec := &audit.MemoryRecorder{}
	return NewTrustService(mem, engine, rec, metrics.New()), mem, rec
}

func TestRecordRatingAndTasks(t *testing.T) {
	svc, mem, rec := newTrustService(t)
	ctx := context.Background()
	w := mem.AddWorker(models.Worker{FullName: "Amina"})
	sup := uuid.New()

	for _, score := range []int{5, 4} {
		_, err := svc.RecordRating(ctx, RatingInput{WorkerID: w.ID, SupervisorID: &sup, Score: score})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := svc.RecordTaskEvent(ctx, w.ID, trust.TaskAssigned, sup.String())
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := svc.RecordTaskEvent(ctx, w.ID, trust.TaskCompleted, sup.String())
		require.NoError(t, err)
	}

	got, err := svc.GetProfile(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("4.5").Equal(got.AverageRating))
	assert.True(t, decimal.RequireFromString("66.67").Equal(got.CompletionRate))
	assert.True(t, decimal.RequireFromString("96.67").Equal(got.ReputationScore), got.ReputationScore.String())
	assert.Len(t, mem.RatingsFor(w.ID), 2)
	assert.Equal(t, &sup, mem.RatingsFor(w.ID)[0].SupervisorID)

	types := rec.Types()
	assert.Equal(t, audit.EventRatingApplied, types[0])
	assert.Equal(t, audit.EventTaskRecorded, types[len(types)-1])
	assert.Len(t, types, 7)
}

func TestRecordRatingRejectsOutOfRange(t *testing.T) {
	svc, mem, rec := newTrustService(t)
	w := mem.AddWorker(models.Worker{FullName: "Brian"})

	_, err := svc.RecordRating(context.Background(), RatingInput{WorkerID: w.ID, Score: 6})
	var verr *trust.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Empty(t, mem.RatingsFor(w.ID), "nothing is persisted on validation failure")
	assert.Empty(t, rec.Events())
}

func TestRecordTaskCompletionBeyondAssignment(t *testing.T) {
	svc, mem, _ := newTrustService(t)
	w := mem.AddWorker(models.Worker{FullName: "Chen"})

	_, err := svc.RecordTaskEvent(context.Background(), w.ID, trust.TaskCompleted, "")
	var verr *trust.ValidationError
	assert.True(t, errors.As(err, &verr))

	stored, _ := mem.GetWorker(context.Background(), w.ID)
	assert.Equal(t, 0, stored.TasksCompleted)
}

func TestRecordRatingUnknownWorker(t *testing.T) {
	svc, _, _ := newTrustService(t)
	_, err := svc.RecordRating(context.Background(), RatingInput{WorkerID: uuid.New(), Score: 3})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentRatingsAreSerialized(t *testing.T) {
	svc, mem, _ := newTrustService(t)
	w := mem.AddWorker(models.Worker{FullName: "Dana"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(score int) {
			defer wg.Done()
			_, err := svc.RecordRating(context.Background(), RatingInput{WorkerID: w.ID, Score: score})
			assert.NoError(t, err)
		}(i%5 + 1)
	}
	wg.Wait()

	got, err := svc.GetProfile(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Len(t, mem.RatingsFor(w.ID), 20)
	assert.True(t, decimal.NewFromInt(3).Equal(got.AverageRating), got.AverageRating.String())
}

func TestVerifySkillEscalatesAndCredits(t *testing.T) {
	svc, mem, rec := newTrustService(t)
	ctx := context.Background()
	skills := []trust.Skill{
		{Name: "Welding", Tier: trust.TierBronze, Source: trust.SourceSelfReported},
		{Name: "Plumbing", Tier: trust.TierGold, Source: trust.SourceTVET, Credibility: 80},
		{Name: "Masonry", Tier: trust.TierGold, Source: trust.SourceTVET, Credibility: 80},
	}
	w := mem.AddWorker(models.Worker{FullName: "Esther"}, skills...)
	welding := mem.Skills[w.ID][0].ID

	view, err := svc.VerifySkill(ctx, w.ID, welding, trust.Evidence{Source: trust.SourceTVET, Credibility: 90}, "sup")
	require.NoError(t, err)
	assert.Equal(t, trust.TierGold, view.Tier)
	assert.Equal(t, 10, view.TrustScore)
	assert.Equal(t, 100, view.TotalPoints)
	assert.Equal(t, 3, view.SkillTierCounts[trust.TierGold])
	assert.Equal(t, trust.TierGold, view.Skills[0].Tier)

	stored, err := mem.ListSkills(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, trust.SourceTVET, stored[0].Source)
	assert.Equal(t, []string{audit.EventSkillVerified}, rec.Types())

	// Re-verifying at the same tier credits nothing.
	view, err = svc.VerifySkill(ctx, w.ID, welding, trust.Evidence{Source: trust.SourceTVET, Credibility: 95}, "sup")
	require.NoError(t, err)
	assert.Equal(t, 10, view.TrustScore)
}

func TestVerifySkillRejectsDowngradeAndUnknownSkill(t *testing.T) {
	svc, mem, _ := newTrustService(t)
	ctx := context.Background()
	w := mem.AddWorker(models.Worker{FullName: "Faith"},
		trust.Skill{Name: "Tiling", Tier: trust.TierGold, Source: trust.SourceTVET, Credibility: 80})
	skillID := mem.Skills[w.ID][0].ID

	_, err := svc.VerifySkill(ctx, w.ID, skillID, trust.Evidence{Source: trust.SourceSelfReported}, "")
	var verr *trust.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = svc.VerifySkill(ctx, w.ID, uuid.New(), trust.Evidence{Source: trust.SourceTVET, Credibility: 80}, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// MockWorkerStore lets tests fail the store at chosen points.
type MockWorkerStore struct {
	mock.Mock
}

func (m *MockWorkerStore) GetWorker(ctx context.Context, id uuid.UUID) (models.Worker, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.Worker), args.Error(1)
}
func (m *MockWorkerStore) ListSkills(ctx context.Context, workerID uuid.UUID) ([]trust.Skill, error) {
	args := m.Called(ctx, workerID)
	return args.Get(0).([]trust.Skill), args.Error(1)
}
func (m *MockWorkerStore) UpdateWorker(ctx context.Context, id uuid.UUID, fn func(*store.WorkerState) error) (models.Worker, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.Worker), args.Error(1)
}
func (m *MockWorkerStore) ListInstitutionWorkers(ctx context.Context, code string, f models.WorkerFilter) (models.WorkerPage, error) {
	args := m.Called(ctx, code, f)
	return args.Get(0).(models.WorkerPage), args.Error(1)
}
func (m *MockWorkerStore) InstitutionStats(ctx context.Context, code string, since time.Time) (models.InstitutionStats, error) {
	args := m.Called(ctx, code, since)
	return args.Get(0).(models.InstitutionStats), args.Error(1)
}

func TestStoreFailuresPropagateWithoutAudit(t *testing.T) {
	engine, err := trust.NewEngine(trust.DefaultPolicy(trust.DefaultThresholds()))
	require.NoError(t, err)
	st := new(MockWorkerStore)
	rec := &audit.MemoryRecorder{}
	svc := NewTrustService(st, engine, rec, nil)
	id := uuid.New()
	dbErr := errors.New("connection reset")

	st.On("UpdateWorker", mock.Anything, id).Return(models.Worker{}, dbErr)
	st.On("GetWorker", mock.Anything, id).Return(models.Worker{ID: id}, nil)
	st.On("ListSkills", mock.Anything, id).Return([]trust.Skill(nil), dbErr)

	_, err = svc.RecordRating(context.Background(), RatingInput{WorkerID: id, Score: 4})
	assert.ErrorIs(t, err, dbErr)
	_, err = svc.RecordTaskEvent(context.Background(), id, trust.TaskAssigned, "")
	assert.ErrorIs(t, err, dbErr)
	_, err = svc.GetProfile(context.Background(), id)
	assert.ErrorIs(t, err, dbErr)

	assert.Empty(t, rec.Events())
	st.AssertExpectations(t)
}
