package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cpass-platform/platform/trust-service/internal/models"
	"github.com/cpass-platform/platform/trust-service/internal/trust"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// WorkerState is the worker row plus everything the trust engine needs,
// loaded under a row lock by UpdateWorker.
type WorkerState struct {
	Worker  models.Worker
	Skills  []trust.Skill
	Ratings []int

	// Mutations to persist along with the worker row.
	NewRating     *models.Rating
	ChangedSkills []trust.Skill
}

// WorkerStore persists workers, their skills and their ratings.
type WorkerStore interface {
	GetWorker(ctx context.Context, id uuid.UUID) (models.Worker, error)
	ListSkills(ctx context.Context, workerID uuid.UUID) ([]trust.Skill, error)

	// UpdateWorker loads the worker, its skills and its rating history, calls
	// fn, and persists the result atomically. Concurrent updates of the same
	// worker are serialized. If fn returns an error nothing is written.
	UpdateWorker(ctx context.Context, id uuid.UUID, fn func(*WorkerState) error) (models.Worker, error)

	ListInstitutionWorkers(ctx context.Context, code string, f models.WorkerFilter) (models.WorkerPage, error)
	InstitutionStats(ctx context.Context, code string, since time.Time) (models.InstitutionStats, error)
}

// InstitutionStore persists institutions and their API credentials.
type InstitutionStore interface {
	GetInstitution(ctx context.Context, code string) (models.Institution, error)
	// SetAPIKey stores keyHash and marks the key active. An active key is
	// only replaced when replaceActive is set; otherwise ErrConflict. The
	// check and the write are one atomic step.
	SetAPIKey(ctx context.Context, code, keyHash string, at time.Time, replaceActive bool) (models.Institution, error)
	RevokeAPIKey(ctx context.Context, code string) (models.Institution, error)
}

// ProfileStore resolves a chat-platform identity to a user profile.
type ProfileStore interface {
	GetUserProfileByTelegramID(ctx context.Context, telegramID int64) (models.UserProfile, error)
}

type Store interface {
	WorkerStore
	InstitutionStore
	ProfileStore
	Ping(ctx context.Context) error
}
