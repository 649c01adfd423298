package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/cpass-platform/platform/trust-service/internal/trust"
)

// Worker is a registered worker together with its trust profile.
type Worker struct {
	ID                 uuid.UUID  `json:"id"`
	TelegramID         int64      `json:"telegram_id"`
	FullName           string     `json:"full_name"`
	PhoneNumber        string     `json:"phone_number"`
	Email              string     `json:"email,omitempty"`
	Location           string     `json:"location,omitempty"`
	WorkStatus         string     `json:"work_status"`
	ClaimedInstitution string     `json:"claimed_institution,omitempty"`
	VerifiedAt         *time.Time `json:"verified_at,omitempty"`
	VerificationNotes  string     `json:"verification_notes,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	trust.Profile
}

// Supervisor rates workers and attests their skills.
type Supervisor struct {
	ID           uuid.UUID `json:"id"`
	TelegramID   int64     `json:"telegram_id"`
	FullName     string    `json:"full_name"`
	Organization string    `json:"organization,omitempty"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// Roles carried by session credentials.
const (
	RoleWorker     = "worker"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
)

// UserProfile is either a Worker or a Supervisor. It is resolved once when
// the user is loaded.
type UserProfile interface {
	ProfileID() uuid.UUID
	Role() string
	DisplayName() string
	userProfile()
}

func (w Worker) ProfileID() uuid.UUID { return w.ID }
func (w Worker) Role() string         { return RoleWorker }
func (w Worker) DisplayName() string  { return w.FullName }
func (Worker) userProfile()           {}

func (s Supervisor) ProfileID() uuid.UUID { return s.ID }
func (s Supervisor) Role() string {
	if s.IsAdmin {
		return RoleAdmin
	}
	return RoleSupervisor
}
func (s Supervisor) DisplayName() string { return s.FullName }
func (Supervisor) userProfile()          {}

// Institution is a training institution with an optional API credential.
type Institution struct {
	ID           uuid.UUID  `json:"id"`
	Code         string     `json:"institution_code"`
	Name         string     `json:"name"`
	KeyHash      string     `json:"-"`
	APIActive    bool       `json:"is_api_active"`
	KeyCreatedAt *time.Time `json:"api_key_created_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// HasActiveKey reports whether a key is currently issued and not revoked.
func (i Institution) HasActiveKey() bool {
	return i.APIActive && i.KeyHash != ""
}

// Rating is a supervisor's score for a worker on a task.
type Rating struct {
	ID           uuid.UUID  `json:"id"`
	WorkerID     uuid.UUID  `json:"worker_id"`
	SupervisorID *uuid.UUID `json:"supervisor_id,omitempty"`
	TaskID       *uuid.UUID `json:"task_id,omitempty"`
	Score        int        `json:"score"`
	Comment      string     `json:"comment,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// WorkerFilter narrows an institution's worker listing.
type WorkerFilter struct {
	Status   trust.VerificationStatus
	Tier     trust.Tier
	Search   string
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	MaxPage         = 100000
)

// Normalize clamps paging to sane bounds.
func (f WorkerFilter) Normalize() WorkerFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

func (f WorkerFilter) Offset() int { return (f.Page - 1) * f.PageSize }

type WorkerPage struct {
	Workers  []Worker `json:"results"`
	Count    int      `json:"count"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
}

// InstitutionStats summarises the workers affiliated with one institution.
type InstitutionStats struct {
	InstitutionCode     string         `json:"institution_code"`
	TotalWorkers        int            `json:"total_workers"`
	ByStatus            map[string]int `json:"by_status"`
	ByTier              map[string]int `json:"by_tier"`
	RecentRegistrations int            `json:"recent_registrations"`
	TotalSkills         int            `json:"total_skills"`
}
