package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cpass-platform/platform/trust-service/internal/models"
	"github.com/cpass-platform/platform/trust-service/internal/trust"
)

// PGStore implements Store on Postgres (lib/pq).
type PGStore struct {
	db *sql.DB

	// NowFunc stamps updated_at; replaceable in tests.
	NowFunc func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, NowFunc: func() time.Time { return time.Now().UTC() }}
}

const workerColumns = `id, telegram_id, full_name, phone_number, email, location, work_status,
	claimed_institution, verified_at, verification_notes, created_at, updated_at,
	tier, trust_score, total_points, bronze_skills, silver_skills, gold_skills, platinum_skills,
	average_rating, total_tasks_completed, total_tasks_assigned, completion_rate, reputation,
	verification_status`

const institutionColumns = `id, institution_code, name, api_key_hash, is_api_active, api_key_created_at, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorker(row rowScanner) (models.Worker, error) {
	var (
		w              models.Worker
		claimed, notes sql.NullString
		verifiedAt     sql.NullTime
		bronze, silver int
		gold, platinum int
		tier, status   string
	)
	err := row.Scan(
		&w.ID, &w.TelegramID, &w.FullName, &w.PhoneNumber, &w.Email, &w.Location, &w.WorkStatus,
		&claimed, &verifiedAt, &notes, &w.CreatedAt, &w.UpdatedAt,
		&tier, &w.TrustScore, &w.TotalPoints, &bronze, &silver, &gold, &platinum,
		&w.AverageRating, &w.TasksCompleted, &w.TasksAssigned, &w.CompletionRate, &w.ReputationScore,
		&status,
	)
	if err != nil {
		return models.Worker{}, err
	}
	w.ClaimedInstitution = claimed.String
	w.VerificationNotes = notes.String
	if verifiedAt.Valid {
		t := verifiedAt.Time
		w.VerifiedAt = &t
	}
	w.Tier = trust.Tier(tier)
	w.VerificationStatus = trust.VerificationStatus(status)
	w.SkillTierCounts = map[trust.Tier]int{
		trust.TierBronze:   bronze,
		trust.TierSilver:   silver,
		trust.TierGold:     gold,
		trust.TierPlatinum: platinum,
	}
	return w, nil
}

func scanInstitution(row rowScanner) (models.Institution, error) {
	var (
		inst      models.Institution
		keyHash   sql.NullString
		createdAt sql.NullTime
	)
	if err := row.Scan(&inst.ID, &inst.Code, &inst.Name, &keyHash, &inst.APIActive, &createdAt, &inst.CreatedAt); err != nil {
		return models.Institution{}, err
	}
	inst.KeyHash = keyHash.String
	if createdAt.Valid {
		t := createdAt.Time
		inst.KeyCreatedAt = &t
	}
	return inst, nil
}

func (s *PGStore) GetWorker(ctx context.Context, id uuid.UUID) (models.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	w, err := scanWorker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Worker{}, ErrNotFound
		}
		return models.Worker{}, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func listSkills(ctx context.Context, q queryer, workerID uuid.UUID) ([]trust.Skill, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, skill_name, proficiency_level, skill_verification_tier, verification_source, credibility_score
		FROM skills
		WHERE worker_id = $1
		ORDER BY created_at, id
	`, workerID)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var skills []trust.Skill
	for rows.Next() {
		var (
			sk                        trust.Skill
			proficiency, tier, source string
		)
		if err := rows.Scan(&sk.ID, &sk.Name, &proficiency, &tier, &source, &sk.Credibility); err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		sk.Proficiency = trust.Proficiency(proficiency)
		sk.Tier = trust.Tier(tier)
		sk.Source = trust.Source(source)
		skills = append(skills, sk)
	}
	return skills, rows.Err()
}

func (s *PGStore) ListSkills(ctx context.Context, workerID uuid.UUID) ([]trust.Skill, error) {
	return listSkills(ctx, s.db, workerID)
}

func (s *PGStore) UpdateWorker(ctx context.Context, id uuid.UUID, fn func(*WorkerState) error) (models.Worker, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Worker{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	w, err := scanWorker(tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Worker{}, ErrNotFound
		}
		return models.Worker{}, fmt.Errorf("lock worker: %w", err)
	}
	skills, err := listSkills(ctx, tx, id)
	if err != nil {
		return models.Worker{}, err
	}
	ratings, err := listRatings(ctx, tx, id)
	if err != nil {
		return models.Worker{}, err
	}

	state := &WorkerState{Worker: w, Skills: skills, Ratings: ratings}
	if err := fn(state); err != nil {
		return models.Worker{}, err
	}

	out := state.Worker
	out.ID = id
	out.UpdatedAt = s.NowFunc()
	if _, err := tx.ExecContext(ctx, `
		UPDATE workers SET
			work_status = $1, claimed_institution = $2, verified_at = $3, verification_notes = $4,
			tier = $5, trust_score = $6, total_points = $7,
			bronze_skills = $8, silver_skills = $9, gold_skills = $10, platinum_skills = $11, total_skills = $12,
			average_rating = $13, total_tasks_completed = $14, total_tasks_assigned = $15,
			completion_rate = $16, reputation = $17, verification_status = $18, updated_at = $19
		WHERE id = $20
	`,
		out.WorkStatus, nullString(out.ClaimedInstitution), out.VerifiedAt, out.VerificationNotes,
		string(out.Tier), out.TrustScore, out.TotalPoints,
		out.SkillTierCounts[trust.TierBronze], out.SkillTierCounts[trust.TierSilver],
		out.SkillTierCounts[trust.TierGold], out.SkillTierCounts[trust.TierPlatinum], out.TotalSkills(),
		out.AverageRating, out.TasksCompleted, out.TasksAssigned,
		out.CompletionRate, out.ReputationScore, string(out.VerificationStatus), out.UpdatedAt,
		id,
	); err != nil {
		return models.Worker{}, fmt.Errorf("update worker: %w", err)
	}

	if r := state.NewRating; r != nil {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = out.UpdatedAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ratings (id, worker_id, supervisor_id, task_id, score, comment, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, r.ID, id, r.SupervisorID, r.TaskID, r.Score, r.Comment, r.CreatedAt); err != nil {
			return models.Worker{}, fmt.Errorf("insert rating: %w", err)
		}
	}

	for _, sk := range state.ChangedSkills {
		res, err := tx.ExecContext(ctx, `
			UPDATE skills SET skill_verification_tier = $1, verification_source = $2, credibility_score = $3, updated_at = $4
			WHERE id = $5 AND worker_id = $6
		`, string(sk.Tier), string(sk.Source), sk.Credibility, out.UpdatedAt, sk.ID, id)
		if err != nil {
			return models.Worker{}, fmt.Errorf("update skill: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.Worker{}, ErrNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Worker{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func listRatings(ctx context.Context, q queryer, workerID uuid.UUID) ([]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT score FROM ratings WHERE worker_id = $1`, workerID)
	if err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}
	defer rows.Close()
	var scores []int
	for rows.Next() {
		var score int
		if err := rows.Scan(&score); err != nil {
			return nil, fmt.Errorf("scan rating: %w", err)
		}
		scores = append(scores, score)
	}
	return scores, rows.Err()
}

// likeEscaper makes a search term match literally inside an ILIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func (s *PGStore) ListInstitutionWorkers(ctx context.Context, code string, f models.WorkerFilter) (models.WorkerPage, error) {
	f = f.Normalize()
	where := []string{"claimed_institution = $1"}
	args := []interface{}{code}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("verification_status = $%d", len(args)))
	}
	if f.Tier != "" {
		args = append(args, string(f.Tier))
		where = append(where, fmt.Sprintf("tier = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+likeEscaper.Replace(f.Search)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(`(full_name ILIKE $%d ESCAPE '\' OR phone_number ILIKE $%d ESCAPE '\' OR email ILIKE $%d ESCAPE '\')`, n, n, n))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workers WHERE `+cond, args...).Scan(&total); err != nil {
		return models.WorkerPage{}, fmt.Errorf("count workers: %w", err)
	}

	pageArgs := append(append([]interface{}{}, args...), f.PageSize, f.Offset())
	query := fmt.Sprintf(`SELECT %s FROM workers WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		workerColumns, cond, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return models.WorkerPage{}, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	page := models.WorkerPage{Workers: []models.Worker{}, Count: total, Page: f.Page, PageSize: f.PageSize}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return models.WorkerPage{}, fmt.Errorf("scan worker: %w", err)
		}
		page.Workers = append(page.Workers, w)
	}
	return page, rows.Err()
}

func (s *PGStore) InstitutionStats(ctx context.Context, code string, since time.Time) (models.InstitutionStats, error) {
	stats := models.InstitutionStats{
		InstitutionCode: code,
		ByStatus:        map[string]int{},
		ByTier:          map[string]int{},
	}
	if err := s.groupCount(ctx, "verification_status", code, stats.ByStatus); err != nil {
		return stats, err
	}
	if err := s.groupCount(ctx, "tier", code, stats.ByTier); err != nil {
		return stats, err
	}
	for _, n := range stats.ByStatus {
		stats.TotalWorkers += n
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workers WHERE claimed_institution = $1 AND created_at >= $2`,
		code, since,
	).Scan(&stats.RecentRegistrations); err != nil {
		return stats, fmt.Errorf("count recent workers: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM skills s JOIN workers w ON w.id = s.worker_id WHERE w.claimed_institution = $1`,
		code,
	).Scan(&stats.TotalSkills); err != nil {
		return stats, fmt.Errorf("count skills: %w", err)
	}
	return stats, nil
}

// groupCount fills into with per-value counts of column. column is always a
// constant chosen by this package.
func (s *PGStore) groupCount(ctx context.Context, column, code string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM workers WHERE claimed_institution = $1 GROUP BY `+column, code)
	if err != nil {
		return fmt.Errorf("group workers by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

func (s *PGStore) GetInstitution(ctx context.Context, code string) (models.Institution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+institutionColumns+` FROM institutions WHERE institution_code = $1`, code)
	return institutionResult(scanInstitution(row))
}

func (s *PGStore) SetAPIKey(ctx context.Context, code, keyHash string, at time.Time, replaceActive bool) (models.Institution, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE institutions SET api_key_hash = $1, is_api_active = TRUE, api_key_created_at = $2
		WHERE institution_code = $3
		  AND ($4 OR NOT is_api_active OR api_key_hash IS NULL OR api_key_hash = '')
		RETURNING `+institutionColumns,
		keyHash, at, code, replaceActive)
	inst, err := institutionResult(scanInstitution(row))
	if !errors.Is(err, ErrNotFound) {
		return inst, err
	}
	// No row updated: either the institution is unknown or it holds an
	// active key.
	if _, err := s.GetInstitution(ctx, code); err != nil {
		return models.Institution{}, err
	}
	return models.Institution{}, fmt.Errorf("institution %s has an active key: %w", code, ErrConflict)
}

func (s *PGStore) RevokeAPIKey(ctx context.Context, code string) (models.Institution, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE institutions SET is_api_active = FALSE
		WHERE institution_code = $1
		RETURNING `+institutionColumns,
		code)
	return institutionResult(scanInstitution(row))
}

func institutionResult(inst models.Institution, err error) (models.Institution, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Institution{}, ErrNotFound
		}
		return models.Institution{}, fmt.Errorf("institution: %w", err)
	}
	return inst, nil
}

func (s *PGStore) GetUserProfileByTelegramID(ctx context.Context, telegramID int64) (models.UserProfile, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE telegram_id = $1`, telegramID))
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get worker by telegram id: %w", err)
	}

	var sup models.Supervisor
	var org sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT id, telegram_id, full_name, organization, is_admin, created_at
		FROM supervisors WHERE telegram_id = $1
	`, telegramID).Scan(&sup.ID, &sup.TelegramID, &sup.FullName, &org, &sup.IsAdmin, &sup.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get supervisor by telegram id: %w", err)
	}
	sup.Organization = org.String
	return sup, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
