package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Store is the durable log of audit events. It is the source of truth for
// streaming retries.
type Store interface {
	Append(ctx context.Context, ev *Event) error
	// FetchPending claims up to limit events that still need streaming.
	// Rows left in progress with a claim older than staleBefore are
	// reclaimed, so a crashed or cancelled run does not strand them.
	FetchPending(ctx context.Context, limit, maxAttempts int, staleBefore time.Time) ([]*Event, error)
	MarkStreamResult(ctx context.Context, id string, objectKey string, streamErr error) error
}

// ErrNotFound is returned when a requested audit event cannot be located.
var ErrNotFound = errors.New("audit event not found")

// PGStore persists audit events into Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) Append(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, event_type, subject, actor, payload, ts, stream_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.EventType, ev.Subject, ev.Actor, payload, ev.Ts, StreamPending)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (p *PGStore) FetchPending(ctx context.Context, limit, maxAttempts int, staleBefore time.Time) ([]*Event, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_type, subject, actor, payload, ts
		FROM audit_events
		WHERE stream_status = $1
		   OR (stream_status = $2 AND stream_attempts < $3)
		   OR (stream_status = $4 AND stream_attempts < $3 AND claimed_at < $5)
		ORDER BY ts
		LIMIT $6
		FOR UPDATE SKIP LOCKED
	`, StreamPending, StreamFailed, maxAttempts, StreamInProgress, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	var (
		events []*Event
		ids    []string
	)
	for rows.Next() {
		var (
			ev      Event
			actor   sql.NullString
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Subject, &actor, &payload, &ev.Ts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Actor = actor.String
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			slog.Warn("[audit] undecodable payload", "event_id", ev.ID, "error", err)
		}
		events = append(events, &ev)
		ids = append(ids, ev.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE audit_events
		SET stream_status = $1, stream_attempts = stream_attempts + 1, claimed_at = $2
		WHERE id = ANY($3)
	`, StreamInProgress, time.Now().UTC(), pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("claim audit events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return events, nil
}

func (p *PGStore) MarkStreamResult(ctx context.Context, id string, objectKey string, streamErr error) error {
	status := StreamDone
	var errMsg sql.NullString
	if streamErr != nil {
		status = StreamFailed
		errMsg = sql.NullString{String: streamErr.Error(), Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE audit_events
		SET stream_status = $1, s3_object_key = $2, stream_error = $3, streamed_at = $4
		WHERE id = $5
	`, status, sql.NullString{String: objectKey, Valid: objectKey != ""}, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark stream result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
