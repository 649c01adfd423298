// Package audit records trust and credential lifecycle events in Postgres
// and streams them to Kafka and S3.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventRatingApplied      = "trust.rating_applied"
	EventTaskRecorded       = "trust.task_event"
	EventSkillVerified      = "trust.skill_verified"
	EventKeyRotated         = "credential.key_rotated"
	EventKeyRevoked         = "credential.key_revoked"
	EventTokenRedeemed      = "credential.token_redeemed"
	EventAffiliationChanged = "worker.affiliation_changed"
)

// Stream states of a stored event.
const (
	StreamPending    = "pending"
	StreamInProgress = "in_progress"
	StreamDone       = "streamed"
	StreamFailed     = "failed"
)

// Event is an append-only audit record.
type Event struct {
	ID        string                 `json:"id"`
	EventType string                 `json:"eventType"`
	Subject   string                 `json:"subject"`
	Actor     string                 `json:"actor,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	Ts        time.Time              `json:"ts"`
}

// NewEvent returns an event with a fresh id and the current time.
func NewEvent(eventType, subject, actor string, payload map[string]interface{}) Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Event{
		ID:        uuid.New().String(),
		EventType: eventType,
		Subject:   subject,
		Actor:     actor,
		Payload:   payload,
		Ts:        time.Now().UTC(),
	}
}
