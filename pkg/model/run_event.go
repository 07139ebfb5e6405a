package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

// Run lifecycle event types written to the outbox.
const (
	EventRunStarted   = "workflow.run.started"
	EventRunPaused    = "workflow.run.paused"
	EventRunResumed   = "workflow.run.resumed"
	EventRunCompleted = "workflow.run.completed"
	EventRunFailed    = "workflow.run.failed"
	EventRunCancelled = "workflow.run.cancelled"
)

// RunEvent is an outbox row: appended in the same transaction as the run
// mutation it describes, published asynchronously by the relay.
type RunEvent struct {
	EventID     uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	EventType   string    `gorm:"not null"`
	Payload     JSONB     `gorm:"type:jsonb;not null"`
	Status      string    `gorm:"not null;default:'pending'"`
	CreatedAt   time.Time `gorm:"autoCreateTime;not null"`
	PublishedAt *time.Time
}

func (RunEvent) TableName() string {
	return "workflow_run_events"
}

// NewRunEvent builds a pending outbox row for a run status change.
func NewRunEvent(eventType string, runID uuid.UUID, status RunStatus, detail string) *RunEvent {
	payload := JSONB{
		"run_id": runID.String(),
		"status": string(status),
	}
	if detail != "" {
		payload["detail"] = detail
	}
	return &RunEvent{
		EventID:   uuid.New(),
		EventType: eventType,
		Payload:   payload,
		Status:    OutboxStatusPending,
	}
}
