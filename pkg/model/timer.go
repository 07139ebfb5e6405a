package model

import (
	"time"

	"github.com/google/uuid"
)

type TimerStatus string

const (
	TimerPending   TimerStatus = "Pending"
	TimerProcessed TimerStatus = "Processed"
	TimerCancelled TimerStatus = "Cancelled"
)

// WorkflowTimer is a deadline registered while a run is paused. The poller
// turns due timers into signal deliveries; delivery is at-least-once, so the
// resume path must tolerate redundant firings.
type WorkflowTimer struct {
	ID         uuid.UUID   `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	RunID      uuid.UUID   `gorm:"type:uuid;not null;index"`
	StepID     string      `gorm:"not null;size:128"`
	DueAt      time.Time   `gorm:"not null;index:idx_timer_due,priority:1"`
	SignalName string      `gorm:"not null;size:128"`
	Payload    JSONB       `gorm:"type:jsonb"`
	Status     TimerStatus `gorm:"type:varchar(32);not null;index:idx_timer_due,priority:2"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WorkflowSignal logs a named event delivered to a run by an external actor.
type WorkflowSignal struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	RunID     uuid.UUID `gorm:"type:uuid;not null;index"`
	Name      string    `gorm:"not null;size:128"`
	Payload   JSONB     `gorm:"type:jsonb"`
	HandledAt *time.Time
	CreatedAt time.Time
}
