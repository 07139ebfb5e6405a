package model

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunRunning   RunStatus = "Running"
	RunPaused    RunStatus = "Paused"
	RunCompleted RunStatus = "Completed"
	RunFailed    RunStatus = "Failed"
	RunCancelled RunStatus = "Cancelled"
)

// IsTerminal reports whether the run can no longer be mutated. Signals and
// timers delivered to a terminal run are no-ops, never errors.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

type StepStatus string

const (
	StepPending     StepStatus = "Pending"
	StepRunning     StepStatus = "Running"
	StepCompleted   StepStatus = "Completed"
	StepFailed      StepStatus = "Failed"
	StepPaused      StepStatus = "Paused"
	StepCancelled   StepStatus = "Cancelled"
	StepCompensated StepStatus = "Compensated"
)

// WorkflowRun is one durable execution of a published definition version.
// LockVersion is compared-and-swapped on every update so that at most one
// stepping invocation can advance a run at a time.
type WorkflowRun struct {
	ID                uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	DefinitionCode    string    `gorm:"not null;size:128;index"`
	DefinitionVersion int       `gorm:"not null"`
	Status            RunStatus `gorm:"type:varchar(32);not null;index"`
	Context           JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	Output            JSONB     `gorm:"type:jsonb"`
	CorrelationID     string    `gorm:"size:64;index"`
	CurrentStepKey    string    `gorm:"size:128"`
	LastError         string
	LockVersion       int  `gorm:"not null;default:0"`
	Steps             []WorkflowRunStep `gorm:"foreignKey:RunID"`
	StartedAt         time.Time
	EndedAt           *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorkflowRunStep records one execution attempt of a DSL step. Retries append
// rows so history stays reconstructible.
type WorkflowRunStep struct {
	ID             uuid.UUID  `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	RunID          uuid.UUID  `gorm:"type:uuid;not null;index"`
	StepKey        string     `gorm:"not null;size:128"`
	Type           string     `gorm:"not null;size:64"`
	Status         StepStatus `gorm:"type:varchar(32);not null"`
	Attempt        int        `gorm:"not null;default:1"`
	Request        JSONB      `gorm:"type:jsonb"`
	Response       JSONB      `gorm:"type:jsonb"`
	Error          string
	IdempotencyKey string `gorm:"size:192"`
	StartedAt      time.Time
	EndedAt        *time.Time
}

// WorkflowTransition is an append-only audit record of every transition
// evaluated during stepping, chosen or not.
type WorkflowTransition struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	RunID       uuid.UUID `gorm:"type:uuid;not null;index"`
	FromStepID  string    `gorm:"not null;size:128"`
	ToStepID    string    `gorm:"not null;size:128"`
	Condition   string
	Chosen      bool  `gorm:"not null"`
	Trace       JSONB `gorm:"type:jsonb"`
	EvaluatedAt time.Time
}
