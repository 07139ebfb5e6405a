package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowDefinition is the immutable identity of a workflow. Behaviour lives
// in versions, which are appended and never mutated once published.
type WorkflowDefinition struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Code        string    `gorm:"not null;uniqueIndex;size:128"`
	Name        string    `gorm:"not null;size:256"`
	Description string    `gorm:"size:2000"`
	Versions    []WorkflowDefinitionVersion `gorm:"foreignKey:DefinitionID"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type WorkflowDefinitionVersion struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	DefinitionID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_definition_version,priority:1"`
	VersionNumber int       `gorm:"not null;uniqueIndex:idx_definition_version,priority:2"`
	DSLJSON       string    `gorm:"column:dsl_json;not null"`
	SchemaVersion int       `gorm:"default:1"`
	IsPublished   bool      `gorm:"not null;default:false;index"`
	Changelog     string
	PublishedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan JSONB: %v", value)
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONB) GormDataType() string {
	return "jsonb"
}
