package model

import (
	"time"

	"github.com/google/uuid"
)

// IdempotencyKey caches the response of a POST carrying an Idempotency-Key
// header. A reused key with a different body hash is a distinct entry, not a
// conflict.
type IdempotencyKey struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Route      string    `gorm:"not null;size:256;uniqueIndex:idx_idem_triple,priority:1"`
	Key        string    `gorm:"not null;size:128;uniqueIndex:idx_idem_triple,priority:2"`
	BodyHash   string    `gorm:"not null;size:128;uniqueIndex:idx_idem_triple,priority:3"`
	StatusCode int       `gorm:"not null"`
	Response   string    `gorm:"column:response_json"`
	CreatedAt  time.Time
}

func (IdempotencyKey) TableName() string {
	return "idempotency_keys"
}
