package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/model"
)

type IdempotencyRepository struct {
	db *gorm.DB
}

func NewIdempotencyRepository(db *gorm.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Get looks up a cached response by the (route, key, bodyHash) triple.
func (r *IdempotencyRepository) Get(ctx context.Context, route, key, bodyHash string) (*model.IdempotencyKey, error) {
	var entry model.IdempotencyKey
	err := r.db.WithContext(ctx).
		First(&entry, "route = ? AND key = ? AND body_hash = ?", route, key, bodyHash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// KeyExists reports whether the (route, key) pair has any cached entry,
// whatever its body hash. Used to surface key reuse with a changed body.
func (r *IdempotencyRepository) KeyExists(ctx context.Context, route, key string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.IdempotencyKey{}).
		Where("route = ? AND key = ?", route, key).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Save stores the response for later replay. A concurrent request may have
// stored the same triple first; that copy wins and the violation is swallowed.
func (r *IdempotencyRepository) Save(ctx context.Context, entry *model.IdempotencyKey) error {
	err := r.db.WithContext(ctx).Create(entry).Error
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}
