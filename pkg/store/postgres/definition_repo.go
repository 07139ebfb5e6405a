package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/model"
)

var (
	ErrDefinitionCodeExists = errors.New("workflow definition code already exists")
	ErrVersionExists        = errors.New("workflow definition version already exists")
	ErrVersionPublished     = errors.New("published versions are immutable")
)

type DefinitionRepository struct {
	db *gorm.DB
}

func NewDefinitionRepository(db *gorm.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

var _ engine.DefinitionStore = (*DefinitionRepository)(nil)

func (r *DefinitionRepository) CreateDefinition(ctx context.Context, definition *model.WorkflowDefinition) error {
	err := r.db.WithContext(ctx).Create(definition).Error
	if err != nil && isUniqueViolation(err) {
		return ErrDefinitionCodeExists
	}
	return err
}

func (r *DefinitionRepository) GetDefinitionByCode(ctx context.Context, code string) (*model.WorkflowDefinition, error) {
	var definition model.WorkflowDefinition
	err := r.db.WithContext(ctx).First(&definition, "code = ?", code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.ErrDefinitionNotFound
		}
		return nil, err
	}
	return &definition, nil
}

func (r *DefinitionRepository) ListDefinitions(ctx context.Context, limit, offset int) ([]model.WorkflowDefinition, int64, error) {
	var definitions []model.WorkflowDefinition
	var total int64

	query := r.db.WithContext(ctx).Model(&model.WorkflowDefinition{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&definitions).Error
	return definitions, total, err
}

func (r *DefinitionRepository) CreateVersion(ctx context.Context, version *model.WorkflowDefinitionVersion) error {
	err := r.db.WithContext(ctx).Create(version).Error
	if err != nil && isUniqueViolation(err) {
		return ErrVersionExists
	}
	return err
}

func (r *DefinitionRepository) GetVersion(ctx context.Context, definitionID uuid.UUID, versionNumber int) (*model.WorkflowDefinitionVersion, error) {
	var version model.WorkflowDefinitionVersion
	err := r.db.WithContext(ctx).
		First(&version, "definition_id = ? AND version_number = ?", definitionID, versionNumber).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.ErrNotFound
		}
		return nil, err
	}
	return &version, nil
}

// UpdateDraftDSL replaces the DSL of an unpublished version. Published
// versions are immutable; changing one requires a new version number.
func (r *DefinitionRepository) UpdateDraftDSL(ctx context.Context, definitionID uuid.UUID, versionNumber int, dslJSON string) error {
	result := r.db.WithContext(ctx).Model(&model.WorkflowDefinitionVersion{}).
		Where("definition_id = ? AND version_number = ? AND is_published = false", definitionID, versionNumber).
		Updates(map[string]interface{}{
			"dsl_json":   dslJSON,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		version, err := r.GetVersion(ctx, definitionID, versionNumber)
		if err != nil {
			return err
		}
		if version.IsPublished {
			return ErrVersionPublished
		}
		return engine.ErrNotFound
	}
	return nil
}

// SetPublished flips the publication flag. The caller is responsible for
// validating the DSL before publishing.
func (r *DefinitionRepository) SetPublished(ctx context.Context, definitionID uuid.UUID, versionNumber int, published bool) error {
	updates := map[string]interface{}{
		"is_published": published,
		"updated_at":   time.Now().UTC(),
	}
	if published {
		now := time.Now().UTC()
		updates["published_at"] = &now
	}

	result := r.db.WithContext(ctx).Model(&model.WorkflowDefinitionVersion{}).
		Where("definition_id = ? AND version_number = ?", definitionID, versionNumber).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// GetPublishedVersion implements engine.DefinitionStore. version 0 resolves
// the latest published version for the code.
func (r *DefinitionRepository) GetPublishedVersion(ctx context.Context, code string, version int) (*model.WorkflowDefinitionVersion, error) {
	definition, err := r.GetDefinitionByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	query := r.db.WithContext(ctx).
		Where("definition_id = ?", definition.ID)
	if version > 0 {
		query = query.Where("version_number = ?", version)
	} else {
		query = query.Where("is_published = true").Order("version_number DESC")
	}

	var definitionVersion model.WorkflowDefinitionVersion
	if err := query.First(&definitionVersion).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.ErrDefinitionNotFound
		}
		return nil, err
	}
	if !definitionVersion.IsPublished {
		return nil, engine.ErrVersionNotPublished
	}
	return &definitionVersion, nil
}

// Exists reports whether a definition (and optionally a specific version)
// exists, for collaborators checking before a start call.
func (r *DefinitionRepository) Exists(ctx context.Context, code string, version int) (bool, error) {
	definition, err := r.GetDefinitionByCode(ctx, code)
	if err != nil {
		if errors.Is(err, engine.ErrDefinitionNotFound) {
			return false, nil
		}
		return false, err
	}
	if version <= 0 {
		return true, nil
	}

	var count int64
	err = r.db.WithContext(ctx).Model(&model.WorkflowDefinitionVersion{}).
		Where("definition_id = ? AND version_number = ?", definition.ID, version).
		Count(&count).Error
	return count > 0, err
}

// IsPublished reports whether a specific definition version is published.
func (r *DefinitionRepository) IsPublished(ctx context.Context, code string, version int) (bool, error) {
	_, err := r.GetPublishedVersion(ctx, code, version)
	if err != nil {
		if errors.Is(err, engine.ErrDefinitionNotFound) || errors.Is(err, engine.ErrVersionNotPublished) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
