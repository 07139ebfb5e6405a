package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepflow/stepflow/pkg/dsl"
	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/model"
	"github.com/stepflow/stepflow/pkg/store/postgres"
)

// DefinitionHandler is the admin surface for workflow definitions and their
// versions. Drafts are mutable; publishing gates on DSL validation and
// freezes the version.
type DefinitionHandler struct {
	definitions *postgres.DefinitionRepository
	validator   *dsl.Validator
	logger      *zap.Logger
}

func NewDefinitionHandler(definitions *postgres.DefinitionRepository, validator *dsl.Validator, logger *zap.Logger) *DefinitionHandler {
	return &DefinitionHandler{definitions: definitions, validator: validator, logger: logger}
}

type definitionCreateRequest struct {
	Code        string `json:"code" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type definitionResponse struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type versionCreateRequest struct {
	DSL       json.RawMessage `json:"dsl" binding:"required"`
	Changelog string          `json:"changelog"`
	Version   int             `json:"version" binding:"required"`
}

type versionUpdateRequest struct {
	DSL json.RawMessage `json:"dsl" binding:"required"`
}

type versionResponse struct {
	ID            string  `json:"id"`
	DefinitionID  string  `json:"definition_id"`
	VersionNumber int     `json:"version_number"`
	SchemaVersion int     `json:"schema_version"`
	IsPublished   bool    `json:"is_published"`
	Changelog     string  `json:"changelog,omitempty"`
	PublishedAt   *string `json:"published_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

type validationResponse struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
}

func toDefinitionResponse(definition *model.WorkflowDefinition) definitionResponse {
	return definitionResponse{
		ID:          definition.ID.String(),
		Code:        definition.Code,
		Name:        definition.Name,
		Description: definition.Description,
		CreatedAt:   definition.CreatedAt.UTC().Format(timeRFC3339Nano),
	}
}

func toVersionResponse(version *model.WorkflowDefinitionVersion) versionResponse {
	return versionResponse{
		ID:            version.ID.String(),
		DefinitionID:  version.DefinitionID.String(),
		VersionNumber: version.VersionNumber,
		SchemaVersion: version.SchemaVersion,
		IsPublished:   version.IsPublished,
		Changelog:     version.Changelog,
		PublishedAt:   formatTime(version.PublishedAt),
		CreatedAt:     version.CreatedAt.UTC().Format(timeRFC3339Nano),
	}
}

func (h *DefinitionHandler) Create(c *gin.Context) {
	var req definitionCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	definition := &model.WorkflowDefinition{
		ID:          uuid.New(),
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
	}
	if err := h.definitions.CreateDefinition(c.Request.Context(), definition); err != nil {
		if errors.Is(err, postgres.ErrDefinitionCodeExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "definition code already exists"})
			return
		}
		h.logger.Error("failed to create definition", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create definition"})
		return
	}

	c.JSON(http.StatusCreated, toDefinitionResponse(definition))
}

func (h *DefinitionHandler) List(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50)
	offset := parseOffset(c.Query("offset"))

	definitions, total, err := h.definitions.ListDefinitions(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list definitions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list definitions"})
		return
	}

	items := make([]definitionResponse, 0, len(definitions))
	for i := range definitions {
		items = append(items, toDefinitionResponse(&definitions[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

func (h *DefinitionHandler) Get(c *gin.Context) {
	definition, err := h.definitions.GetDefinitionByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		if errors.Is(err, engine.ErrDefinitionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "definition not found"})
			return
		}
		h.logger.Error("failed to get definition", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get definition"})
		return
	}
	c.JSON(http.StatusOK, toDefinitionResponse(definition))
}

func (h *DefinitionHandler) CreateVersion(c *gin.Context) {
	var req versionCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	ctx := c.Request.Context()
	definition, err := h.definitions.GetDefinitionByCode(ctx, c.Param("code"))
	if err != nil {
		if errors.Is(err, engine.ErrDefinitionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "definition not found"})
			return
		}
		h.logger.Error("failed to get definition", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get definition"})
		return
	}

	version := &model.WorkflowDefinitionVersion{
		ID:            uuid.New(),
		DefinitionID:  definition.ID,
		VersionNumber: req.Version,
		DSLJSON:       string(req.DSL),
		SchemaVersion: 1,
		Changelog:     req.Changelog,
	}
	if err := h.definitions.CreateVersion(ctx, version); err != nil {
		if errors.Is(err, postgres.ErrVersionExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "version already exists"})
			return
		}
		h.logger.Error("failed to create version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create version"})
		return
	}

	c.JSON(http.StatusCreated, toVersionResponse(version))
}

func (h *DefinitionHandler) GetVersion(c *gin.Context) {
	versionNumber := parseVersion(c.Param("version"))
	if versionNumber == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version"})
		return
	}

	ctx := c.Request.Context()
	definition, err := h.definitions.GetDefinitionByCode(ctx, c.Param("code"))
	if err != nil {
		if errors.Is(err, engine.ErrDefinitionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "definition not found"})
			return
		}
		h.logger.Error("failed to get definition", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get definition"})
		return
	}

	version, err := h.definitions.GetVersion(ctx, definition.ID, versionNumber)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version not found"})
			return
		}
		h.logger.Error("failed to get version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get version"})
		return
	}
	c.JSON(http.StatusOK, toVersionResponse(version))
}

func (h *DefinitionHandler) UpdateDraft(c *gin.Context) {
	var req versionUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	versionNumber := parseVersion(c.Param("version"))
	if versionNumber == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version"})
		return
	}

	ctx := c.Request.Context()
	definition, err := h.definitions.GetDefinitionByCode(ctx, c.Param("code"))
	if err != nil {
		if errors.Is(err, engine.ErrDefinitionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "definition not found"})
			return
		}
		h.logger.Error("failed to get definition", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get definition"})
		return
	}

	err = h.definitions.UpdateDraftDSL(ctx, definition.ID, versionNumber, string(req.DSL))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"updated": true})
	case errors.Is(err, postgres.ErrVersionPublished):
		c.JSON(http.StatusConflict, gin.H{"error": "published versions are immutable"})
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "version not found"})
	default:
		h.logger.Error("failed to update draft", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update draft"})
	}
}

// Publish validates the draft DSL and, only if it is clean, marks the version
// published. Violations come back as data so callers can fix them all at once.
func (h *DefinitionHandler) Publish(c *gin.Context) {
	versionNumber := parseVersion(c.Param("version"))
	if versionNumber == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version"})
		return
	}

	ctx := c.Request.Context()
	definition, err := h.definitions.GetDefinitionByCode(ctx, c.Param("code"))
	if err != nil {
		if errors.Is(err, engine.ErrDefinitionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "definition not found"})
			return
		}
		h.logger.Error("failed to get definition", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get definition"})
		return
	}

	version, err := h.definitions.GetVersion(ctx, definition.ID, versionNumber)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version not found"})
			return
		}
		h.logger.Error("failed to get version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get version"})
		return
	}

	violations := h.validator.ValidateJSON(version.DSLJSON)
	if len(violations) > 0 {
		c.JSON(http.StatusUnprocessableEntity, validationResponse{Valid: false, Violations: violations})
		return
	}

	if err := h.definitions.SetPublished(ctx, definition.ID, versionNumber, true); err != nil {
		h.logger.Error("failed to publish version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to publish version"})
		return
	}

	h.logger.Info("definition version published",
		zap.String("code", definition.Code),
		zap.Int("version", versionNumber),
	)
	c.JSON(http.StatusOK, gin.H{"published": true})
}

func (h *DefinitionHandler) Unpublish(c *gin.Context) {
	versionNumber := parseVersion(c.Param("version"))
	if versionNumber == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version"})
		return
	}

	ctx := c.Request.Context()
	definition, err := h.definitions.GetDefinitionByCode(ctx, c.Param("code"))
	if err != nil {
		if errors.Is(err, engine.ErrDefinitionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "definition not found"})
			return
		}
		h.logger.Error("failed to get definition", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get definition"})
		return
	}

	if err := h.definitions.SetPublished(ctx, definition.ID, versionNumber, false); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version not found"})
			return
		}
		h.logger.Error("failed to unpublish version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unpublish version"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"published": false})
}

// Validate dry-runs the validator against an arbitrary DSL document without
// touching any stored version.
func (h *DefinitionHandler) Validate(c *gin.Context) {
	var req versionUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	violations := h.validator.ValidateJSON(string(req.DSL))
	c.JSON(http.StatusOK, validationResponse{Valid: len(violations) == 0, Violations: violations})
}
