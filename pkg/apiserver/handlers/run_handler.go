package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/eventbus"
	"github.com/stepflow/stepflow/pkg/model"
)

// StatusFeed delivers live run status events for the watch stream.
type StatusFeed interface {
	Subscribe(ctx context.Context, channels ...string) <-chan *eventbus.Event
}

// RunHandler exposes the run lifecycle: start, status, history, resume,
// signal, cancel and a live status watch.
type RunHandler struct {
	executor *engine.Executor
	runs     engine.RunStore
	feed     StatusFeed
	logger   *zap.Logger
}

func NewRunHandler(executor *engine.Executor, runs engine.RunStore, feed StatusFeed, logger *zap.Logger) *RunHandler {
	return &RunHandler{executor: executor, runs: runs, feed: feed, logger: logger}
}

type runStartRequest struct {
	Code          string                 `json:"code" binding:"required"`
	Version       int                    `json:"version"`
	Input         map[string]interface{} `json:"input"`
	CorrelationID string                 `json:"correlation_id"`
}

type runSignalRequest struct {
	Signal  string                 `json:"signal" binding:"required"`
	Payload map[string]interface{} `json:"payload"`
}

type runResumeRequest struct {
	Payload map[string]interface{} `json:"payload"`
}

type runCancelRequest struct {
	Reason string `json:"reason"`
}

type runResponse struct {
	ID                string      `json:"id"`
	DefinitionCode    string      `json:"definition_code"`
	DefinitionVersion int         `json:"definition_version"`
	Status            string      `json:"status"`
	CurrentStepKey    string      `json:"current_step_key,omitempty"`
	CorrelationID     string      `json:"correlation_id,omitempty"`
	Context           model.JSONB `json:"context,omitempty"`
	Output            model.JSONB `json:"output,omitempty"`
	LastError         string      `json:"last_error,omitempty"`
	StartedAt         string      `json:"started_at"`
	EndedAt           *string     `json:"ended_at,omitempty"`
}

type stepResponse struct {
	ID        string      `json:"id"`
	StepKey   string      `json:"step_key"`
	Type      string      `json:"type"`
	Status    string      `json:"status"`
	Attempt   int         `json:"attempt"`
	Response  model.JSONB `json:"response,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartedAt string      `json:"started_at"`
	EndedAt   *string     `json:"ended_at,omitempty"`
}

type transitionResponse struct {
	FromStepID  string      `json:"from_step_id"`
	ToStepID    string      `json:"to_step_id"`
	Condition   string      `json:"condition,omitempty"`
	Chosen      bool        `json:"chosen"`
	Trace       model.JSONB `json:"trace,omitempty"`
	EvaluatedAt string      `json:"evaluated_at"`
}

func toRunResponse(run *model.WorkflowRun) runResponse {
	return runResponse{
		ID:                run.ID.String(),
		DefinitionCode:    run.DefinitionCode,
		DefinitionVersion: run.DefinitionVersion,
		Status:            string(run.Status),
		CurrentStepKey:    run.CurrentStepKey,
		CorrelationID:     run.CorrelationID,
		Context:           run.Context,
		Output:            run.Output,
		LastError:         run.LastError,
		StartedAt:         run.StartedAt.UTC().Format(timeRFC3339Nano),
		EndedAt:           formatTime(run.EndedAt),
	}
}

func (h *RunHandler) parseRunID(c *gin.Context) (uuid.UUID, bool) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return uuid.Nil, false
	}
	return runID, true
}

func (h *RunHandler) Start(c *gin.Context) {
	var req runStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	run, err := h.executor.Start(c.Request.Context(), req.Code, req.Version, req.Input, req.CorrelationID)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrDefinitionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "definition not found"})
		case errors.Is(err, engine.ErrVersionNotPublished):
			c.JSON(http.StatusConflict, gin.H{"error": "definition version is not published"})
		default:
			h.logger.Error("failed to start run", zap.Error(err), zap.String("code", req.Code))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start run"})
		}
		return
	}

	// Stepping happened synchronously; return the run as it stands now.
	c.JSON(http.StatusCreated, toRunResponse(run))
}

func (h *RunHandler) Get(c *gin.Context) {
	runID, ok := h.parseRunID(c)
	if !ok {
		return
	}

	run, err := h.runs.GetRun(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		h.logger.Error("failed to get run", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get run"})
		return
	}
	c.JSON(http.StatusOK, toRunResponse(run))
}

// History returns the run together with its step attempts and the transition
// audit, enough to reconstruct the execution path.
func (h *RunHandler) History(c *gin.Context) {
	runID, ok := h.parseRunID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		h.logger.Error("failed to get run", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get run"})
		return
	}

	steps, err := h.runs.ListSteps(ctx, runID)
	if err != nil {
		h.logger.Error("failed to list steps", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	transitions, err := h.runs.ListTransitions(ctx, runID)
	if err != nil {
		h.logger.Error("failed to list transitions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}

	stepItems := make([]stepResponse, 0, len(steps))
	for i := range steps {
		step := &steps[i]
		stepItems = append(stepItems, stepResponse{
			ID:        step.ID.String(),
			StepKey:   step.StepKey,
			Type:      step.Type,
			Status:    string(step.Status),
			Attempt:   step.Attempt,
			Response:  step.Response,
			Error:     step.Error,
			StartedAt: step.StartedAt.UTC().Format(timeRFC3339Nano),
			EndedAt:   formatTime(step.EndedAt),
		})
	}

	transitionItems := make([]transitionResponse, 0, len(transitions))
	for i := range transitions {
		tr := &transitions[i]
		transitionItems = append(transitionItems, transitionResponse{
			FromStepID:  tr.FromStepID,
			ToStepID:    tr.ToStepID,
			Condition:   tr.Condition,
			Chosen:      tr.Chosen,
			Trace:       tr.Trace,
			EvaluatedAt: tr.EvaluatedAt.UTC().Format(timeRFC3339Nano),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"run":         toRunResponse(run),
		"steps":       stepItems,
		"transitions": transitionItems,
	})
}

func (h *RunHandler) Resume(c *gin.Context) {
	runID, ok := h.parseRunID(c)
	if !ok {
		return
	}
	var req runResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	advanced, err := h.executor.Resume(c.Request.Context(), runID, req.Payload)
	if err != nil {
		h.logger.Error("failed to resume run", zap.Error(err), zap.String("run_id", runID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resume run"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"advanced": advanced})
}

func (h *RunHandler) Signal(c *gin.Context) {
	runID, ok := h.parseRunID(c)
	if !ok {
		return
	}
	var req runSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	advanced, err := h.executor.Signal(c.Request.Context(), runID, req.Signal, req.Payload)
	if err != nil {
		h.logger.Error("failed to signal run", zap.Error(err), zap.String("run_id", runID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to signal run"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"advanced": advanced})
}

func (h *RunHandler) Cancel(c *gin.Context) {
	runID, ok := h.parseRunID(c)
	if !ok {
		return
	}
	var req runCancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	if err := h.executor.Cancel(c.Request.Context(), runID, req.Reason); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		if errors.Is(err, engine.ErrConcurrentUpdate) {
			c.JSON(http.StatusConflict, gin.H{"error": "run was modified concurrently, retry"})
			return
		}
		h.logger.Error("failed to cancel run", zap.Error(err), zap.String("run_id", runID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel run"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// Watch streams the run's status changes as server-sent events until the
// client disconnects or the feed closes.
func (h *RunHandler) Watch(c *gin.Context) {
	runID, ok := h.parseRunID(c)
	if !ok {
		return
	}
	if h.feed == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status feed unavailable"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")

	events := h.feed.Subscribe(c.Request.Context(), eventbus.ChannelRun)
	for {
		select {
		case event, open := <-events:
			if !open {
				return
			}
			var status eventbus.RunStatusEvent
			if err := json.Unmarshal(event.Data, &status); err != nil {
				continue
			}
			if status.RunID != runID.String() {
				continue
			}
			c.SSEvent("status", status)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}
