// Package client is a thin HTTP client for the workflow API, for services
// that start runs and deliver signals without linking the engine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = timeout
	}
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type StartRequest struct {
	Code          string                 `json:"code"`
	Version       int                    `json:"version,omitempty"`
	Input         map[string]interface{} `json:"input,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`

	// IdempotencyKey deduplicates retried start calls server-side.
	IdempotencyKey string `json:"-"`
}

type Run struct {
	ID                string                 `json:"id"`
	DefinitionCode    string                 `json:"definition_code"`
	DefinitionVersion int                    `json:"definition_version"`
	Status            string                 `json:"status"`
	CurrentStepKey    string                 `json:"current_step_key"`
	Output            map[string]interface{} `json:"output"`
	LastError         string                 `json:"last_error"`
}

type SignalResult struct {
	Advanced bool `json:"advanced"`
}

type apiError struct {
	Error string `json:"error"`
}

// StatusError is returned for non-2xx API responses.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %s (status %d)", e.Method, e.Path, e.Message, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, idempotencyKey string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) Start(ctx context.Context, req StartRequest) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", req, req.IdempotencyKey, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+runID, nil, "", &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) Signal(ctx context.Context, runID, signal string, payload map[string]interface{}) (bool, error) {
	body := map[string]interface{}{"signal": signal, "payload": payload}
	var result SignalResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+runID+"/signal", body, "", &result); err != nil {
		return false, err
	}
	return result.Advanced, nil
}

func (c *Client) Resume(ctx context.Context, runID string, payload map[string]interface{}) (bool, error) {
	body := map[string]interface{}{"payload": payload}
	var result SignalResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+runID+"/resume", body, "", &result); err != nil {
		return false, err
	}
	return result.Advanced, nil
}

func (c *Client) Cancel(ctx context.Context, runID, reason string) error {
	body := map[string]interface{}{"reason": reason}
	return c.do(ctx, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", body, "", nil)
}

// DefinitionExists reports whether a workflow definition with the code is
// registered.
func (c *Client) DefinitionExists(ctx context.Context, code string) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/api/v1/definitions/"+code, nil, "", nil)
	if err == nil {
		return true, nil
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// IsPublished reports whether the given definition version is published and
// therefore startable.
func (c *Client) IsPublished(ctx context.Context, code string, version int) (bool, error) {
	var resp struct {
		IsPublished bool `json:"is_published"`
	}
	path := fmt.Sprintf("/api/v1/definitions/%s/versions/%d", code, version)
	err := c.do(ctx, http.MethodGet, path, nil, "", &resp)
	if err == nil {
		return resp.IsPublished, nil
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return false, nil
	}
	return false, err
}
