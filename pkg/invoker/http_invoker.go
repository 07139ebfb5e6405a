// Package invoker performs the outbound service calls behind ServiceTask
// steps and serviceCall compensation actions.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPInvoker POSTs step parameters to a service endpoint resolved from a
// route table. The step idempotency key is forwarded so the callee can
// deduplicate retried attempts.
type HTTPInvoker struct {
	client *http.Client
	routes map[string]string
	logger *zap.Logger
}

func NewHTTPInvoker(routes map[string]string, timeout time.Duration, logger *zap.Logger) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPInvoker{
		client: &http.Client{Timeout: timeout},
		routes: routes,
		logger: logger,
	}
}

func (i *HTTPInvoker) Invoke(ctx context.Context, service string, params map[string]interface{}, idempotencyKey string) (map[string]interface{}, error) {
	url, ok := i.routes[service]
	if !ok {
		return nil, fmt.Errorf("no route for service %q", service)
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request for service %q: %w", service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("service %q call failed: %w", service, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from service %q: %w", service, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		i.logger.Warn("service call rejected",
			zap.String("service", service),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("service %q returned status %d", service, resp.StatusCode)
	}

	if len(responseBody) == 0 {
		return nil, nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response from service %q: %w", service, err)
	}
	return result, nil
}
