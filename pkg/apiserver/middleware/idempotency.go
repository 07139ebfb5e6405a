package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/metrics"
	"github.com/stepflow/stepflow/pkg/model"
)

const idempotencyHeader = "Idempotency-Key"

// IdempotencyStore caches responses keyed by the (route, key, body hash)
// triple. KeyExists reports whether any entry exists for the (route, key)
// pair regardless of body hash.
type IdempotencyStore interface {
	Get(ctx context.Context, route, key, bodyHash string) (*model.IdempotencyKey, error)
	KeyExists(ctx context.Context, route, key string) (bool, error)
	Save(ctx context.Context, entry *model.IdempotencyKey) error
}

type bodyCapturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyCapturingWriter) Write(data []byte) (int, error) {
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

// Idempotency replays the cached response for a repeated POST carrying the
// same Idempotency-Key and body. A reused key with a different body is
// treated as a new request and logged, not rejected.
func Idempotency(store IdempotencyStore, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(idempotencyHeader)
		if key == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ctx := c.Request.Context()
		route := c.FullPath()
		sum := sha256.Sum256(body)
		bodyHash := hex.EncodeToString(sum[:])

		entry, err := store.Get(ctx, route, key, bodyHash)
		if err == nil {
			metrics.IdempotencyReplaysTotal.WithLabelValues(route).Inc()
			logger.Info("replaying idempotent response",
				zap.String("route", route),
				zap.String("key", key),
			)
			c.Data(entry.StatusCode, "application/json", []byte(entry.Response))
			c.Abort()
			return
		}
		if !errors.Is(err, engine.ErrNotFound) {
			logger.Warn("idempotency lookup failed", zap.Error(err))
			c.Next()
			return
		}

		// A miss on the triple with a hit on (route, key) means the caller
		// reused the key for a different body. Permissive: the request runs
		// as new, but the reuse is logged and counted.
		reused, existsErr := store.KeyExists(ctx, route, key)
		if existsErr != nil {
			logger.Warn("idempotency key lookup failed", zap.Error(existsErr))
		} else if reused {
			metrics.IdempotencyKeyReusesTotal.WithLabelValues(route).Inc()
			logger.Warn("idempotency key reused with a different body",
				zap.String("route", route),
				zap.String("key", key),
			)
		}

		writer := &bodyCapturingWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()

		status := writer.Status()
		if status >= http.StatusInternalServerError {
			// Server-side failures are not cached: the client should retry.
			return
		}

		saveErr := store.Save(ctx, &model.IdempotencyKey{
			Route:      route,
			Key:        key,
			BodyHash:   bodyHash,
			StatusCode: status,
			Response:   writer.body.String(),
		})
		if saveErr != nil {
			logger.Warn("failed to save idempotency entry", zap.Error(saveErr))
		}
	}
}
