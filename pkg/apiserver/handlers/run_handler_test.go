package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepflow/stepflow/pkg/eventbus"
)

type staticFeed struct {
	events chan *eventbus.Event
}

func (f *staticFeed) Subscribe(ctx context.Context, channels ...string) <-chan *eventbus.Event {
	return f.events
}

func newWatchRouter(feed StatusFeed) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler := NewRunHandler(nil, nil, feed, zap.NewNop())
	r.GET("/runs/:id/watch", handler.Watch)
	return r
}

func TestWatchStreamsOnlyMatchingRunEvents(t *testing.T) {
	runID := uuid.New()
	otherID := uuid.New()

	feed := &staticFeed{events: make(chan *eventbus.Event, 2)}
	other, _ := eventbus.NewEvent("run.status", eventbus.RunStatusEvent{RunID: otherID.String(), Status: "Running"})
	match, _ := eventbus.NewEvent("run.status", eventbus.RunStatusEvent{RunID: runID.String(), Status: "Completed"})
	feed.events <- &other
	feed.events <- &match
	close(feed.events)

	r := newWatchRouter(feed)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/runs/"+runID.String()+"/watch", nil)
	r.ServeHTTP(w, req)

	body := w.Body.String()
	if strings.Count(body, "event:status") != 1 {
		t.Fatalf("expected exactly one status event, got body %q", body)
	}
	if !strings.Contains(body, runID.String()) {
		t.Fatalf("expected watched run in stream, got body %q", body)
	}
	if strings.Contains(body, otherID.String()) {
		t.Fatalf("expected other run filtered out, got body %q", body)
	}
}

func TestWatchWithoutFeedIsUnavailable(t *testing.T) {
	r := newWatchRouter(nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/runs/"+uuid.NewString()+"/watch", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a feed, got %d", w.Code)
	}
}
