package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stepflow/stepflow/pkg/model"
)

// Event is the envelope published to live subscribers over redis pub/sub.
// Durable delivery goes through the outbox; this channel is best-effort and
// exists for UIs and watchers that want status changes without polling.
type Event struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type RunStatusEvent struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

const (
	ChannelRun = "sf:events:run"
)

type Bus struct {
	client redis.UniversalClient
}

func NewBus(client redis.UniversalClient) *Bus {
	return &Bus{client: client}
}

func NewEvent(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}, nil
}

func (b *Bus) Publish(ctx context.Context, channel string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *Bus) Subscribe(ctx context.Context, channels ...string) <-chan *Event {
	sub := b.client.Subscribe(ctx, channels...)
	ch := make(chan *Event, 100)

	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			ch <- &event
		}
	}()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return ch
}

// RunStatusPublisher adapts the Bus to the executor's status publishing hook.
type RunStatusPublisher struct {
	bus    *Bus
	logger *zap.Logger
}

func NewRunStatusPublisher(bus *Bus, logger *zap.Logger) *RunStatusPublisher {
	return &RunStatusPublisher{bus: bus, logger: logger}
}

func (p *RunStatusPublisher) PublishRunStatus(ctx context.Context, runID uuid.UUID, status model.RunStatus, detail string) {
	event, err := NewEvent("run.status", RunStatusEvent{
		RunID:  runID.String(),
		Status: string(status),
		Detail: detail,
	})
	if err != nil {
		p.logger.Warn("failed to encode run status event", zap.Error(err))
		return
	}
	if err := p.bus.Publish(ctx, ChannelRun, event); err != nil {
		p.logger.Warn("failed to publish run status",
			zap.Error(err),
			zap.String("run_id", runID.String()),
			zap.String("status", string(status)),
		)
	}
}
