package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/stepflow/stepflow/pkg/config"
)

const (
	headerOriginTopic = "sf-origin-topic"
	headerDLQError    = "sf-dlq-error"
)

// IntegrationEvent is the inbound message shape on the integration topic.
// External systems deliver signals to paused runs here: either addressed to a
// run id or to the business correlation id the run was started with.
type IntegrationEvent struct {
	RunID         string                 `json:"run_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Signal        string                 `json:"signal"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// Signaler is the slice of the executor the consumer needs.
type Signaler interface {
	Signal(ctx context.Context, runID uuid.UUID, signalName string, payload map[string]interface{}) (bool, error)
	SignalByCorrelation(ctx context.Context, correlationID, signalName string, payload map[string]interface{}) (bool, error)
}

// IntegrationConsumer turns integration topic messages into run signals.
// Malformed or unroutable messages go to the DLQ topic so the consumer never
// wedges; delivery errors leave the message uncommitted for redelivery.
type IntegrationConsumer struct {
	reader    *kafka.Reader
	dlqWriter *kafka.Writer
	signaler  Signaler
	logger    *zap.Logger
}

func NewIntegrationConsumer(cfg *config.KafkaConfig, signaler Signaler, logger *zap.Logger) *IntegrationConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.IntegrationGroup,
		Topic:    cfg.IntegrationTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
		Dialer: &kafka.Dialer{
			ClientID: cfg.ClientID,
		},
	})

	dlqWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.DLQTopic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}

	return &IntegrationConsumer{
		reader:    reader,
		dlqWriter: dlqWriter,
		signaler:  signaler,
		logger:    logger,
	}
}

func (c *IntegrationConsumer) Run(ctx context.Context) error {
	c.logger.Info("integration consumer starting",
		zap.String("topic", c.reader.Config().Topic),
		zap.String("group", c.reader.Config().GroupID),
	)

	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return err
		}

		if err := c.handleMessage(ctx, message); err != nil {
			// Transport-level failure: leave the offset uncommitted so the
			// message is redelivered.
			c.logger.Warn("failed to handle integration event", zap.Error(err))
			continue
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			return err
		}
	}
}

func (c *IntegrationConsumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return err
	}
	return c.dlqWriter.Close()
}

func (c *IntegrationConsumer) handleMessage(ctx context.Context, message kafka.Message) error {
	var event IntegrationEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return c.divertDLQ(ctx, message, err)
	}
	if event.Signal == "" {
		return c.divertDLQ(ctx, message, errors.New("integration event missing signal name"))
	}

	switch {
	case event.RunID != "":
		runID, err := uuid.Parse(event.RunID)
		if err != nil {
			return c.divertDLQ(ctx, message, err)
		}
		_, err = c.signaler.Signal(ctx, runID, event.Signal, event.Payload)
		return err
	case event.CorrelationID != "":
		_, err := c.signaler.SignalByCorrelation(ctx, event.CorrelationID, event.Signal, event.Payload)
		return err
	default:
		return c.divertDLQ(ctx, message, errors.New("integration event missing run_id and correlation_id"))
	}
}

func (c *IntegrationConsumer) divertDLQ(ctx context.Context, message kafka.Message, cause error) error {
	c.logger.Warn("diverting integration event to DLQ",
		zap.Error(cause),
		zap.Int64("offset", message.Offset),
	)

	dlqMessage := kafka.Message{
		Key:   message.Key,
		Value: message.Value,
		Time:  time.Now(),
		Headers: append(message.Headers,
			kafka.Header{Key: headerOriginTopic, Value: []byte(message.Topic)},
			kafka.Header{Key: headerDLQError, Value: []byte(cause.Error())},
		),
	}
	return c.dlqWriter.WriteMessages(ctx, dlqMessage)
}
