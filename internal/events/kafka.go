package events

import (
	"context"
	"fmt"
	"log/slog"

	kafka "github.com/segmentio/kafka-go"
)

// KafkaBus is a Publisher and Subscriber backed by segmentio/kafka-go.
// One Writer is shared across both topics (the topic is set per-message);
// Readers are created lazily per Subscribe call, one per (topic, group).
type KafkaBus struct {
	writer  *kafka.Writer
	brokers []string
	groupID string
	logger  *slog.Logger
}

// NewKafkaBus constructs a KafkaBus against the given broker addresses.
// groupID scopes every Subscriber's consumer group, so multiple worker
// processes subscribing to the same topic load-balance rather than each
// receiving every event.
func NewKafkaBus(brokers []string, groupID string, logger *slog.Logger) *KafkaBus {
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
		brokers: brokers,
		groupID: groupID,
		logger:  logger,
	}
}

// PublishRunSucceeded implements Publisher.
func (b *KafkaBus) PublishRunSucceeded(ctx context.Context, experimentID, runID string) {
	b.publish(ctx, TopicRunSucceeded, RunEvent{ExperimentID: experimentID, RunID: runID})
}

// PublishRunFailed implements Publisher.
func (b *KafkaBus) PublishRunFailed(ctx context.Context, runID, errorCode string) {
	b.publish(ctx, TopicRunFailed, RunEvent{RunID: runID, ErrorCode: errorCode})
}

func (b *KafkaBus) publish(ctx context.Context, topic string, event RunEvent) {
	value, err := encodeRunEvent(event)
	if err != nil {
		logOnError(b.logger, "encode "+topic, err)
		return
	}

	err = b.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(event.RunID), Value: value})
	logOnError(b.logger, "publish "+topic, err)
}

// Subscribe implements Subscriber. It blocks, reading and dispatching
// messages until ctx is cancelled, at which point it closes its reader
// and returns ctx.Err().
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handle func(RunEvent)) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.brokers,
		Topic:   topic,
		GroupID: b.groupID,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("events: read %s: %w", topic, err)
		}

		event, err := decodeRunEvent(msg.Value)
		if err != nil {
			logOnError(b.logger, "decode "+topic, err)
			continue
		}

		handle(event)
	}
}

// Close shuts down the shared writer.
func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
