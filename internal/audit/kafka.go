package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"
)

// KafkaSink writes events to a Kafka topic asynchronously.
type KafkaSink struct {
	w *kafka.Writer
}

// NewKafkaSink creates a sink for the comma-separated broker list.
func NewKafkaSink(brokers, topic string) (*KafkaSink, error) {
	if strings.TrimSpace(brokers) == "" || strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("audit: brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Warn("Audit write failed", "count", len(messages), "error", err)
			}
		},
	}
	return &KafkaSink{w: w}, nil
}

// Publish enqueues the event. Errors are logged, never returned.
func (s *KafkaSink) Publish(ctx context.Context, ev Event) {
	payload, err := ev.encode()
	if err != nil {
		slog.Warn("Audit encode failed", "type", ev.Type, "error", err)
		return
	}
	if err := s.w.WriteMessages(ctx, kafka.Message{Key: []byte(ev.ThreadKey), Value: payload}); err != nil {
		slog.Warn("Audit publish failed", "type", ev.Type, "error", err)
	}
}

// Close flushes pending writes.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}

// Tail reads events from the topic until ctx is done, calling fn for each.
// An empty group reads from the newest offset without committing.
func Tail(ctx context.Context, brokers, topic, group string, fn func(Event)) error {
	cfg := kafka.ReaderConfig{
		Brokers:  strings.Split(brokers, ","),
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
	}
	if group == "" {
		cfg.StartOffset = kafka.LastOffset
	}
	reader := kafka.NewReader(cfg)
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("audit: read: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			slog.Debug("Skipping undecodable audit record", "offset", msg.Offset, "error", err)
			continue
		}
		fn(ev)
	}
}
