// Package kafka publishes job-run notifications.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/vxingest/internal/domain"
)

// Notifier produces one message per finished job run.
// It implements scheduler.Notifier.
type Notifier struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewNotifier creates a Kafka producer for the job-run topic.
func NewNotifier(brokers []string, topic string, logger *slog.Logger) *Notifier {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Notifier{writer: w, logger: logger}
}

// Notify publishes the run outcome keyed by job id so runs of one job stay
// ordered on a single partition.
func (n *Notifier) Notify(ctx context.Context, ev domain.JobRunEvent) error {
	msg, err := serializeToMessage(ev)
	if err != nil {
		return err
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish job run %s: %w", ev.JobID, err)
	}
	n.logger.Debug("job run published", "job", ev.JobID, "success", ev.Success)
	return nil
}

func (n *Notifier) Close() error {
	return n.writer.Close()
}

// serializeToMessage marshals a JobRunEvent into a Kafka message.
func serializeToMessage(ev domain.JobRunEvent) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize job run event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(ev.JobID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "sub_type", Value: []byte(ev.SubType)},
			{Key: "success", Value: []byte(strconv.FormatBool(ev.Success))},
			{Key: "finished_at", Value: []byte(ev.FinishedAt.Format(time.RFC3339))},
		},
	}, nil
}
