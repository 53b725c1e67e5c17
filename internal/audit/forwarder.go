package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaForwarder streams committed audit events to the cold-storage retention
// topic. Delivery is asynchronous and best-effort: the audit store is the
// source of truth and Record has already committed by the time Publish runs.
type KafkaForwarder struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafkaForwarder connects a producer for the given brokers and topic.
// Returns nil when no brokers are configured.
func NewKafkaForwarder(brokers []string, topic string, logger *slog.Logger) (*KafkaForwarder, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RecordDeliveryTimeout(10*time.Second),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaForwarder{client: client, topic: topic, logger: logger}, nil
}

// Publish implements Sink. Events are keyed by tenant so the retention
// consumer preserves per-tenant ordering.
func (f *KafkaForwarder) Publish(_ context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		f.logger.Error("marshal audit event for cold storage", "error", err, "event_id", event.ID.String())
		return
	}
	record := &kgo.Record{
		Topic: f.topic,
		Key:   []byte(uuid.UUID(event.TenantID).String()),
		Value: value,
	}
	f.client.Produce(context.Background(), record, func(_ *kgo.Record, err error) {
		if err != nil {
			f.logger.Error("forward audit event to cold storage", "error", err, "event_id", event.ID.String())
		}
	})
}

// Close flushes pending records and releases the client.
func (f *KafkaForwarder) Close(ctx context.Context) error {
	if f == nil {
		return nil
	}
	if err := f.client.Flush(ctx); err != nil {
		return err
	}
	f.client.Close()
	return nil
}
