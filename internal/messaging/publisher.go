// Package messaging carries the provisioning saga's asynchronous leg: a
// durable Kafka publisher for worker-creation requests and a consumer for
// the remote service's outcomes.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/yourorg/condominio/internal/domain"
)

// KafkaPublisher publishes worker-creation messages. Producing waits for
// acknowledgement from all in-sync replicas, so a nil error means the
// message survives a broker restart.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher for the given topic
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaPublisher{
		client: client,
		topic:  topic,
		logger: logger,
	}, nil
}

// PublishWorkerCreation produces one message keyed by tracking ID. The
// caller bounds the call with a context deadline; a consumer reading the
// message after the expires_at header should treat it as stale.
func (p *KafkaPublisher) PublishWorkerCreation(ctx context.Context, msg domain.WorkerCreationMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal worker creation message: %w", err)
	}

	expiresAt := msg.IssuedAt.Add(time.Duration(msg.TimeoutMs) * time.Millisecond)
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(msg.TrackingID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "expires_at", Value: []byte(expiresAt.UTC().Format(time.RFC3339))},
		},
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish worker creation for %s: %w", msg.TrackingID, err)
	}

	p.logger.Info("worker creation published",
		slog.String("tracking_id", msg.TrackingID),
		slog.String("user_id", msg.UserID),
		slog.String("topic", p.topic),
	)
	return nil
}

// Ping verifies broker connectivity for readiness checks
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and releases the underlying client
func (p *KafkaPublisher) Close() {
	p.client.Close()
}
