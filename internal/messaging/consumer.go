package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/yourorg/condominio/internal/domain"
	"github.com/yourorg/condominio/internal/observability/metrics"
	"github.com/yourorg/condominio/pkg/cache"
)

// dedupeTTL bounds how long a processed tracking ID is remembered. Kafka
// redelivers on rebalance; remembering recent IDs keeps outcome handling
// idempotent without another table.
const dedupeTTL = 10 * time.Minute

// StatusCache drops cached status responses after a state change so
// pollers do not read a stale state for the rest of the TTL.
type StatusCache interface {
	InvalidateRequestStatus(ctx context.Context, trackingID string) error
}

// OutcomeConsumer drives the feedback half of the provisioning saga: it
// reads worker-creation outcomes from the remote service and moves
// provisioning requests to their terminal or retry states.
type OutcomeConsumer struct {
	client       *kgo.Client
	store        domain.ProvisioningStore
	statusCache  StatusCache
	dedupe       *cache.Cache
	logger       *slog.Logger
	maxAttempts  int
	retryBackoff time.Duration
}

// NewOutcomeConsumer creates a consumer in the given consumer group.
// statusCache may be nil when no status caching is in play.
func NewOutcomeConsumer(
	brokers []string,
	topic string,
	group string,
	store domain.ProvisioningStore,
	statusCache StatusCache,
	logger *slog.Logger,
	maxAttempts int,
	retryBackoff time.Duration,
) (*OutcomeConsumer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &OutcomeConsumer{
		client:       client,
		store:        store,
		statusCache:  statusCache,
		dedupe:       cache.New(),
		logger:       logger,
		maxAttempts:  maxAttempts,
		retryBackoff: retryBackoff,
	}, nil
}

// Run polls outcomes until the context is cancelled
func (c *OutcomeConsumer) Run(ctx context.Context) error {
	c.logger.Info("outcome consumer started")
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			c.logger.Info("outcome consumer stopped")
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.String("error", err.Error()),
			)
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			c.handle(ctx, rec)
		})
	}
}

// Close releases the underlying client
func (c *OutcomeConsumer) Close() {
	c.client.Close()
}

func (c *OutcomeConsumer) handle(ctx context.Context, rec *kgo.Record) {
	var msg domain.WorkerOutcomeMessage
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		c.logger.Warn("skipping malformed outcome message", slog.String("error", err.Error()))
		return
	}
	if msg.TrackingID == "" {
		c.logger.Warn("skipping outcome message without tracking id")
		return
	}
	if err := c.Apply(ctx, msg); err != nil {
		c.logger.Error("failed to apply worker outcome",
			slog.String("tracking_id", msg.TrackingID),
			slog.String("error", err.Error()),
		)
	}
}

// Apply transitions one provisioning request according to an outcome. It is
// idempotent: duplicate deliveries and state races resolve to a no-op.
func (c *OutcomeConsumer) Apply(ctx context.Context, msg domain.WorkerOutcomeMessage) error {
	if _, seen := c.dedupe.Get(msg.TrackingID); seen {
		return nil
	}

	req, err := c.store.GetRequest(ctx, msg.TrackingID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("outcome for unknown tracking id", slog.String("tracking_id", msg.TrackingID))
			return nil
		}
		return err
	}
	if req.State.Terminal() {
		c.dedupe.Set(msg.TrackingID, struct{}{}, dedupeTTL)
		return nil
	}

	// An outcome proves the remote service picked the request up, even if
	// no sweeper ever marked it processing.
	if req.State == domain.RequestStatePending {
		ok, err := c.store.TransitionRequest(ctx, req.ID, domain.RequestStatePending, domain.RequestStateProcessing, domain.RequestUpdate{})
		if err != nil {
			return err
		}
		if !ok {
			// Another writer moved it; re-read and fall through.
			if req, err = c.store.GetRequest(ctx, req.ID); err != nil {
				return err
			}
		} else {
			c.invalidateStatus(ctx, req.ID)
		}
	}

	if msg.Success {
		err = c.complete(ctx, req, msg.WorkerID)
	} else {
		err = c.fail(ctx, req, msg.Error)
	}
	if err != nil {
		return err
	}

	c.dedupe.Set(msg.TrackingID, struct{}{}, dedupeTTL)
	return nil
}

func (c *OutcomeConsumer) complete(ctx context.Context, req *domain.ProvisioningRequest, workerID string) error {
	now := time.Now()
	ok, err := c.store.TransitionRequest(ctx, req.ID,
		domain.RequestStateProcessing, domain.RequestStateCompleted,
		domain.RequestUpdate{ResultingEntityID: &workerID, CompletedAt: &now},
	)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Warn("completion lost transition race", slog.String("tracking_id", req.ID))
		return nil
	}
	if err := c.store.SetUserWorkerState(ctx, req.UserID, domain.WorkerStateCreated, workerID); err != nil {
		return err
	}
	c.invalidateStatus(ctx, req.ID)

	metrics.ObserveOutcome("completed")
	metrics.DecrementPending()
	c.logger.Info("worker created",
		slog.String("tracking_id", req.ID),
		slog.String("user_id", req.UserID),
		slog.String("worker_id", workerID),
	)
	return nil
}

func (c *OutcomeConsumer) fail(ctx context.Context, req *domain.ProvisioningRequest, remoteErr string) error {
	if req.Attempts < c.maxAttempts {
		retryAt := time.Now().Add(c.retryBackoff * time.Duration(req.Attempts))
		ok, err := c.store.TransitionRequest(ctx, req.ID,
			domain.RequestStateProcessing, domain.RequestStateRetryScheduled,
			domain.RequestUpdate{ErrorMessage: &remoteErr, NextRetryAt: &retryAt},
		)
		if err != nil {
			return err
		}
		if ok {
			c.invalidateStatus(ctx, req.ID)
			metrics.ObserveOutcome("retry_scheduled")
			c.logger.Warn("worker creation failed remotely, retry scheduled",
				slog.String("tracking_id", req.ID),
				slog.Int("attempts", req.Attempts),
				slog.String("remote_error", remoteErr),
			)
		}
		return nil
	}

	ok, err := c.store.TransitionRequest(ctx, req.ID,
		domain.RequestStateProcessing, domain.RequestStateFailed,
		domain.RequestUpdate{ErrorMessage: &remoteErr},
	)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := c.store.SetUserWorkerState(ctx, req.UserID, domain.WorkerStateFailed, ""); err != nil {
		return err
	}
	c.invalidateStatus(ctx, req.ID)

	metrics.ObserveOutcome("failed")
	metrics.DecrementPending()
	c.logger.Error("worker creation exhausted attempts",
		slog.String("tracking_id", req.ID),
		slog.String("user_id", req.UserID),
		slog.Int("attempts", req.Attempts),
		slog.String("remote_error", remoteErr),
	)
	return nil
}

func (c *OutcomeConsumer) invalidateStatus(ctx context.Context, trackingID string) {
	if c.statusCache == nil {
		return
	}
	if err := c.statusCache.InvalidateRequestStatus(ctx, trackingID); err != nil {
		c.logger.Warn("failed to invalidate cached status",
			slog.String("tracking_id", trackingID),
			slog.String("error", err.Error()),
		)
	}
}
