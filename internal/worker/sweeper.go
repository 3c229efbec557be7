package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/yourorg/condominio/internal/domain"
	"github.com/yourorg/condominio/internal/observability/metrics"
	"github.com/yourorg/condominio/internal/reliability/circuitbreaker"
	"github.com/yourorg/condominio/internal/reliability/retry"
)

// sweepBatchSize bounds how many requests one tick will touch.
const sweepBatchSize = 100

// Publisher is the outbound edge the sweeper republishes through.
type Publisher interface {
	PublishWorkerCreation(ctx context.Context, msg domain.WorkerCreationMessage) error
}

// StatusCache drops cached status responses after a state change so
// pollers do not read a stale state for the rest of the TTL.
type StatusCache interface {
	InvalidateRequestStatus(ctx context.Context, trackingID string) error
}

// Sweeper periodically reconciles provisioning requests the happy path left
// behind: requests past their timeout with no outcome, and requests whose
// retry is due. It is the only component that republishes; the saga itself
// never retries a publish synchronously.
type Sweeper struct {
	store         domain.ProvisioningStore
	publisher     Publisher
	statusCache   StatusCache
	breaker       *circuitbreaker.CircuitBreaker
	logger        *slog.Logger
	interval      time.Duration
	maxAttempts   int
	retryBackoff  time.Duration
	workerTimeout time.Duration
}

// NewSweeper creates a new timeout sweeper. statusCache may be nil when
// no status caching is in play.
func NewSweeper(
	store domain.ProvisioningStore,
	publisher Publisher,
	statusCache StatusCache,
	logger *slog.Logger,
	interval time.Duration,
	maxAttempts int,
	retryBackoff time.Duration,
	workerTimeout time.Duration,
) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	breaker := circuitbreaker.NewCircuitBreaker(5, 2, 30*time.Second)
	breaker.SetStateChangeCallback(func(from, to circuitbreaker.State) {
		logger.Warn("publish circuit state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})
	return &Sweeper{
		store:         store,
		publisher:     publisher,
		statusCache:   statusCache,
		breaker:       breaker,
		logger:        logger,
		interval:      interval,
		maxAttempts:   maxAttempts,
		retryBackoff:  retryBackoff,
		workerTimeout: workerTimeout,
	}
}

// Start begins the sweep loop
// This runs continuously in a goroutine until the context is cancelled
func (w *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("provisioning sweeper started", slog.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("provisioning sweeper stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass.
func (w *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()
	w.sweepTimedOut(ctx, now)
	w.sweepDueRetries(ctx, now)
}

func (w *Sweeper) sweepTimedOut(ctx context.Context, now time.Time) {
	requests, err := w.store.ListTimedOut(ctx, now, sweepBatchSize)
	if err != nil {
		w.logger.Error("failed to list timed-out requests", slog.String("error", err.Error()))
		return
	}

	for _, req := range requests {
		logger := w.logger.With(slog.String("tracking_id", req.ID))
		if req.Attempts >= w.maxAttempts {
			w.failRequest(ctx, req, "timed out waiting for worker creation", logger)
			continue
		}

		retryAt := now.Add(w.retryBackoff * time.Duration(req.Attempts))
		errMsg := "timed out waiting for worker creation"
		ok, err := w.store.TransitionRequest(ctx, req.ID, req.State, domain.RequestStateRetryScheduled,
			domain.RequestUpdate{ErrorMessage: &errMsg, NextRetryAt: &retryAt})
		if err != nil {
			logger.Error("failed to schedule retry for timed-out request", slog.String("error", err.Error()))
			continue
		}
		if ok {
			w.invalidateStatus(ctx, req.ID)
			metrics.ObserveSweep("retry_scheduled")
			logger.Warn("request timed out, retry scheduled",
				slog.Int("attempts", req.Attempts),
				slog.Time("next_retry_at", retryAt),
			)
		}
	}
}

func (w *Sweeper) sweepDueRetries(ctx context.Context, now time.Time) {
	requests, err := w.store.ListDueRetries(ctx, now, sweepBatchSize)
	if err != nil {
		w.logger.Error("failed to list due retries", slog.String("error", err.Error()))
		return
	}

	for _, req := range requests {
		if !w.breaker.AllowRequest() {
			w.logger.Warn("publish circuit open, deferring retries")
			return
		}
		w.republish(ctx, req)
	}
}

func (w *Sweeper) republish(ctx context.Context, req *domain.ProvisioningRequest) {
	logger := w.logger.With(slog.String("tracking_id", req.ID))

	var spec domain.WorkerSpec
	if err := json.Unmarshal(req.Payload, &spec); err != nil {
		logger.Error("corrupt request payload, requires manual review", slog.String("error", err.Error()))
		w.failRequest(ctx, req, "corrupt payload: "+err.Error(), logger)
		return
	}

	// Claim the request before touching the wire so concurrent sweepers
	// cannot double-publish.
	attempts := req.Attempts + 1
	timeoutAt := time.Now().Add(w.workerTimeout)
	ok, err := w.store.TransitionRequest(ctx, req.ID, domain.RequestStateRetryScheduled, domain.RequestStateProcessing,
		domain.RequestUpdate{Attempts: &attempts, TimeoutAt: &timeoutAt})
	if err != nil {
		logger.Error("failed to claim request for retry", slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}
	w.invalidateStatus(ctx, req.ID)

	msg := domain.WorkerCreationMessage{
		TrackingID: req.ID,
		UserID:     req.UserID,
		Worker:     spec,
		IssuedAt:   time.Now(),
		TimeoutMs:  w.workerTimeout.Milliseconds(),
	}
	_, err = retry.Do(ctx, retry.DefaultConfig(), logger, "republish-worker-creation",
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, w.publisher.PublishWorkerCreation(ctx, msg)
		})
	if err != nil {
		w.breaker.RecordFailure()
		w.handlePublishFailure(ctx, req, attempts, err.Error(), logger)
		return
	}

	w.breaker.RecordSuccess()
	metrics.ObserveSweep("republished")
	logger.Info("worker creation republished", slog.Int("attempts", attempts))
}

func (w *Sweeper) handlePublishFailure(ctx context.Context, req *domain.ProvisioningRequest, attempts int, errMsg string, logger *slog.Logger) {
	if attempts >= w.maxAttempts {
		req.State = domain.RequestStateProcessing
		w.failRequest(ctx, req, errMsg, logger)
		return
	}

	retryAt := time.Now().Add(w.retryBackoff * time.Duration(attempts))
	ok, err := w.store.TransitionRequest(ctx, req.ID, domain.RequestStateProcessing, domain.RequestStateRetryScheduled,
		domain.RequestUpdate{ErrorMessage: &errMsg, NextRetryAt: &retryAt})
	if err != nil {
		logger.Error("failed to reschedule after publish failure", slog.String("error", err.Error()))
		return
	}
	if ok {
		w.invalidateStatus(ctx, req.ID)
		metrics.ObserveSweep("retry_scheduled")
		logger.Warn("republish failed, retry rescheduled",
			slog.Int("attempts", attempts),
			slog.String("error", errMsg),
		)
	}
}

func (w *Sweeper) failRequest(ctx context.Context, req *domain.ProvisioningRequest, errMsg string, logger *slog.Logger) {
	ok, err := w.store.TransitionRequest(ctx, req.ID, req.State, domain.RequestStateFailed,
		domain.RequestUpdate{ErrorMessage: &errMsg})
	if err != nil {
		logger.Error("failed to mark request failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}
	if err := w.store.SetUserWorkerState(ctx, req.UserID, domain.WorkerStateFailed, ""); err != nil {
		logger.Error("failed to mark user worker state failed", slog.String("error", err.Error()))
	}
	w.invalidateStatus(ctx, req.ID)
	metrics.ObserveSweep("failed")
	metrics.DecrementPending()
	logger.Error("request exhausted, marked failed",
		slog.Int("attempts", req.Attempts),
		slog.String("error", errMsg),
	)
}

func (w *Sweeper) invalidateStatus(ctx context.Context, trackingID string) {
	if w.statusCache == nil {
		return
	}
	if err := w.statusCache.InvalidateRequestStatus(ctx, trackingID); err != nil {
		w.logger.Warn("failed to invalidate cached status",
			slog.String("tracking_id", trackingID),
			slog.String("error", err.Error()),
		)
	}
}
