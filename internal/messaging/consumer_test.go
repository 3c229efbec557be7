package messaging

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/yourorg/condominio/internal/domain"
	"github.com/yourorg/condominio/internal/repository"
	"github.com/yourorg/condominio/pkg/cache"
)

func seedRequest(t *testing.T, store *repository.MemoryStore, state domain.RequestState, attempts int) *domain.ProvisioningRequest {
	t.Helper()
	user := &domain.User{
		ID:          "user-1",
		Email:       "a@x.com",
		Name:        "Ana",
		Surname:     "Rojas",
		Active:      true,
		WorkerState: domain.WorkerStatePending,
	}
	req := &domain.ProvisioningRequest{
		ID:        "track-1",
		UserID:    user.ID,
		Payload:   []byte(`{"position":"concierge"}`),
		State:     state,
		Attempts:  attempts,
		TimeoutAt: time.Now().Add(30 * time.Minute),
	}
	err := store.RunInTx(context.Background(), func(tx domain.ProvisioningTx) error {
		if err := tx.CreateUser(context.Background(), user); err != nil {
			return err
		}
		return tx.CreateRequest(context.Background(), req)
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return req
}

type fakeStatusCache struct {
	invalidated []string
}

func (f *fakeStatusCache) InvalidateRequestStatus(ctx context.Context, trackingID string) error {
	f.invalidated = append(f.invalidated, trackingID)
	return nil
}

func newConsumer(store domain.ProvisioningStore) *OutcomeConsumer {
	return &OutcomeConsumer{
		store:        store,
		dedupe:       cache.New(),
		logger:       slog.Default(),
		maxAttempts:  3,
		retryBackoff: time.Minute,
	}
}

func TestApplySuccessCompletesRequest(t *testing.T) {
	store := repository.NewMemoryStore()
	seedRequest(t, store, domain.RequestStatePending, 1)
	c := newConsumer(store)

	msg := domain.WorkerOutcomeMessage{TrackingID: "track-1", WorkerID: "worker-9", Success: true}
	if err := c.Apply(context.Background(), msg); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	req, _ := store.GetRequest(context.Background(), "track-1")
	if req.State != domain.RequestStateCompleted {
		t.Fatalf("expected completed, got %s", req.State)
	}
	if req.ResultingEntityID != "worker-9" {
		t.Fatalf("expected worker id recorded, got %q", req.ResultingEntityID)
	}
	if req.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}

	user, _ := store.GetByID(context.Background(), "user-1")
	if user.WorkerState != domain.WorkerStateCreated {
		t.Fatalf("expected user worker state created, got %s", user.WorkerState)
	}
	if user.WorkerID != "worker-9" {
		t.Fatalf("expected user worker id, got %q", user.WorkerID)
	}
}

func TestApplyFailureSchedulesRetry(t *testing.T) {
	store := repository.NewMemoryStore()
	seedRequest(t, store, domain.RequestStatePending, 1)
	c := newConsumer(store)

	msg := domain.WorkerOutcomeMessage{TrackingID: "track-1", Success: false, Error: "remote validation failed"}
	if err := c.Apply(context.Background(), msg); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	req, _ := store.GetRequest(context.Background(), "track-1")
	if req.State != domain.RequestStateRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %s", req.State)
	}
	if req.NextRetryAt == nil || !req.NextRetryAt.After(time.Now()) {
		t.Fatal("expected a future next_retry_at")
	}
	if req.ErrorMessage != "remote validation failed" {
		t.Fatalf("expected error message recorded, got %q", req.ErrorMessage)
	}

	// The user stays pending while retries remain.
	user, _ := store.GetByID(context.Background(), "user-1")
	if user.WorkerState != domain.WorkerStatePending {
		t.Fatalf("expected user still pending, got %s", user.WorkerState)
	}
}

func TestApplyFailureExhaustsAttempts(t *testing.T) {
	store := repository.NewMemoryStore()
	seedRequest(t, store, domain.RequestStatePending, 3)
	c := newConsumer(store)

	msg := domain.WorkerOutcomeMessage{TrackingID: "track-1", Success: false, Error: "still broken"}
	if err := c.Apply(context.Background(), msg); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	req, _ := store.GetRequest(context.Background(), "track-1")
	if req.State != domain.RequestStateFailed {
		t.Fatalf("expected failed, got %s", req.State)
	}
	user, _ := store.GetByID(context.Background(), "user-1")
	if user.WorkerState != domain.WorkerStateFailed {
		t.Fatalf("expected user worker state failed, got %s", user.WorkerState)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	store := repository.NewMemoryStore()
	seedRequest(t, store, domain.RequestStatePending, 1)
	c := newConsumer(store)

	msg := domain.WorkerOutcomeMessage{TrackingID: "track-1", WorkerID: "worker-9", Success: true}
	for i := 0; i < 3; i++ {
		if err := c.Apply(context.Background(), msg); err != nil {
			t.Fatalf("apply %d failed: %v", i, err)
		}
	}

	req, _ := store.GetRequest(context.Background(), "track-1")
	if req.State != domain.RequestStateCompleted {
		t.Fatalf("expected completed, got %s", req.State)
	}

	// A late contradictory duplicate must not override the terminal state.
	late := domain.WorkerOutcomeMessage{TrackingID: "track-1", Success: false, Error: "late duplicate"}
	if err := c.Apply(context.Background(), late); err != nil {
		t.Fatalf("late apply failed: %v", err)
	}
	req, _ = store.GetRequest(context.Background(), "track-1")
	if req.State != domain.RequestStateCompleted {
		t.Fatalf("late duplicate overrode terminal state: %s", req.State)
	}
}

func TestApplyInvalidatesCachedStatus(t *testing.T) {
	store := repository.NewMemoryStore()
	seedRequest(t, store, domain.RequestStatePending, 1)
	c := newConsumer(store)
	statusCache := &fakeStatusCache{}
	c.statusCache = statusCache

	msg := domain.WorkerOutcomeMessage{TrackingID: "track-1", WorkerID: "worker-9", Success: true}
	if err := c.Apply(context.Background(), msg); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// Both the pending->processing promotion and the completion must drop
	// the cached status so pollers see the change before the TTL expires.
	if len(statusCache.invalidated) < 2 {
		t.Fatalf("expected cached status invalidated per transition, got %v", statusCache.invalidated)
	}
	for _, id := range statusCache.invalidated {
		if id != "track-1" {
			t.Fatalf("unexpected tracking id invalidated: %s", id)
		}
	}
}

func TestApplyUnknownTrackingID(t *testing.T) {
	store := repository.NewMemoryStore()
	c := newConsumer(store)

	msg := domain.WorkerOutcomeMessage{TrackingID: "missing", Success: true}
	if err := c.Apply(context.Background(), msg); err != nil {
		t.Fatalf("unknown tracking id must be skipped, got %v", err)
	}
}
