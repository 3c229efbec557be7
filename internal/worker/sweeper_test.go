package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yourorg/condominio/internal/domain"
	"github.com/yourorg/condominio/internal/repository"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []domain.WorkerCreationMessage
	failWith  error
}

func (p *fakePublisher) PublishWorkerCreation(ctx context.Context, msg domain.WorkerCreationMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func seed(t *testing.T, store *repository.MemoryStore, id string, state domain.RequestState, attempts int, timeoutAt time.Time, nextRetryAt *time.Time) {
	t.Helper()
	user := &domain.User{
		ID:          "user-" + id,
		Email:       id + "@x.com",
		Active:      true,
		WorkerState: domain.WorkerStatePending,
	}
	req := &domain.ProvisioningRequest{
		ID:          id,
		UserID:      user.ID,
		Payload:     []byte(`{"position":"concierge","department":"operations"}`),
		State:       state,
		Attempts:    attempts,
		TimeoutAt:   timeoutAt,
		NextRetryAt: nextRetryAt,
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
}

type fakeStatusCache struct {
	invalidated []string
}

func (f *fakeStatusCache) InvalidateRequestStatus(ctx context.Context, trackingID string) error {
	f.invalidated = append(f.invalidated, trackingID)
	return nil
}

func newSweeper(store domain.ProvisioningStore, pub Publisher) *Sweeper {
	return NewSweeper(store, pub, nil, nil, time.Minute, 3, time.Minute, 30*time.Minute)
}

func TestSweepSchedulesRetryForTimedOut(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, "r1", domain.RequestStatePending, 1, time.Now().Add(-time.Minute), nil)
	w := newSweeper(store, &fakePublisher{})

	w.Sweep(context.Background())

	req, _ := store.GetRequest(context.Background(), "r1")
	if req.State != domain.RequestStateRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %s", req.State)
	}
	if req.NextRetryAt == nil {
		t.Fatal("expected next_retry_at to be set")
	}
}

func TestSweepFailsExhaustedTimedOut(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, "r1", domain.RequestStateProcessing, 3, time.Now().Add(-time.Minute), nil)
	w := newSweeper(store, &fakePublisher{})

	w.Sweep(context.Background())

	req, _ := store.GetRequest(context.Background(), "r1")
	if req.State != domain.RequestStateFailed {
		t.Fatalf("expected failed, got %s", req.State)
	}
	user, _ := store.GetByID(context.Background(), "user-r1")
	if user.WorkerState != domain.WorkerStateFailed {
		t.Fatalf("expected user worker state failed, got %s", user.WorkerState)
	}
}

func TestSweepIgnoresHealthyRequests(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, "r1", domain.RequestStatePending, 1, time.Now().Add(30*time.Minute), nil)
	pub := &fakePublisher{}
	w := newSweeper(store, pub)

	w.Sweep(context.Background())

	req, _ := store.GetRequest(context.Background(), "r1")
	if req.State != domain.RequestStatePending {
		t.Fatalf("expected pending untouched, got %s", req.State)
	}
	if pub.count() != 0 {
		t.Fatal("healthy request must not be republished")
	}
}

func TestSweepRepublishesDueRetry(t *testing.T) {
	store := repository.NewMemoryStore()
	due := time.Now().Add(-time.Second)
	seed(t, store, "r1", domain.RequestStateRetryScheduled, 1, time.Now().Add(-time.Hour), &due)
	pub := &fakePublisher{}
	w := newSweeper(store, pub)

	w.Sweep(context.Background())

	if pub.count() != 1 {
		t.Fatalf("expected one republish, got %d", pub.count())
	}
	msg := pub.published[0]
	if msg.TrackingID != "r1" || msg.UserID != "user-r1" {
		t.Fatalf("unexpected message identity: %+v", msg)
	}
	if msg.Worker.Position != "concierge" {
		t.Fatalf("payload not carried over: %+v", msg.Worker)
	}

	req, _ := store.GetRequest(context.Background(), "r1")
	if req.State != domain.RequestStateProcessing {
		t.Fatalf("expected processing after republish, got %s", req.State)
	}
	if req.Attempts != 2 {
		t.Fatalf("expected attempts incremented to 2, got %d", req.Attempts)
	}
	if !req.TimeoutAt.After(time.Now()) {
		t.Fatal("expected timeout window extended")
	}
}

func TestSweepReschedulesOnPublishFailure(t *testing.T) {
	store := repository.NewMemoryStore()
	due := time.Now().Add(-time.Second)
	seed(t, store, "r1", domain.RequestStateRetryScheduled, 1, time.Now().Add(-time.Hour), &due)
	w := newSweeper(store, &fakePublisher{failWith: errors.New("broker unreachable")})

	w.Sweep(context.Background())

	req, _ := store.GetRequest(context.Background(), "r1")
	if req.State != domain.RequestStateRetryScheduled {
		t.Fatalf("expected retry_scheduled after publish failure, got %s", req.State)
	}
	if req.Attempts != 2 {
		t.Fatalf("expected attempts incremented, got %d", req.Attempts)
	}
	if req.ErrorMessage == "" {
		t.Fatal("expected error message recorded")
	}
}

func TestSweepFailsAfterExhaustedRepublish(t *testing.T) {
	store := repository.NewMemoryStore()
	due := time.Now().Add(-time.Second)
	seed(t, store, "r1", domain.RequestStateRetryScheduled, 2, time.Now().Add(-time.Hour), &due)
	w := newSweeper(store, &fakePublisher{failWith: errors.New("broker unreachable")})

	w.Sweep(context.Background())

	req, _ := store.GetRequest(context.Background(), "r1")
	if req.State != domain.RequestStateFailed {
		t.Fatalf("expected failed after exhausted republish, got %s", req.State)
	}
	user, _ := store.GetByID(context.Background(), "user-r1")
	if user.WorkerState != domain.WorkerStateFailed {
		t.Fatalf("expected user worker state failed, got %s", user.WorkerState)
	}
}

func TestSweepFailsCorruptPayload(t *testing.T) {
	store := repository.NewMemoryStore()
	due := time.Now().Add(-time.Second)
	user := &domain.User{ID: "user-r1", Email: "r1@x.com", Active: true, WorkerState: domain.WorkerStatePending}
	badReq := &domain.ProvisioningRequest{
		ID: "r1", UserID: user.ID, Payload: []byte("{not json"),
		State: domain.RequestStateRetryScheduled, Attempts: 1,
		TimeoutAt: time.Now().Add(time.Hour), NextRetryAt: &due,
	}
	err := store.RunInTx(context.Background(), func(tx domain.ProvisioningTx) error {
		if err := tx.CreateUser(context.Background(), user); err != nil {
			return err
		}
		return tx.CreateRequest(context.Background(), badReq)
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	pub := &fakePublisher{}
	w := newSweeper(store, pub)

	w.Sweep(context.Background())

	got, _ := store.GetRequest(context.Background(), "r1")
	if got.State != domain.RequestStateFailed {
		t.Fatalf("expected failed for corrupt payload, got %s", got.State)
	}
	if pub.count() != 0 {
		t.Fatal("corrupt payload must not reach the wire")
	}
}

func TestSweepInvalidatesCachedStatus(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, "r1", domain.RequestStatePending, 1, time.Now().Add(-time.Minute), nil)
	statusCache := &fakeStatusCache{}
	w := NewSweeper(store, &fakePublisher{}, statusCache, nil, time.Minute, 3, time.Minute, 30*time.Minute)

	w.Sweep(context.Background())

	req, _ := store.GetRequest(context.Background(), "r1")
	if req.State != domain.RequestStateRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %s", req.State)
	}
	if len(statusCache.invalidated) != 1 || statusCache.invalidated[0] != "r1" {
		t.Fatalf("expected cached status for r1 invalidated, got %v", statusCache.invalidated)
	}
}
