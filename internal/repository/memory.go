package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/condominio/internal/domain"
)

// MemoryStore is an in-memory implementation of domain.ProvisioningStore
// and domain.UserRepository for tests and local development. RunInTx takes
// a coarse lock for the duration of the callback and restores a snapshot on
// error, which gives the same atomicity and the same winner-takes-all
// behavior under concurrency as the row-locked Postgres store.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]*domain.User
	docs     map[string]*domain.IdentityDocument
	requests map[string]*domain.ProvisioningRequest
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    map[string]*domain.User{},
		docs:     map[string]*domain.IdentityDocument{},
		requests: map[string]*domain.ProvisioningRequest{},
	}
}

// RunInTx runs fn atomically against the store
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx domain.ProvisioningTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := snapshot(s.users, cloneUser)
	docs := snapshot(s.docs, cloneDocument)
	requests := snapshot(s.requests, cloneRequest)

	if err := fn(&memTx{store: s}); err != nil {
		s.users = users
		s.docs = docs
		s.requests = requests
		return err
	}
	return nil
}

type memTx struct {
	store *MemoryStore
}

func (t *memTx) FindDocument(ctx context.Context, typ domain.DocumentType, number string) (*domain.IdentityDocument, error) {
	for _, doc := range t.store.docs {
		if doc.Type == typ && doc.Number == number {
			return cloneDocument(doc), nil
		}
	}
	return nil, fmt.Errorf("document %s/%s: %w", typ, number, domain.ErrNotFound)
}

func (t *memTx) CreateDocument(ctx context.Context, doc *domain.IdentityDocument) error {
	for _, existing := range t.store.docs {
		if existing.Type == doc.Type && existing.Number == doc.Number {
			return fmt.Errorf("document %s/%s: %w", doc.Type, doc.Number, domain.ErrDuplicateDocument)
		}
	}
	doc.CreatedAt = time.Now()
	t.store.docs[doc.ID] = cloneDocument(doc)
	return nil
}

func (t *memTx) LockUserByEmail(ctx context.Context, email string) (bool, error) {
	for _, u := range t.store.users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) LockUserByDocument(ctx context.Context, documentID string) (bool, error) {
	for _, u := range t.store.users {
		if u.IdentityDocumentID == documentID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CreateUser(ctx context.Context, user *domain.User) error {
	for _, existing := range t.store.users {
		if existing.Email == user.Email {
			return fmt.Errorf("user %s: %w", user.Email, domain.ErrDuplicateEmail)
		}
		if existing.IdentityDocumentID == user.IdentityDocumentID {
			return fmt.Errorf("user %s: %w", user.Email, domain.ErrDuplicateDocument)
		}
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	t.store.users[user.ID] = cloneUser(user)
	return nil
}

func (t *memTx) CreateRequest(ctx context.Context, req *domain.ProvisioningRequest) error {
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	t.store.requests[req.ID] = cloneRequest(req)
	return nil
}

// GetRequest retrieves a provisioning request by tracking ID
func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*domain.ProvisioningRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("provisioning request %s: %w", id, domain.ErrNotFound)
	}
	return cloneRequest(req), nil
}

// TransitionRequest applies a guarded state change
func (s *MemoryStore) TransitionRequest(ctx context.Context, id string, from, to domain.RequestState, upd domain.RequestUpdate) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("%s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.State != from {
		return false, nil
	}

	req.State = to
	req.UpdatedAt = time.Now()
	if upd.Attempts != nil {
		req.Attempts = *upd.Attempts
	}
	if upd.ErrorMessage != nil {
		req.ErrorMessage = *upd.ErrorMessage
	}
	if upd.NextRetryAt != nil {
		req.NextRetryAt = upd.NextRetryAt
	}
	if upd.TimeoutAt != nil {
		req.TimeoutAt = *upd.TimeoutAt
	}
	if upd.ResultingEntityID != nil {
		req.ResultingEntityID = *upd.ResultingEntityID
	}
	if upd.CompletedAt != nil {
		req.CompletedAt = upd.CompletedAt
	}
	if upd.CompensatedAt != nil {
		req.CompensatedAt = upd.CompensatedAt
	}
	return true, nil
}

// SetUserWorkerState updates a user's worker lifecycle fields
func (s *MemoryStore) SetUserWorkerState(ctx context.Context, userID string, state domain.WorkerState, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	user.WorkerState = state
	if workerID != "" {
		user.WorkerID = workerID
	}
	user.UpdatedAt = time.Now()
	return nil
}

// CompensatePublishFailure marks the request and the user failed atomically
func (s *MemoryStore) CompensatePublishFailure(ctx context.Context, requestID, userID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok || req.State != domain.RequestStatePending {
		return fmt.Errorf("provisioning request %s not pending: %w", requestID, domain.ErrInvalidTransition)
	}
	user, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}

	req.State = domain.RequestStateFailed
	req.ErrorMessage = errMsg
	req.UpdatedAt = time.Now()
	user.WorkerState = domain.WorkerStateFailed
	user.UpdatedAt = time.Now()
	return nil
}

// ListTimedOut returns non-terminal requests whose timeout window elapsed
func (s *MemoryStore) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*domain.ProvisioningRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.ProvisioningRequest
	for _, req := range s.requests {
		if (req.State == domain.RequestStatePending || req.State == domain.RequestStateProcessing) && !req.TimeoutAt.After(now) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(out[j].TimeoutAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListDueRetries returns retry_scheduled requests ready for another attempt
func (s *MemoryStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.ProvisioningRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.ProvisioningRequest
	for _, req := range s.requests {
		if req.State == domain.RequestStateRetryScheduled && req.NextRetryAt != nil && !req.NextRetryAt.After(now) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetByID retrieves a user by ID
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return cloneUser(user), nil
}

// GetByEmail retrieves an active user by email
func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Email == email && user.Active {
			return cloneUser(user), nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", email, domain.ErrNotFound)
}

// Update persists mutable user fields
func (s *MemoryStore) Update(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return fmt.Errorf("user %s: %w", user.ID, domain.ErrNotFound)
	}
	user.UpdatedAt = time.Now()
	s.users[user.ID] = cloneUser(user)
	return nil
}

// GetDocument retrieves an identity document by ID
func (s *MemoryStore) GetDocument(ctx context.Context, id string) (*domain.IdentityDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	return cloneDocument(doc), nil
}

// CountDocuments reports how many documents are stored. Test helper.
func (s *MemoryStore) CountDocuments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// CountUsers reports how many users are stored. Test helper.
func (s *MemoryStore) CountUsers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// CountRequests reports how many provisioning requests are stored. Test helper.
func (s *MemoryStore) CountRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func snapshot[T any](m map[string]*T, clone func(*T) *T) map[string]*T {
	out := make(map[string]*T, len(m))
	for k, v := range m {
		out[k] = clone(v)
	}
	return out
}

func cloneUser(u *domain.User) *domain.User {
	c := *u
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		c.LockedUntil = &t
	}
	return &c
}

func cloneDocument(d *domain.IdentityDocument) *domain.IdentityDocument {
	c := *d
	for _, p := range []struct {
		src *time.Time
		dst **time.Time
	}{
		{d.IssueDate, &c.IssueDate},
		{d.ExpiryDate, &c.ExpiryDate},
		{d.ValidatedAt, &c.ValidatedAt},
	} {
		if p.src != nil {
			t := *p.src
			*p.dst = &t
		}
	}
	return &c
}

func cloneRequest(r *domain.ProvisioningRequest) *domain.ProvisioningRequest {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	for _, p := range []struct {
		src *time.Time
		dst **time.Time
	}{
		{r.NextRetryAt, &c.NextRetryAt},
		{r.CompletedAt, &c.CompletedAt},
		{r.CompensatedAt, &c.CompensatedAt},
	} {
		if p.src != nil {
			t := *p.src
			*p.dst = &t
		}
	}
	return &c
}
