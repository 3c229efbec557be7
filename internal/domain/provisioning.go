package domain

import (
	"context"
	"time"
)

// RequestState is the lifecycle state of a ProvisioningRequest.
type RequestState string

const (
	RequestStatePending              RequestState = "pending"
	RequestStateProcessing           RequestState = "processing"
	RequestStateCompleted            RequestState = "completed"
	RequestStateFailed               RequestState = "failed"
	RequestStateRetryScheduled       RequestState = "retry_scheduled"
	RequestStateCompensationDone     RequestState = "compensation_completed"
	RequestStateManualReviewRequired RequestState = "manual_review_required"
)

// validTransitions is the full transition set honored by this service, the
// outcome consumer and the timeout sweeper. Anything outside it is rejected.
var validTransitions = map[RequestState][]RequestState{
	RequestStatePending:        {RequestStateProcessing, RequestStateFailed, RequestStateRetryScheduled},
	RequestStateProcessing:     {RequestStateCompleted, RequestStateFailed, RequestStateRetryScheduled},
	RequestStateRetryScheduled: {RequestStateProcessing, RequestStateFailed},
	RequestStateFailed:         {RequestStateCompensationDone, RequestStateManualReviewRequired},
}

// CanTransition reports whether moving from s to the target state is allowed.
func (s RequestState) CanTransition(to RequestState) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s RequestState) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// ProvisioningRequest is the durable record of a pending remote worker
// creation. It is inserted in the same local transaction as the User row;
// its ID doubles as the tracking/correlation ID on the wire.
type ProvisioningRequest struct {
	ID                string // UUID, tracking ID
	UserID            string
	Payload           []byte // serialized WorkerSpec
	State             RequestState
	Attempts          int
	ResultingEntityID string // remote worker ID on completion
	ErrorMessage      string
	NextRetryAt       *time.Time
	TimeoutAt         time.Time
	CompletedAt       *time.Time
	CompensatedAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorkerCreationMessage is the durable event published after the local
// transaction commits. TrackingID is the correlation key the remote
// service echoes back in its outcome.
type WorkerCreationMessage struct {
	TrackingID string     `json:"trackingId"`
	UserID     string     `json:"userId"`
	Worker     WorkerSpec `json:"worker"`
	IssuedAt   time.Time  `json:"issuedAt"`
	TimeoutMs  int64      `json:"timeoutMs"`
}

// WorkerOutcomeMessage is the remote service's asynchronous answer to a
// WorkerCreationMessage.
type WorkerOutcomeMessage struct {
	TrackingID string `json:"trackingId"`
	WorkerID   string `json:"workerId,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// RequestUpdate carries the optional field changes applied alongside a
// guarded state transition. Nil fields are left untouched.
type RequestUpdate struct {
	Attempts          *int
	ErrorMessage      *string
	NextRetryAt       *time.Time
	TimeoutAt         *time.Time
	ResultingEntityID *string
	CompletedAt       *time.Time
	CompensatedAt     *time.Time
}

// ProvisioningTx is the set of operations available inside the saga's
// single local transaction. Implementations run every call on the same
// underlying transaction; a returned error aborts and rolls back all of it.
type ProvisioningTx interface {
	// FindDocument looks up an identity document by its unique (type,
	// number) pair. Returns ErrNotFound when absent.
	FindDocument(ctx context.Context, typ DocumentType, number string) (*IdentityDocument, error)

	// CreateDocument inserts a new identity document within the
	// transaction so a later rollback also undoes it.
	CreateDocument(ctx context.Context, doc *IdentityDocument) error

	// LockUserByEmail takes an exclusive row lock on any user holding the
	// candidate email and reports whether such a row exists.
	LockUserByEmail(ctx context.Context, email string) (bool, error)

	// LockUserByDocument takes an exclusive row lock on any user holding
	// the candidate identity document and reports whether one exists.
	LockUserByDocument(ctx context.Context, documentID string) (bool, error)

	CreateUser(ctx context.Context, user *User) error
	CreateRequest(ctx context.Context, req *ProvisioningRequest) error
}

// ProvisioningStore is the persistence boundary of the provisioning saga.
// RunInTx provides the atomic local step; the remaining methods each run
// in their own short transaction and serve the post-commit phase
// (compensation, outcome consumption, timeout sweeping).
type ProvisioningStore interface {
	RunInTx(ctx context.Context, fn func(tx ProvisioningTx) error) error

	GetRequest(ctx context.Context, id string) (*ProvisioningRequest, error)

	// TransitionRequest performs a guarded state change: the update only
	// applies if the row is still in the expected `from` state, and the
	// (from, to) pair must be in the valid transition set. Returns false
	// when the row was in a different state (another writer won).
	TransitionRequest(ctx context.Context, id string, from, to RequestState, upd RequestUpdate) (bool, error)

	// SetUserWorkerState updates a user's worker lifecycle fields.
	SetUserWorkerState(ctx context.Context, userID string, state WorkerState, workerID string) error

	// CompensatePublishFailure marks the request failed and the user's
	// worker state failed in one new transaction. This is the saga's
	// compensating write for a publish that could not be made durable.
	CompensatePublishFailure(ctx context.Context, requestID, userID, errMsg string) error

	// ListTimedOut returns non-terminal requests whose timeout_at has
	// passed, oldest first.
	ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*ProvisioningRequest, error)

	// ListDueRetries returns retry_scheduled requests whose next_retry_at
	// has passed, oldest first.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*ProvisioningRequest, error)
}
