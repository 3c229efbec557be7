package domain

import (
	"context"
	"time"
)

// WorkerState tracks the lifecycle of a user's dependent worker record,
// which lives in a remote service and is created asynchronously.
type WorkerState string

const (
	WorkerStateNone    WorkerState = "none"    // user has no worker
	WorkerStatePending WorkerState = "pending" // worker creation requested
	WorkerStateCreated WorkerState = "created" // remote service confirmed
	WorkerStateFailed  WorkerState = "failed"  // request compensated or exhausted
)

// User represents a condominium system user.
type User struct {
	ID                 string // UUID
	IdentityDocumentID string // FK, one document per user
	Email              string // Unique email address
	PasswordHash       string // Bcrypt hashed password (not returned in API)
	Name               string
	Surname            string
	Phone              string
	RoleID             string
	Active             bool
	MustChangePassword bool
	FailedAttempts     int
	LockedUntil        *time.Time
	WorkerState        WorkerState
	WorkerID           string // remote worker entity ID once created
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UserSpec is the boundary-validated input for creating a user.
type UserSpec struct {
	Email    string
	Password string
	Name     string
	Surname  string
	Phone    string
	RoleID   string
	Document DocumentSpec
}

// WorkerSpec describes the dependent worker record the remote service
// should create for a user.
type WorkerSpec struct {
	Position     string     `json:"position"`
	Department   string     `json:"department"`
	StartDate    *time.Time `json:"startDate,omitempty"`
	ContractType string     `json:"contractType,omitempty"`
}

// UserRepository defines data access for users outside the saga
// transaction (authentication, lockout bookkeeping).
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, user *User) error
}
