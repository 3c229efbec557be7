package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/yourorg/condominio/internal/domain"
	"github.com/yourorg/condominio/pkg/database"
)

// uniqueViolation is the Postgres error code for unique constraint breaches.
const uniqueViolation = "23505"

// Store implements domain.ProvisioningStore on PostgreSQL. The saga's local
// step runs through RunInTx; every other method opens its own short
// transaction or runs a single statement.
type Store struct {
	pool   *database.ConnectionPool
	logger *slog.Logger
}

// NewStore creates a new provisioning store
func NewStore(pool *database.ConnectionPool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// RunInTx runs fn with transaction-scoped access to the saga's write set.
func (s *Store) RunInTx(ctx context.Context, fn func(tx domain.ProvisioningTx) error) error {
	return s.pool.WithinTx(ctx, func(tx *sql.Tx) error {
		return fn(&pgTx{q: tx, logger: s.logger})
	})
}

// pgTx binds the saga's transactional operations to one *sql.Tx.
type pgTx struct {
	q      database.Querier
	logger *slog.Logger
}

func (t *pgTx) FindDocument(ctx context.Context, typ domain.DocumentType, number string) (*domain.IdentityDocument, error) {
	query := `
		SELECT id, type, number, issuing_country, issue_date, expiry_date, validated, validated_at, created_at
		FROM identity_documents
		WHERE type = $1 AND number = $2
	`

	doc := &domain.IdentityDocument{}
	var issueDate, expiryDate, validatedAt sql.NullTime

	err := t.q.QueryRowContext(ctx, query, typ, number).Scan(
		&doc.ID,
		&doc.Type,
		&doc.Number,
		&doc.IssuingCountry,
		&issueDate,
		&expiryDate,
		&doc.Validated,
		&validatedAt,
		&doc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s/%s: %w", typ, number, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find document: %w", err)
	}

	doc.IssueDate = nullTimePtr(issueDate)
	doc.ExpiryDate = nullTimePtr(expiryDate)
	doc.ValidatedAt = nullTimePtr(validatedAt)
	return doc, nil
}

func (t *pgTx) CreateDocument(ctx context.Context, doc *domain.IdentityDocument) error {
	query := `
		INSERT INTO identity_documents (id, type, number, issuing_country, issue_date, expiry_date, validated, validated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := t.q.QueryRowContext(ctx, query,
		doc.ID,
		doc.Type,
		doc.Number,
		doc.IssuingCountry,
		timePtrNull(doc.IssueDate),
		timePtrNull(doc.ExpiryDate),
		doc.Validated,
		timePtrNull(doc.ValidatedAt),
	).Scan(&doc.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent insert on (type, number) slipped past the
			// lookup; the caller's transaction aborts as a whole.
			return fmt.Errorf("document %s/%s: %w", doc.Type, doc.Number, domain.ErrDuplicateDocument)
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (t *pgTx) LockUserByEmail(ctx context.Context, email string) (bool, error) {
	var id string
	err := t.q.QueryRowContext(ctx, `SELECT id FROM users WHERE email = $1 FOR UPDATE`, email).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to lock user by email: %w", err)
	}
	return true, nil
}

func (t *pgTx) LockUserByDocument(ctx context.Context, documentID string) (bool, error) {
	var id string
	err := t.q.QueryRowContext(ctx, `SELECT id FROM users WHERE identity_document_id = $1 FOR UPDATE`, documentID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to lock user by document: %w", err)
	}
	return true, nil
}

func (t *pgTx) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (id, identity_document_id, email, password_hash, name, surname, phone, role_id,
			active, must_change_password, failed_attempts, locked_until, worker_state, worker_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`

	err := t.q.QueryRowContext(ctx, query,
		user.ID,
		user.IdentityDocumentID,
		user.Email,
		user.PasswordHash,
		user.Name,
		user.Surname,
		user.Phone,
		user.RoleID,
		user.Active,
		user.MustChangePassword,
		user.FailedAttempts,
		timePtrNull(user.LockedUntil),
		user.WorkerState,
		user.WorkerID,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if strings.Contains(pqErr.Constraint, "email") {
				return fmt.Errorf("user %s: %w", user.Email, domain.ErrDuplicateEmail)
			}
			return fmt.Errorf("user %s: %w", user.Email, domain.ErrDuplicateDocument)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (t *pgTx) CreateRequest(ctx context.Context, req *domain.ProvisioningRequest) error {
	query := `
		INSERT INTO provisioning_requests (id, user_id, payload, state, attempts, timeout_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := t.q.QueryRowContext(ctx, query,
		req.ID,
		req.UserID,
		req.Payload,
		req.State,
		req.Attempts,
		req.TimeoutAt,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create provisioning request: %w", err)
	}
	return nil
}

const requestColumns = `id, user_id, payload, state, attempts, resulting_entity_id, error_message,
	next_retry_at, timeout_at, completed_at, compensated_at, created_at, updated_at`

// GetRequest retrieves a provisioning request by tracking ID
func (s *Store) GetRequest(ctx context.Context, id string) (*domain.ProvisioningRequest, error) {
	row := s.pool.GetDB().QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM provisioning_requests WHERE id = $1`, id)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("provisioning request %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get provisioning request: %w", err)
	}
	return req, nil
}

// TransitionRequest applies a guarded state change. The UPDATE only matches
// while the row still holds the expected state, which makes concurrent
// writers (outcome consumer vs. sweeper) resolve to exactly one winner.
func (s *Store) TransitionRequest(ctx context.Context, id string, from, to domain.RequestState, upd domain.RequestUpdate) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("%s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}

	set := []string{"state = $3", "updated_at = NOW()"}
	args := []any{id, from, to}

	appendSet := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Attempts != nil {
		appendSet("attempts", *upd.Attempts)
	}
	if upd.ErrorMessage != nil {
		appendSet("error_message", *upd.ErrorMessage)
	}
	if upd.NextRetryAt != nil {
		appendSet("next_retry_at", *upd.NextRetryAt)
	}
	if upd.TimeoutAt != nil {
		appendSet("timeout_at", *upd.TimeoutAt)
	}
	if upd.ResultingEntityID != nil {
		appendSet("resulting_entity_id", *upd.ResultingEntityID)
	}
	if upd.CompletedAt != nil {
		appendSet("completed_at", *upd.CompletedAt)
	}
	if upd.CompensatedAt != nil {
		appendSet("compensated_at", *upd.CompensatedAt)
	}

	query := fmt.Sprintf(
		`UPDATE provisioning_requests SET %s WHERE id = $1 AND state = $2`,
		strings.Join(set, ", "),
	)

	result, err := s.pool.GetDB().ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition provisioning request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows == 1, nil
}

// SetUserWorkerState updates a user's worker lifecycle fields. An empty
// workerID leaves the stored worker_id untouched.
func (s *Store) SetUserWorkerState(ctx context.Context, userID string, state domain.WorkerState, workerID string) error {
	query := `
		UPDATE users
		SET worker_state = $2, worker_id = COALESCE(NULLIF($3, ''), worker_id), updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.pool.GetDB().ExecContext(ctx, query, userID, state, workerID)
	if err != nil {
		return fmt.Errorf("failed to set worker state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return nil
}

// CompensatePublishFailure marks the request and the user's worker state
// failed in one new transaction, separate from the already-committed local
// step. This is the saga's compensating write.
func (s *Store) CompensatePublishFailure(ctx context.Context, requestID, userID, errMsg string) error {
	return s.pool.WithinTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE provisioning_requests
			SET state = $2, error_message = $3, updated_at = NOW()
			WHERE id = $1 AND state = $4
		`, requestID, domain.RequestStateFailed, errMsg, domain.RequestStatePending)
		if err != nil {
			return fmt.Errorf("failed to mark request failed: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("provisioning request %s not pending: %w", requestID, domain.ErrInvalidTransition)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET worker_state = $2, updated_at = NOW() WHERE id = $1
		`, userID, domain.WorkerStateFailed); err != nil {
			return fmt.Errorf("failed to mark user worker state failed: %w", err)
		}
		return nil
	})
}

// ListTimedOut returns non-terminal requests whose timeout window elapsed
func (s *Store) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*domain.ProvisioningRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM provisioning_requests
		WHERE state IN ($1, $2) AND timeout_at <= $3
		ORDER BY timeout_at ASC
		LIMIT $4`

	return s.listRequests(ctx, query, domain.RequestStatePending, domain.RequestStateProcessing, now, limit)
}

// ListDueRetries returns retry_scheduled requests ready for another attempt
func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.ProvisioningRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM provisioning_requests
		WHERE state = $1 AND next_retry_at <= $2
		ORDER BY next_retry_at ASC
		LIMIT $3`

	return s.listRequests(ctx, query, domain.RequestStateRetryScheduled, now, limit)
}

func (s *Store) listRequests(ctx context.Context, query string, args ...any) ([]*domain.ProvisioningRequest, error) {
	rows, err := s.pool.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("failed to list provisioning requests", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to list provisioning requests: %w", err)
	}
	defer rows.Close()

	var out []*domain.ProvisioningRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provisioning request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.ProvisioningRequest, error) {
	req := &domain.ProvisioningRequest{}
	var resultingEntityID, errorMessage sql.NullString
	var nextRetryAt, completedAt, compensatedAt sql.NullTime

	err := row.Scan(
		&req.ID,
		&req.UserID,
		&req.Payload,
		&req.State,
		&req.Attempts,
		&resultingEntityID,
		&errorMessage,
		&nextRetryAt,
		&req.TimeoutAt,
		&completedAt,
		&compensatedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.ResultingEntityID = resultingEntityID.String
	req.ErrorMessage = errorMessage.String
	req.NextRetryAt = nullTimePtr(nextRetryAt)
	req.CompletedAt = nullTimePtr(completedAt)
	req.CompensatedAt = nullTimePtr(compensatedAt)
	return req, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timePtrNull(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
