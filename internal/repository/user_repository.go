package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yourorg/condominio/internal/domain"
	"github.com/yourorg/condominio/pkg/database"
)

// PostgresUserRepository implements domain.UserRepository using PostgreSQL.
// It covers the non-transactional read/update paths (authentication,
// lockout bookkeeping); user creation happens only inside the saga
// transaction via the Store.
type PostgresUserRepository struct {
	db     database.Querier
	logger *slog.Logger
}

// NewPostgresUserRepository creates a new user repository
func NewPostgresUserRepository(db database.Querier, logger *slog.Logger) *PostgresUserRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresUserRepository{
		db:     db,
		logger: logger,
	}
}

const userColumns = `id, identity_document_id, email, password_hash, name, surname, phone, role_id,
	active, must_change_password, failed_attempts, locked_until, worker_state, worker_id, created_at, updated_at`

// GetByID retrieves a user by ID
func (r *PostgresUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
		}
		r.logger.Error("failed to get user by id",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetByEmail retrieves an active user by email
func (r *PostgresUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 AND active = true`, email)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", email, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, nil
}

// Update persists mutable user fields
func (r *PostgresUserRepository) Update(ctx context.Context, user *domain.User) error {
	query := `
		UPDATE users
		SET email = $2, password_hash = $3, name = $4, surname = $5, phone = $6, role_id = $7,
			active = $8, must_change_password = $9, failed_attempts = $10, locked_until = $11,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		user.ID,
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
	).Scan(&user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %s: %w", user.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func scanUser(row rowScanner) (*domain.User, error) {
	user := &domain.User{}
	var phone, workerID sql.NullString
	var lockedUntil sql.NullTime

	err := row.Scan(
		&user.ID,
		&user.IdentityDocumentID,
		&user.Email,
		&user.PasswordHash,
		&user.Name,
		&user.Surname,
		&phone,
		&user.RoleID,
		&user.Active,
		&user.MustChangePassword,
		&user.FailedAttempts,
		&lockedUntil,
		&user.WorkerState,
		&workerID,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	user.Phone = phone.String
	user.WorkerID = workerID.String
	user.LockedUntil = nullTimePtr(lockedUntil)
	return user, nil
}
