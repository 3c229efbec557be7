package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourorg/condominio/internal/domain"
	"github.com/yourorg/condominio/internal/observability/metrics"
	"github.com/yourorg/condominio/internal/security/auth"
	"golang.org/x/crypto/bcrypt"
)

// AuthService handles authentication operations
type AuthService struct {
	userRepo        domain.UserRepository
	tokens          *auth.TokenManager
	logger          *slog.Logger
	maxFailedLogins int
	lockoutPeriod   time.Duration
	tokenTTL        time.Duration
}

// NewAuthService creates a new authentication service
func NewAuthService(
	userRepo domain.UserRepository,
	tokens *auth.TokenManager,
	maxFailedLogins int,
	lockoutPeriod time.Duration,
	logger *slog.Logger,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	if maxFailedLogins <= 0 {
		maxFailedLogins = 5
	}
	if lockoutPeriod <= 0 {
		lockoutPeriod = 15 * time.Minute
	}

	return &AuthService{
		userRepo:        userRepo,
		tokens:          tokens,
		logger:          logger,
		maxFailedLogins: maxFailedLogins,
		lockoutPeriod:   lockoutPeriod,
		tokenTTL:        15 * time.Minute,
	}
}

// LoginResult represents login response
type LoginResult struct {
	UserID             string `json:"user_id"`
	Email              string `json:"email"`
	Token              string `json:"token"`
	ExpiresIn          int    `json:"expires_in"` // seconds
	TokenType          string `json:"token_type"`
	MustChangePassword bool   `json:"must_change_password"`
}

// Login authenticates a user and returns a JWT token. Failed attempts are
// counted per user; crossing the threshold locks the account for the
// configured period.
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", domain.ErrValidation)
	}

	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		s.logger.Info("login attempt with unknown email", slog.String("email", email))
		metrics.ObserveLogin("invalid_credentials")
		return nil, domain.ErrInvalidCredentials
	}

	if user.LockedUntil != nil && user.LockedUntil.After(time.Now()) {
		s.logger.Warn("login attempt on locked account",
			slog.String("user_id", user.ID),
			slog.Time("locked_until", *user.LockedUntil),
		)
		metrics.ObserveLogin("locked")
		return nil, domain.ErrAccountLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.recordFailedAttempt(ctx, user)
		metrics.ObserveLogin("invalid_credentials")
		return nil, domain.ErrInvalidCredentials
	}

	// Successful login resets the lockout counters.
	if user.FailedAttempts > 0 || user.LockedUntil != nil {
		user.FailedAttempts = 0
		user.LockedUntil = nil
		if err := s.userRepo.Update(ctx, user); err != nil {
			s.logger.Error("failed to reset lockout counters", slog.String("error", err.Error()))
		}
	}

	token, err := s.tokens.GenerateToken(user.ID, user.Email, user.RoleID, user.MustChangePassword, s.tokenTTL)
	if err != nil {
		s.logger.Error("failed to sign token", slog.String("error", err.Error()))
		return nil, errors.New("failed to generate token")
	}

	s.logger.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)
	metrics.ObserveLogin("success")

	return &LoginResult{
		UserID:             user.ID,
		Email:              user.Email,
		Token:              token,
		ExpiresIn:          int(s.tokenTTL.Seconds()),
		TokenType:          "Bearer",
		MustChangePassword: user.MustChangePassword,
	}, nil
}

func (s *AuthService) recordFailedAttempt(ctx context.Context, user *domain.User) {
	user.FailedAttempts++
	if user.FailedAttempts >= s.maxFailedLogins {
		until := time.Now().Add(s.lockoutPeriod)
		user.LockedUntil = &until
		user.FailedAttempts = 0
		s.logger.Warn("account locked after repeated failures",
			slog.String("user_id", user.ID),
			slog.Time("locked_until", until),
		)
	} else {
		s.logger.Info("login failed with wrong password",
			slog.String("user_id", user.ID),
			slog.Int("failed_attempts", user.FailedAttempts),
		)
	}
	if err := s.userRepo.Update(ctx, user); err != nil {
		s.logger.Error("failed to persist lockout counters", slog.String("error", err.Error()))
	}
}

// ChangePassword changes a user's password and clears the forced-change flag
// set at provisioning time.
func (s *AuthService) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if len(newPassword) < 8 {
		return fmt.Errorf("%w: new password must be at least 8 characters", domain.ErrValidation)
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return domain.ErrNotFound
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return domain.ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		s.logger.Error("failed to hash new password", slog.String("error", err.Error()))
		return errors.New("failed to change password")
	}

	user.PasswordHash = string(hash)
	user.MustChangePassword = false
	if err := s.userRepo.Update(ctx, user); err != nil {
		s.logger.Error("failed to update user password", slog.String("error", err.Error()))
		return errors.New("failed to change password")
	}

	s.logger.Info("user changed password", slog.String("user_id", userID))
	return nil
}
