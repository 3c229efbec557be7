package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yourorg/condominio/internal/domain"
	"github.com/yourorg/condominio/internal/security/auth"
	"golang.org/x/crypto/bcrypt"
)

type memUserRepo struct {
	byID    map[string]*domain.User
	byEmail map[string]*domain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byID: map[string]*domain.User{}, byEmail: map[string]*domain.User{}}
}

func (m *memUserRepo) add(email, password string) *domain.User {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	u := &domain.User{
		ID:                 "u-" + email,
		Email:              email,
		PasswordHash:       string(hash),
		Name:               "Test",
		Surname:            "User",
		RoleID:             "role-resident",
		Active:             true,
		MustChangePassword: true,
	}
	m.byID[u.ID] = u
	m.byEmail[u.Email] = u
	return u
}

func (m *memUserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if u, ok := m.byID[id]; ok {
		return u, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memUserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	if u, ok := m.byEmail[email]; ok {
		return u, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memUserRepo) Update(ctx context.Context, u *domain.User) error {
	u.UpdatedAt = time.Now()
	m.byID[u.ID] = u
	m.byEmail[u.Email] = u
	return nil
}

func newAuthService(repo domain.UserRepository) *AuthService {
	tm := auth.NewTokenManager("secret", "")
	return NewAuthService(repo, tm, 3, 15*time.Minute, nil)
}

func TestLogin(t *testing.T) {
	repo := newMemUserRepo()
	repo.add("alice@example.com", "Password123")
	s := newAuthService(repo)

	lr, err := s.Login(context.Background(), "alice@example.com", "Password123")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if lr.Token == "" {
		t.Fatal("expected token on login")
	}
	if !lr.MustChangePassword {
		t.Fatal("expected must_change_password to be surfaced")
	}

	if _, err := s.Login(context.Background(), "alice@example.com", "Wrong"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := s.Login(context.Background(), "nobody@example.com", "Password123"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	repo := newMemUserRepo()
	u := repo.add("bob@example.com", "Password123")
	s := newAuthService(repo)

	for i := 0; i < 3; i++ {
		if _, err := s.Login(context.Background(), "bob@example.com", "Wrong"); !errors.Is(err, domain.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected invalid credentials, got %v", i, err)
		}
	}
	if u.LockedUntil == nil {
		t.Fatal("expected account to be locked after threshold")
	}

	// Even the correct password is rejected while locked.
	if _, err := s.Login(context.Background(), "bob@example.com", "Password123"); !errors.Is(err, domain.ErrAccountLocked) {
		t.Fatalf("expected locked account error, got %v", err)
	}

	// Expired lock clears on the next successful login.
	past := time.Now().Add(-time.Minute)
	u.LockedUntil = &past
	if _, err := s.Login(context.Background(), "bob@example.com", "Password123"); err != nil {
		t.Fatalf("login after lock expiry failed: %v", err)
	}
	if u.LockedUntil != nil || u.FailedAttempts != 0 {
		t.Fatal("expected lockout counters to reset on success")
	}
}

func TestFailedAttemptsResetOnSuccess(t *testing.T) {
	repo := newMemUserRepo()
	u := repo.add("carol@example.com", "Password123")
	s := newAuthService(repo)

	s.Login(context.Background(), "carol@example.com", "Wrong")
	s.Login(context.Background(), "carol@example.com", "Wrong")
	if u.FailedAttempts != 2 {
		t.Fatalf("expected 2 failed attempts, got %d", u.FailedAttempts)
	}
	if _, err := s.Login(context.Background(), "carol@example.com", "Password123"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if u.FailedAttempts != 0 {
		t.Fatalf("expected counter reset, got %d", u.FailedAttempts)
	}
}

func TestChangePassword(t *testing.T) {
	repo := newMemUserRepo()
	u := repo.add("dave@example.com", "OldPass123")
	s := newAuthService(repo)

	if err := s.ChangePassword(context.Background(), u.ID, "bad", "NewPass123"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected wrong old password error, got %v", err)
	}
	if err := s.ChangePassword(context.Background(), u.ID, "OldPass123", "short"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := s.ChangePassword(context.Background(), u.ID, "OldPass123", "NewPass123"); err != nil {
		t.Fatalf("change password failed: %v", err)
	}
	if u.MustChangePassword {
		t.Fatal("expected forced-change flag cleared")
	}

	if _, err := s.Login(context.Background(), "dave@example.com", "OldPass123"); err == nil {
		t.Fatal("expected old password to fail after change")
	}
	lr, err := s.Login(context.Background(), "dave@example.com", "NewPass123")
	if err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}
	if lr.MustChangePassword {
		t.Fatal("expected must_change_password false after change")
	}
}
