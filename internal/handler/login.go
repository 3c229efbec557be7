package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/yourorg/condominio/internal/domain"
	"github.com/yourorg/condominio/internal/security/middleware"
	"github.com/yourorg/condominio/internal/service"
)

// LoginRequest represents login credentials
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ChangePasswordRequest carries a password change for the authenticated user
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// LoginHandler handles user authentication
type LoginHandler struct {
	authService *service.AuthService
	logger      *slog.Logger
}

// NewLoginHandler creates a new login handler
func NewLoginHandler(authService *service.AuthService, logger *slog.Logger) *LoginHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginHandler{
		authService: authService,
		logger:      logger,
	}
}

// ServeHTTP handles POST /api/login requests
func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode login request", slog.String("error", err.Error()))
		http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
		return
	}

	result, err := h.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			http.Error(w, `{"error":"email and password required"}`, http.StatusBadRequest)
		case errors.Is(err, domain.ErrAccountLocked):
			http.Error(w, `{"error":"account temporarily locked"}`, http.StatusLocked)
		case errors.Is(err, domain.ErrInvalidCredentials):
			// Generic error to prevent user enumeration
			http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		default:
			h.logger.Error("login failed", slog.String("error", err.Error()))
			http.Error(w, `{"error":"login failed"}`, http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// ChangePassword handles POST /api/users/password for the authenticated user
func (h *LoginHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		http.Error(w, `{"error":"missing auth"}`, http.StatusUnauthorized)
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
		return
	}

	if err := h.authService.ChangePassword(r.Context(), claims.UserID, req.OldPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			http.Error(w, `{"error":"new password must be at least 8 characters"}`, http.StatusBadRequest)
		case errors.Is(err, domain.ErrInvalidCredentials):
			http.Error(w, `{"error":"current password is incorrect"}`, http.StatusUnauthorized)
		case errors.Is(err, domain.ErrNotFound):
			http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
		default:
			h.logger.Error("password change failed",
				slog.String("user_id", claims.UserID),
				slog.String("error", err.Error()),
			)
			http.Error(w, `{"error":"failed to change password"}`, http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
