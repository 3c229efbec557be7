package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/yourorg/condominio/internal/domain"
	"github.com/yourorg/condominio/internal/service"
)

// DocumentPayload identifies the user's identity document: either an
// existing document id, or the fields to find-or-create one.
type DocumentPayload struct {
	ID             string     `json:"id,omitempty"`
	Type           string     `json:"type,omitempty"`
	Number         string     `json:"number,omitempty"`
	IssuingCountry string     `json:"issuingCountry,omitempty"`
	IssueDate      *time.Time `json:"issueDate,omitempty"`
	ExpiryDate     *time.Time `json:"expiryDate,omitempty"`
}

// ProvisionUserRequest represents the request to create a user with a
// dependent worker record
type ProvisionUserRequest struct {
	Email    string             `json:"email"`
	Password string             `json:"password"`
	Name     string             `json:"name"`
	Surname  string             `json:"surname"`
	Phone    string             `json:"phone,omitempty"`
	RoleID   string             `json:"roleId"`
	Document DocumentPayload    `json:"document"`
	Worker   *domain.WorkerSpec `json:"worker,omitempty"`
}

// ProvisionUserResponse represents the response after the local commit
type ProvisionUserResponse struct {
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	TrackingID  string    `json:"trackingId,omitempty"`
	WorkerState string    `json:"workerState"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ProvisionHandler handles user provisioning requests
type ProvisionHandler struct {
	provisioning *service.ProvisioningService
	logger       *slog.Logger
}

// NewProvisionHandler creates a new provision handler
func NewProvisionHandler(provisioning *service.ProvisioningService, logger *slog.Logger) *ProvisionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProvisionHandler{
		provisioning: provisioning,
		logger:       logger,
	}
}

// ServeHTTP handles POST /api/users requests
func (h *ProvisionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ProvisionUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", slog.String("error", err.Error()))
		http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
		return
	}

	if req.Worker == nil {
		http.Error(w, `{"error":"worker is required"}`, http.StatusBadRequest)
		return
	}

	result, err := h.provisioning.ProvisionUserWithWorker(r.Context(), req.toUserSpec(), *req.Worker)
	if err != nil {
		h.writeProvisionError(w, err)
		return
	}

	response := ProvisionUserResponse{
		UserID:      result.User.ID,
		Email:       result.User.Email,
		TrackingID:  result.TrackingID,
		WorkerState: string(result.User.WorkerState),
		CreatedAt:   result.User.CreatedAt,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// CreateStandalone handles POST /api/users/standalone requests: a user with
// no dependent worker record, so no saga and nothing on the wire.
func (h *ProvisionHandler) CreateStandalone(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ProvisionUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", slog.String("error", err.Error()))
		http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
		return
	}

	user, err := h.provisioning.CreateUser(r.Context(), req.toUserSpec())
	if err != nil {
		h.writeProvisionError(w, err)
		return
	}

	response := ProvisionUserResponse{
		UserID:      user.ID,
		Email:       user.Email,
		WorkerState: string(user.WorkerState),
		CreatedAt:   user.CreatedAt,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (h *ProvisionHandler) writeProvisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrDuplicateEmail):
		http.Error(w, `{"error":"email already registered"}`, http.StatusBadRequest)
	case errors.Is(err, domain.ErrDuplicateDocument):
		http.Error(w, `{"error":"identity document already assigned to another user"}`, http.StatusBadRequest)
	case errors.Is(err, domain.ErrValidation):
		body, _ := json.Marshal(map[string]string{"error": err.Error()})
		http.Error(w, string(body), http.StatusBadRequest)
	default:
		h.logger.Error("failed to provision user", slog.String("error", err.Error()))
		http.Error(w, `{"error":"failed to create user"}`, http.StatusInternalServerError)
	}
}

func (r *ProvisionUserRequest) toUserSpec() domain.UserSpec {
	return domain.UserSpec{
		Email:    r.Email,
		Password: r.Password,
		Name:     r.Name,
		Surname:  r.Surname,
		Phone:    r.Phone,
		RoleID:   r.RoleID,
		Document: domain.DocumentSpec{
			DocumentID:     r.Document.ID,
			Type:           domain.DocumentType(r.Document.Type),
			Number:         r.Document.Number,
			IssuingCountry: r.Document.IssuingCountry,
			IssueDate:      r.Document.IssueDate,
			ExpiryDate:     r.Document.ExpiryDate,
		},
	}
}
