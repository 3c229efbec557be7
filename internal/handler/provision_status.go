package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/yourorg/condominio/internal/domain"
	infraredis "github.com/yourorg/condominio/internal/infrastructure/redis"
	"github.com/yourorg/condominio/internal/service"
)

// ProvisionStatusResponse represents the current status of a provisioning request
type ProvisionStatusResponse struct {
	TrackingID   string     `json:"trackingId"`
	State        string     `json:"state"`
	Attempts     int        `json:"attempts"`
	WorkerID     string     `json:"workerId,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
	TimeoutAt    time.Time  `json:"timeoutAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// ProvisionStatusHandler handles GET /api/provisioning/{id} requests
type ProvisionStatusHandler struct {
	provisioning *service.ProvisioningService
	cache        *infraredis.Client
	cacheTTL     time.Duration
	logger       *slog.Logger
}

// NewProvisionStatusHandler creates a new provision status handler. cache
// may be nil, in which case every read hits the store.
func NewProvisionStatusHandler(provisioning *service.ProvisioningService, cache *infraredis.Client, cacheTTL time.Duration, logger *slog.Logger) *ProvisionStatusHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProvisionStatusHandler{
		provisioning: provisioning,
		cache:        cache,
		cacheTTL:     cacheTTL,
		logger:       logger,
	}
}

// ServeHTTP handles GET /api/provisioning/{id} requests
func (h *ProvisionStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	trackingID := r.PathValue("id")
	if trackingID == "" {
		http.Error(w, "tracking id required", http.StatusBadRequest)
		return
	}

	if h.cache != nil {
		if cached, err := h.cache.GetRequestStatus(r.Context(), trackingID); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(cached)
			return
		} else if !infraredis.IsCacheMiss(err) {
			h.logger.Warn("status cache read failed", slog.String("error", err.Error()))
		}
	}

	req, err := h.provisioning.GetRequest(r.Context(), trackingID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, `{"error":"provisioning request not found"}`, http.StatusNotFound)
			return
		}
		h.logger.Error("failed to get provisioning request",
			slog.String("tracking_id", trackingID),
			slog.String("error", err.Error()),
		)
		http.Error(w, `{"error":"failed to get provisioning request"}`, http.StatusInternalServerError)
		return
	}

	response := ProvisionStatusResponse{
		TrackingID:   req.ID,
		State:        string(req.State),
		Attempts:     req.Attempts,
		WorkerID:     req.ResultingEntityID,
		ErrorMessage: req.ErrorMessage,
		NextRetryAt:  req.NextRetryAt,
		TimeoutAt:    req.TimeoutAt,
		CompletedAt:  req.CompletedAt,
		CreatedAt:    req.CreatedAt,
		UpdatedAt:    req.UpdatedAt,
	}

	body, err := json.Marshal(response)
	if err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	if h.cache != nil {
		if err := h.cache.CacheRequestStatus(r.Context(), trackingID, body, h.cacheTTL); err != nil {
			h.logger.Warn("status cache write failed", slog.String("error", err.Error()))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
