package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/yourorg/condominio/internal/domain"
	"github.com/yourorg/condominio/internal/service"
)

// ResolveRequest carries an operator's decision for a failed provisioning
// request: acknowledge the compensation or flag it for manual review.
type ResolveRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveResponse returns the request after the resolution was applied
type ResolveResponse struct {
	TrackingID string `json:"trackingId"`
	State      string `json:"state"`
}

// ResolveHandler handles POST /api/provisioning/{id}/resolve requests
type ResolveHandler struct {
	provisioning *service.ProvisioningService
	logger       *slog.Logger
}

// NewResolveHandler creates a new resolve handler
func NewResolveHandler(provisioning *service.ProvisioningService, logger *slog.Logger) *ResolveHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResolveHandler{
		provisioning: provisioning,
		logger:       logger,
	}
}

// ServeHTTP handles POST /api/provisioning/{id}/resolve requests
func (h *ResolveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	trackingID := r.PathValue("id")
	if trackingID == "" {
		http.Error(w, "tracking id required", http.StatusBadRequest)
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
		return
	}

	to := domain.RequestState(req.Resolution)
	result, err := h.provisioning.ResolveFailedRequest(r.Context(), trackingID, to)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			http.Error(w, `{"error":"provisioning request not found"}`, http.StatusNotFound)
		case errors.Is(err, domain.ErrValidation):
			http.Error(w, `{"error":"resolution must be compensation_completed or manual_review_required"}`, http.StatusBadRequest)
		case errors.Is(err, domain.ErrInvalidTransition):
			http.Error(w, `{"error":"request is not in a resolvable state"}`, http.StatusConflict)
		default:
			h.logger.Error("failed to resolve provisioning request",
				slog.String("tracking_id", trackingID),
				slog.String("error", err.Error()),
			)
			http.Error(w, `{"error":"failed to resolve provisioning request"}`, http.StatusInternalServerError)
		}
		return
	}

	h.logger.Info("provisioning request resolved",
		slog.String("tracking_id", trackingID),
		slog.String("state", string(result.State)),
	)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ResolveResponse{TrackingID: result.ID, State: string(result.State)}); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
