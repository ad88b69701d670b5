package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"guest-presence/internal/consumer"
	"guest-presence/internal/middleware"
	"guest-presence/internal/models"
	"guest-presence/internal/repository"
	"guest-presence/internal/services"

	"github.com/rs/zerolog/log"
)

// PresenceWriter is the gateway as the HTTP layer sees it
type PresenceWriter interface {
	Upsert(ctx context.Context, userID string, lat, lng float64) error
	Deactivate(ctx context.Context, userID string) error
	GetAllActive(ctx context.Context) ([]*models.PresenceRecord, error)
}

// MapView renders the server-side consumer
type MapView interface {
	CurrentView() []consumer.Marker
}

// PresenceHandler handles location ingestion and the operational map
type PresenceHandler struct {
	gateway PresenceWriter
	view    MapView
}

// NewPresenceHandler creates a new presence handler
func NewPresenceHandler(gateway PresenceWriter, view MapView) *PresenceHandler {
	return &PresenceHandler{
		gateway: gateway,
		view:    view,
	}
}

// UpsertPresenceRequest is one fix posted by a device
type UpsertPresenceRequest struct {
	Latitude   *float64  `json:"latitude"`
	Longitude  *float64  `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// UpsertPresence handles POST /api/v1/presence
func (h *PresenceHandler) UpsertPresence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req UpsertPresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		respondError(w, "latitude and longitude are required", http.StatusBadRequest)
		return
	}

	err := h.gateway.Upsert(ctx, userID, *req.Latitude, *req.Longitude)
	switch {
	case err == nil:
	case errors.Is(err, services.ErrInvalidSample):
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	default:
		log.Error().
			Err(err).
			Str("user_id", userID).
			Time("captured_at", req.CapturedAt).
			Msg("Failed to store location sample")
		respondError(w, "Presence store unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeactivatePresence handles DELETE /api/v1/presence
func (h *PresenceHandler) DeactivatePresence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	err := h.gateway.Deactivate(ctx, userID)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		respondError(w, "No presence record", http.StatusNotFound)
		return
	default:
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to deactivate presence")
		respondError(w, "Presence store unavailable", http.StatusServiceUnavailable)
		return
	}

	log.Info().Str("user_id", userID).Msg("Presence deactivated")
	w.WriteHeader(http.StatusNoContent)
}

// GetPresence handles GET /api/v1/presence
func (h *PresenceHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	records, err := h.gateway.GetAllActive(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read presence snapshot")
		respondError(w, "Presence store unavailable", http.StatusServiceUnavailable)
		return
	}
	if records == nil {
		records = []*models.PresenceRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// GetMap handles GET /api/v1/map
func (h *PresenceHandler) GetMap(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.view.CurrentView())
}
