package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"guest-presence/internal/middleware"
	"guest-presence/internal/repository"
	"guest-presence/internal/services"

	"github.com/rs/zerolog/log"
)

// UserHandler handles user-related HTTP requests
type UserHandler struct {
	userService *services.UserService
}

// NewUserHandler creates a new user handler
func NewUserHandler(userService *services.UserService) *UserHandler {
	return &UserHandler{
		userService: userService,
	}
}

// CreateUserRequest is the optional body of POST /api/v1/users
type CreateUserRequest struct {
	DisplayName *string `json:"display_name"`
}

// CreateUserResponse carries the new guest and its device token
type CreateUserResponse struct {
	ID          string  `json:"id"`
	DisplayName *string `json:"display_name,omitempty"`
	Token       string  `json:"token"`
}

// CreateUser handles POST /api/v1/users
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, token, err := h.userService.CreateUser(ctx, req.DisplayName)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create user")
		respondError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	log.Info().
		Str("user_id", user.ID).
		Msg("User created")

	respondJSON(w, http.StatusCreated, CreateUserResponse{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		Token:       token,
	})
}

// GetMe handles GET /api/v1/users/me
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	user, err := h.userService.GetUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		respondError(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to get user")
		respondError(w, "Failed to get user", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, user)
}
