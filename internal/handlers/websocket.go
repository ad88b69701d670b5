package handlers

import (
	"net/http"
	"sync"
	"time"

	"guest-presence/internal/middleware"
	"guest-presence/internal/models"
	"guest-presence/internal/services"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // map clients are authenticated by token, not origin
	},
}

// Subscriber is the broadcast as a stream connection sees it
type Subscriber interface {
	Subscribe(fn func(models.ChangeEvent)) func()
}

// WebSocketHandler streams change events to operator map clients
type WebSocketHandler struct {
	broadcast Subscriber
	validator middleware.TokenValidator
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(broadcast Subscriber, validator middleware.TokenValidator) *WebSocketHandler {
	return &WebSocketHandler{
		broadcast: broadcast,
		validator: validator,
	}
}

// HandleWebSocket handles GET /ws/presence
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := middleware.ValidateWebSocketToken(r.URL.Query().Get("token"), h.validator)
	if err != nil {
		respondError(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if claims.Role != services.RoleOperator {
		respondError(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()
	// the server's ReadTimeout would otherwise cut idle streams
	conn.SetReadDeadline(time.Time{})

	var writeMu sync.Mutex
	unsubscribe := h.broadcast.Subscribe(func(ev models.ChangeEvent) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug().Err(err).Str("user_id", claims.UserID).Msg("Failed to write change event")
			// unblocks the read loop below
			conn.Close()
		}
	})
	defer unsubscribe()

	log.Info().Str("user_id", claims.UserID).Msg("Presence stream connected")

	// clients only listen; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("user_id", claims.UserID).Msg("WebSocket error")
			}
			break
		}
	}

	log.Info().Str("user_id", claims.UserID).Msg("Presence stream disconnected")
}
