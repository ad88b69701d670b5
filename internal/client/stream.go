package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"guest-presence/internal/models"
	"guest-presence/internal/services"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Stream follows a server's change broadcast over websocket and republishes
// every event into a local hub. Events missed while disconnected are not
// recovered; a consumer's polls cover them.
type Stream struct {
	url    string
	dialer *websocket.Dialer
	hub    *services.Hub
}

// NewStream creates a stream for the server at baseURL
func NewStream(baseURL, token string, buffer int) (*Stream, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/ws/presence")
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return &Stream{
		url:    u.String(),
		dialer: websocket.DefaultDialer,
		hub:    services.NewHub(buffer),
	}, nil
}

// Subscribe registers fn on the local hub
func (s *Stream) Subscribe(fn func(models.ChangeEvent)) func() {
	return s.hub.Subscribe(fn)
}

// Run connects and reconnects with exponential backoff until ctx is done
func (s *Stream) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = minBackoff
		}

		log.Warn().
			Err(err).
			Dur("retry_in", backoff).
			Msg("Presence stream disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session reads one connection until it fails. connected reports whether
// the dial itself succeeded.
func (s *Stream) session(ctx context.Context) (connected bool, err error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, fmt.Errorf("stream rejected token: %w", err)
		}
		return false, fmt.Errorf("failed to dial stream: %w", err)
	}
	defer conn.Close()

	log.Info().Msg("Presence stream connected")

	// unblock ReadMessage when ctx is cancelled
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var ev models.ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Msg("Ignoring malformed change event")
			continue
		}
		s.hub.Publish(ctx, ev)
	}
}
