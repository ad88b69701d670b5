package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"guest-presence/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

const requestTimeout = 10 * time.Second

// Client talks to a presence server's HTTP API with one device or operator token
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for baseURL, e.g. http://localhost:8080
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// StatusError is a non-2xx answer from the server
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type presenceRequest struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// Upsert posts one position. The server takes the user from the token, so
// userID is only used for error context.
func (c *Client) Upsert(ctx context.Context, userID string, lat, lng float64) error {
	body, err := json.Marshal(presenceRequest{Latitude: lat, Longitude: lng, CapturedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/presence", bytes.NewReader(body), nil); err != nil {
		return fmt.Errorf("upsert for %s: %w", userID, err)
	}
	return nil
}

// Deactivate takes the token's user off the map
func (c *Client) Deactivate(ctx context.Context, userID string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/presence", nil, nil); err != nil {
		return fmt.Errorf("deactivate %s: %w", userID, err)
	}
	return nil
}

// GetAllActive fetches the server's snapshot. Needs an operator token.
func (c *Client) GetAllActive(ctx context.Context) ([]*models.PresenceRecord, error) {
	var records []*models.PresenceRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/presence", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// TokenUserID reads the user_id claim without verifying the signature. The
// agent only needs it to label its own samples; the server verifies.
func TokenUserID(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user_id not found in token")
	}
	return userID, nil
}
