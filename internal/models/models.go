package models

import "time"

// User is a tracked guest as known to the user directory
type User struct {
	ID          string    `json:"id"`
	DisplayName *string   `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Fix is a single position reading from the device's location watch
type Fix struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// LocationSample is one fix attributed to a user. It is never stored as-is,
// it only feeds the gateway upsert.
type LocationSample struct {
	UserID     string    `json:"user_id" validate:"required,uuid"`
	Latitude   float64   `json:"latitude" validate:"latitude"`
	Longitude  float64   `json:"longitude" validate:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// PresenceRecord is the single current position held per user
type PresenceRecord struct {
	UserID    string    `json:"user_id"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	UpdatedAt time.Time `json:"updated_at"`
	IsActive  bool      `json:"is_active"`
	Label     *string   `json:"label"`
}

// ChangeType distinguishes a first write from subsequent ones
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
)

// ChangeEvent is what the broadcast delivers for every accepted write
type ChangeEvent struct {
	Type      ChangeType `json:"type"`
	UserID    string     `json:"user_id"`
	Latitude  float64    `json:"lat"`
	Longitude float64    `json:"lng"`
	UpdatedAt time.Time  `json:"updated_at"`
	IsActive  bool       `json:"is_active"`
}

// EventFromRecord builds the broadcast payload for a stored record
func EventFromRecord(t ChangeType, rec *PresenceRecord) ChangeEvent {
	return ChangeEvent{
		Type:      t,
		UserID:    rec.UserID,
		Latitude:  rec.Latitude,
		Longitude: rec.Longitude,
		UpdatedAt: rec.UpdatedAt,
		IsActive:  rec.IsActive,
	}
}
