package consumer

import (
	"time"

	"github.com/mmcloughlin/geohash"
)

const (
	geohashPrecision = 7

	freshOpacity = 1.0
	staleOpacity = 0.45
	freshColor   = "#2563eb"
	staleColor   = "#9ca3af"
)

// Marker is one entry as it should be drawn on the operational map
type Marker struct {
	UserID    string    `json:"user_id"`
	Label     *string   `json:"label"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Geohash   string    `json:"geohash"`
	UpdatedAt time.Time `json:"updated_at"`
	Age       string    `json:"age"`
	Stale     bool      `json:"stale"`
	Opacity   float64   `json:"opacity"`
	Color     string    `json:"color"`
}

// IsStale reports whether a record last updated at updatedAt is outdated at
// now. An age of exactly staleAfter already counts.
func IsStale(now, updatedAt time.Time, staleAfter time.Duration) bool {
	return now.Sub(updatedAt) >= staleAfter
}

// NewMarker projects an entry at now. Stale markers are desaturated.
func NewMarker(e Entry, now time.Time, staleAfter time.Duration) Marker {
	age := now.Sub(e.UpdatedAt)
	if age < 0 {
		age = 0
	}
	m := Marker{
		UserID:    e.UserID,
		Label:     e.Label,
		Latitude:  e.Latitude,
		Longitude: e.Longitude,
		Geohash:   geohash.EncodeWithPrecision(e.Latitude, e.Longitude, geohashPrecision),
		UpdatedAt: e.UpdatedAt,
		Age:       age.Truncate(time.Second).String(),
		Stale:     IsStale(now, e.UpdatedAt, staleAfter),
		Opacity:   freshOpacity,
		Color:     freshColor,
	}
	if m.Stale {
		m.Opacity = staleOpacity
		m.Color = staleColor
	}
	return m
}
