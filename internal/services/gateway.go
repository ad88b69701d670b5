package services

import (
	"context"
	"errors"
	"fmt"

	"guest-presence/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// ErrInvalidSample is returned for a sample that fails validation. The
// store is not touched.
var ErrInvalidSample = errors.New("invalid location sample")

// WriteError reports a store write that did not happen. The sample is lost;
// the gateway neither retries nor queues it.
type WriteError struct {
	UserID string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("presence write for %s failed: %v", e.UserID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// PresenceStore is the keyed, one-row-per-user position store
type PresenceStore interface {
	UpsertByUserID(ctx context.Context, userID string, lat, lng float64) (*models.PresenceRecord, bool, error)
	SetInactive(ctx context.Context, userID string) (*models.PresenceRecord, error)
	GetAllActive(ctx context.Context) ([]*models.PresenceRecord, error)
}

// Publisher delivers change events to the broadcast
type Publisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

// Gateway is the only write path into the presence store
type Gateway struct {
	store     PresenceStore
	publisher Publisher
	validate  *validator.Validate
}

// NewGateway creates a new presence gateway
func NewGateway(store PresenceStore, publisher Publisher) *Gateway {
	return &Gateway{
		store:     store,
		publisher: publisher,
		validate:  validator.New(),
	}
}

// Upsert stores the position for userID, replacing whatever was there with
// no ordering check, and announces the change on the broadcast.
func (g *Gateway) Upsert(ctx context.Context, userID string, lat, lng float64) error {
	sample := models.LocationSample{UserID: userID, Latitude: lat, Longitude: lng}
	if err := g.validate.Struct(sample); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}

	rec, inserted, err := g.store.UpsertByUserID(ctx, userID, lat, lng)
	if err != nil {
		return &WriteError{UserID: userID, Err: err}
	}

	changeType := models.ChangeUpdate
	if inserted {
		changeType = models.ChangeInsert
	}
	g.publish(ctx, models.EventFromRecord(changeType, rec))
	return nil
}

// Deactivate marks the user's record inactive so it drops out of snapshots
func (g *Gateway) Deactivate(ctx context.Context, userID string) error {
	rec, err := g.store.SetInactive(ctx, userID)
	if err != nil {
		return &WriteError{UserID: userID, Err: err}
	}
	g.publish(ctx, models.EventFromRecord(models.ChangeUpdate, rec))
	return nil
}

// GetAllActive exposes the snapshot read for consumers in this process
func (g *Gateway) GetAllActive(ctx context.Context) ([]*models.PresenceRecord, error) {
	return g.store.GetAllActive(ctx)
}

// The write already happened at this point, so a failed publish is only
// logged. The next snapshot poll carries the change to consumers.
func (g *Gateway) publish(ctx context.Context, ev models.ChangeEvent) {
	if err := g.publisher.Publish(ctx, ev); err != nil {
		log.Warn().
			Err(err).
			Str("user_id", ev.UserID).
			Msg("Failed to broadcast presence change")
	}
}
