package repository

import (
	"context"
	"errors"
	"fmt"

	"guest-presence/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPresenceRepository keeps one presence_record row per user
type PostgresPresenceRepository struct {
	db *pgxpool.Pool
}

// NewPostgresPresenceRepository creates a new presence repository
func NewPostgresPresenceRepository(db *pgxpool.Pool) *PostgresPresenceRepository {
	return &PostgresPresenceRepository{db: db}
}

// UpsertByUserID writes the position for a user, replacing any previous one.
// updated_at is taken from the database clock, never from the device.
// The returned bool reports whether the row was newly inserted.
func (r *PostgresPresenceRepository) UpsertByUserID(ctx context.Context, userID string, lat, lng float64) (*models.PresenceRecord, bool, error) {
	query := `
		INSERT INTO presence_record (user_id, lat, lng, updated_at, is_active)
		VALUES ($1::uuid, $2, $3, NOW(), true)
		ON CONFLICT (user_id) DO UPDATE
		SET lat = EXCLUDED.lat,
		    lng = EXCLUDED.lng,
		    updated_at = NOW(),
		    is_active = true
		RETURNING user_id::text, lat, lng, updated_at, is_active, (xmax = 0) AS inserted
	`
	var rec models.PresenceRecord
	var inserted bool
	err := r.db.QueryRow(ctx, query, userID, lat, lng).Scan(
		&rec.UserID, &rec.Latitude, &rec.Longitude, &rec.UpdatedAt, &rec.IsActive, &inserted,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert presence: %w", err)
	}
	return &rec, inserted, nil
}

// SetInactive clears is_active for a user and returns the updated row
func (r *PostgresPresenceRepository) SetInactive(ctx context.Context, userID string) (*models.PresenceRecord, error) {
	query := `
		UPDATE presence_record
		SET is_active = false, updated_at = NOW()
		WHERE user_id = $1::uuid
		RETURNING user_id::text, lat, lng, updated_at, is_active
	`
	var rec models.PresenceRecord
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&rec.UserID, &rec.Latitude, &rec.Longitude, &rec.UpdatedAt, &rec.IsActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate presence: %w", err)
	}
	return &rec, nil
}

// GetAllActive returns every active record, newest first. The label comes
// from the user directory and stays nil when the user is unknown there.
func (r *PostgresPresenceRepository) GetAllActive(ctx context.Context) ([]*models.PresenceRecord, error) {
	query := `
		SELECT p.user_id::text, p.lat, p.lng, p.updated_at, p.is_active, u.display_name
		FROM presence_record p
		LEFT JOIN users u ON u.id = p.user_id
		WHERE p.is_active = true
		ORDER BY p.updated_at DESC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get active presence: %w", err)
	}
	defer rows.Close()

	records := make([]*models.PresenceRecord, 0)
	for rows.Next() {
		var rec models.PresenceRecord
		err := rows.Scan(
			&rec.UserID, &rec.Latitude, &rec.Longitude, &rec.UpdatedAt, &rec.IsActive, &rec.Label,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan presence: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating presence: %w", err)
	}

	return records, nil
}
