package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"guest-presence/internal/models"
)

// MemoryUserRepository is an in-process user directory
type MemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]models.User
}

// NewMemoryUserRepository creates an empty directory
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{users: make(map[string]models.User)}
}

// Create stores a user, replacing one with the same ID
func (r *MemoryUserRepository) Create(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = *user
	return nil
}

// GetByID retrieves a user by ID
func (r *MemoryUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

func (r *MemoryUserRepository) label(id string) *string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok || user.DisplayName == nil {
		return nil
	}
	name := *user.DisplayName
	return &name
}

// MemoryPresenceRepository is an in-process presence store with the same
// contract as the Postgres one. Its clock plays the role of the database
// clock: updated_at always comes from it.
type MemoryPresenceRepository struct {
	mu      sync.Mutex
	records map[string]models.PresenceRecord
	users   *MemoryUserRepository
	now     func() time.Time
}

// NewMemoryPresenceRepository creates an empty store. users may be nil, in
// which case snapshot labels are always nil.
func NewMemoryPresenceRepository(users *MemoryUserRepository, now func() time.Time) *MemoryPresenceRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryPresenceRepository{
		records: make(map[string]models.PresenceRecord),
		users:   users,
		now:     now,
	}
}

// UpsertByUserID replaces the position for a user unconditionally
func (r *MemoryPresenceRepository) UpsertByUserID(ctx context.Context, userID string, lat, lng float64) (*models.PresenceRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.records[userID]
	rec := models.PresenceRecord{
		UserID:    userID,
		Latitude:  lat,
		Longitude: lng,
		UpdatedAt: r.now(),
		IsActive:  true,
	}
	r.records[userID] = rec
	return &rec, !exists, nil
}

// SetInactive clears is_active for a user
func (r *MemoryPresenceRepository) SetInactive(ctx context.Context, userID string) (*models.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	rec.IsActive = false
	rec.UpdatedAt = r.now()
	r.records[userID] = rec
	return &rec, nil
}

// GetAllActive returns every active record, newest first
func (r *MemoryPresenceRepository) GetAllActive(ctx context.Context) ([]*models.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	records := make([]*models.PresenceRecord, 0, len(r.records))
	for _, rec := range r.records {
		if !rec.IsActive {
			continue
		}
		rec := rec
		records = append(records, &rec)
	}
	r.mu.Unlock()

	for _, rec := range records {
		rec.Label = r.users.label(rec.UserID)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

// Len reports how many records exist, active or not
func (r *MemoryPresenceRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
