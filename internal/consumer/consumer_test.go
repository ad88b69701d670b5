package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"guest-presence/internal/models"
	"guest-presence/internal/repository"
	"guest-presence/internal/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReader struct {
	mu      sync.Mutex
	records []*models.PresenceRecord
	err     error
	onRead  func()
	reads   int
}

func (s *stubReader) GetAllActive(ctx context.Context) ([]*models.PresenceRecord, error) {
	s.mu.Lock()
	s.reads++
	onRead, records, err := s.onRead, s.records, s.err
	s.mu.Unlock()

	if onRead != nil {
		onRead()
	}
	return records, err
}

func (s *stubReader) set(records []*models.PresenceRecord, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records, s.err = records, err
}

func (s *stubReader) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// nopBroadcast records the subscriber so tests can push events directly
type nopBroadcast struct {
	mu           sync.Mutex
	fn           func(models.ChangeEvent)
	unsubscribed bool
}

func (b *nopBroadcast) Subscribe(fn func(models.ChangeEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fn = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.unsubscribed = true
	}
}

func (b *nopBroadcast) emit(ev models.ChangeEvent) {
	b.mu.Lock()
	fn := b.fn
	b.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func record(userID string, lat, lng float64, updatedAt time.Time) *models.PresenceRecord {
	return &models.PresenceRecord{UserID: userID, Latitude: lat, Longitude: lng, UpdatedAt: updatedAt, IsActive: true}
}

func TestIsStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		age   time.Duration
		stale bool
	}{
		{name: "exactly sixty minutes", age: 60 * time.Minute, stale: true},
		{name: "one second short", age: 59*time.Minute + 59*time.Second, stale: false},
		{name: "sixty one minutes", age: 61 * time.Minute, stale: true},
		{name: "fifty nine minutes", age: 59 * time.Minute, stale: false},
		{name: "just written", age: 0, stale: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.stale, IsStale(now, now.Add(-tt.age), DefaultStaleAfter))
		})
	}
}

func TestNewMarker(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	label := "Villa 2"
	entry := Entry{UserID: "u1", Label: &label, Latitude: 9.6, Longitude: -83.7, UpdatedAt: now.Add(-5 * time.Minute)}

	fresh := NewMarker(entry, now, DefaultStaleAfter)
	assert.False(t, fresh.Stale)
	assert.Equal(t, freshOpacity, fresh.Opacity)
	assert.Equal(t, freshColor, fresh.Color)
	assert.Equal(t, "5m0s", fresh.Age)
	assert.Len(t, fresh.Geohash, 7)
	assert.Equal(t, "Villa 2", *fresh.Label)

	stale := NewMarker(entry, now.Add(2*time.Hour), DefaultStaleAfter)
	assert.True(t, stale.Stale)
	assert.Equal(t, staleOpacity, stale.Opacity)
	assert.Equal(t, staleColor, stale.Color)
	assert.Equal(t, fresh.Geohash, stale.Geohash)
}

func TestConsumer_ViewTracksClockWithoutNewData(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := &stubReader{records: []*models.PresenceRecord{record("u1", 1, 1, t0)}}
	c := New(reader, &nopBroadcast{})
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	assert.False(t, c.View(t0.Add(59*time.Minute))[0].Stale)
	assert.True(t, c.View(t0.Add(61*time.Minute))[0].Stale)
}

func TestConsumer_EventOverwritesAndKeepsLabel(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	label := "Villa 2"
	rec := record("u1", 1, 1, t0)
	rec.Label = &label
	bc := &nopBroadcast{}
	c := New(&stubReader{records: []*models.PresenceRecord{rec}}, bc)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	// older than the cached entry, still applied
	bc.emit(models.ChangeEvent{Type: models.ChangeUpdate, UserID: "u1", Latitude: 2, Longitude: 2, UpdatedAt: t0.Add(-time.Minute), IsActive: true})

	entries := c.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 2.0, entries[0].Latitude)
	assert.Equal(t, t0.Add(-time.Minute), entries[0].UpdatedAt)
	require.NotNil(t, entries[0].Label)
	assert.Equal(t, "Villa 2", *entries[0].Label)

	bc.emit(models.ChangeEvent{Type: models.ChangeUpdate, UserID: "u1", IsActive: false})
	assert.Empty(t, c.Entries())
}

func TestConsumer_VerbosePollLoadingAndError(t *testing.T) {
	reader := &stubReader{err: errors.New("store down")}
	c := New(reader, &nopBroadcast{})

	var loadingDuringRead bool
	reader.onRead = func() { loadingDuringRead = c.Loading() }

	err := c.Start(context.Background())
	defer c.Close()

	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.True(t, loadingDuringRead)
	assert.False(t, c.Loading())
	assert.ErrorAs(t, c.Err(), &readErr)

	// a later verbose poll that succeeds clears the error
	reader.set(nil, nil)
	require.NoError(t, c.Reconciler().Poll(context.Background(), false))
	assert.NoError(t, c.Err())
}

func TestConsumer_SilentPollNeverFlickers(t *testing.T) {
	t0 := time.Now()
	reader := &stubReader{records: []*models.PresenceRecord{record("u1", 1, 1, t0)}}
	c := New(reader, &nopBroadcast{})
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	var loadingDuringRead bool
	reader.mu.Lock()
	reader.onRead = func() {
		if c.Loading() {
			loadingDuringRead = true
		}
	}
	reader.mu.Unlock()

	reader.set([]*models.PresenceRecord{record("u2", 2, 2, t0)}, nil)
	require.NoError(t, c.Reconciler().Poll(context.Background(), true))
	assert.False(t, loadingDuringRead)
	require.Len(t, c.Entries(), 1)
	assert.Equal(t, "u2", c.Entries()[0].UserID, "snapshot replaces the cache")

	reader.set(nil, errors.New("store down"))
	err := c.Reconciler().Poll(context.Background(), true)
	assert.Error(t, err)
	assert.False(t, loadingDuringRead)
	assert.False(t, c.Loading())
	assert.NoError(t, c.Err(), "silent failures are not surfaced")
	require.Len(t, c.Entries(), 1, "cache kept after a failed silent poll")
}

func TestConsumer_TickerPollsSilently(t *testing.T) {
	reader := &stubReader{}
	c := New(reader, &nopBroadcast{}, WithPollInterval(5*time.Millisecond))
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return reader.Reads() >= 3 }, time.Second, time.Millisecond)
	c.Close()

	reads := reader.Reads()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, reads, reader.Reads(), "no poll after Close")
}

func TestConsumer_TeardownFinality(t *testing.T) {
	t0 := time.Now()
	reader := &stubReader{records: []*models.PresenceRecord{record("u1", 1, 1, t0)}}
	bc := &nopBroadcast{}
	c := New(reader, bc)
	require.NoError(t, c.Start(context.Background()))

	c.Close()
	c.Close()
	assert.True(t, bc.unsubscribed)

	before := c.Entries()
	token := c.BeginRead()
	bc.emit(models.ChangeEvent{Type: models.ChangeInsert, UserID: "u2", IsActive: true, UpdatedAt: t0})
	c.ApplySnapshot(token, nil)
	reader.set(nil, errors.New("store down"))
	_ = c.Reconciler().Poll(context.Background(), false)

	assert.Equal(t, before, c.Entries())
	assert.NoError(t, c.Err())
	assert.False(t, c.Loading())
}

// An event that lands while a snapshot read is in flight survives the
// snapshot that replaces the cache
func TestConsumer_SnapshotKeepsEventsNewerThanRead(t *testing.T) {
	t0 := time.Now()
	reader := &stubReader{}
	bc := &nopBroadcast{}
	c := New(reader, bc)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	reader.mu.Lock()
	reader.records = []*models.PresenceRecord{record("u1", 1, 1, t0)}
	reader.onRead = func() {
		bc.emit(models.ChangeEvent{Type: models.ChangeInsert, UserID: "u2", Latitude: 2, Longitude: 2, UpdatedAt: t0, IsActive: true})
	}
	reader.mu.Unlock()

	require.NoError(t, c.Reconciler().Poll(context.Background(), true))

	entries := c.Entries()
	require.Len(t, entries, 2)
	ids := []string{entries[0].UserID, entries[1].UserID}
	assert.ElementsMatch(t, []string{"u1", "u2"}, ids)

	// the journal is only kept while a read is outstanding
	c.mu.Lock()
	assert.Empty(t, c.journal)
	c.mu.Unlock()
}

func TestConsumer_SnapshotDropsEventsOlderThanRead(t *testing.T) {
	t0 := time.Now()
	reader := &stubReader{}
	bc := &nopBroadcast{}
	c := New(reader, bc)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	bc.emit(models.ChangeEvent{Type: models.ChangeInsert, UserID: "gone", UpdatedAt: t0, IsActive: true})
	require.Len(t, c.Entries(), 1)

	// the store no longer has it, the snapshot is authoritative
	require.NoError(t, c.Reconciler().Poll(context.Background(), true))
	assert.Empty(t, c.Entries())
}

type pipeline struct {
	store    *repository.MemoryPresenceRepository
	hub      *services.Hub
	gateway  *services.Gateway
	consumer *Consumer
	now      time.Time
	mu       sync.Mutex
}

func (p *pipeline) clock() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

func (p *pipeline) advance(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = p.now.Add(d)
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p.store = repository.NewMemoryPresenceRepository(nil, p.clock)
	p.hub = services.NewHub(16)
	p.gateway = services.NewGateway(p.store, p.hub)
	p.consumer = New(p.gateway, p.hub, WithClock(p.clock))
	require.NoError(t, p.consumer.Start(context.Background()))
	t.Cleanup(p.consumer.Close)
	return p
}

func TestScenario_FirstFixReachesConsumer(t *testing.T) {
	p := newPipeline(t)
	u1 := uuid.NewString()

	require.NoError(t, p.gateway.Upsert(context.Background(), u1, 9.6, -83.7))

	records, err := p.store.GetAllActive(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 9.6, records[0].Latitude)
	assert.Equal(t, -83.7, records[0].Longitude)

	require.Eventually(t, func() bool { return len(p.consumer.Entries()) == 1 }, time.Second, 5*time.Millisecond)
	view := p.consumer.CurrentView()
	require.Len(t, view, 1)
	assert.Equal(t, u1, view[0].UserID)
	assert.False(t, view[0].Stale)
}

func TestScenario_SecondFixReplacesFirst(t *testing.T) {
	p := newPipeline(t)
	u1 := uuid.NewString()
	ctx := context.Background()

	require.NoError(t, p.gateway.Upsert(ctx, u1, 9.6, -83.7))
	p.advance(30 * time.Minute)
	require.NoError(t, p.gateway.Upsert(ctx, u1, 9.65, -83.75))

	assert.Equal(t, 1, p.store.Len())
	require.Eventually(t, func() bool {
		e := p.consumer.Entries()
		return len(e) == 1 && e[0].Latitude == 9.65
	}, time.Second, 5*time.Millisecond)

	// a snapshot agrees with the pushed state
	require.NoError(t, p.consumer.Reconciler().Poll(ctx, true))
	view := p.consumer.CurrentView()
	require.Len(t, view, 1)
	assert.Equal(t, 9.65, view[0].Latitude)
	assert.False(t, view[0].Stale)
}

func TestScenario_OldRecordIsStale(t *testing.T) {
	p := newPipeline(t)
	u1 := uuid.NewString()

	require.NoError(t, p.gateway.Upsert(context.Background(), u1, 9.6, -83.7))
	require.Eventually(t, func() bool { return len(p.consumer.Entries()) == 1 }, time.Second, 5*time.Millisecond)

	p.advance(61 * time.Minute)

	view := p.consumer.CurrentView()
	require.Len(t, view, 1)
	assert.True(t, view[0].Stale)
	assert.Equal(t, staleColor, view[0].Color)
}
