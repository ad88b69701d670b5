package consumer

import (
	"context"
	"sort"
	"sync"
	"time"

	"guest-presence/internal/models"

	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultStaleAfter   = 60 * time.Minute
)

// SnapshotReader is the full-state read of the presence store
type SnapshotReader interface {
	GetAllActive(ctx context.Context) ([]*models.PresenceRecord, error)
}

// Broadcast is the push channel of change events
type Broadcast interface {
	Subscribe(fn func(models.ChangeEvent)) func()
}

// Entry is the local shadow of one presence record
type Entry struct {
	UserID    string
	Label     *string
	Latitude  float64
	Longitude float64
	UpdatedAt time.Time
}

// journaled is an event kept while a snapshot read is in flight
type journaled struct {
	seq uint64
	ev  models.ChangeEvent
}

// Consumer merges snapshot reads and broadcast events into one view. Events
// overwrite the entry for their user with no timestamp comparison; snapshots
// replace the whole cache.
type Consumer struct {
	reader     SnapshotReader
	broadcast  Broadcast
	staleAfter time.Duration
	now        func() time.Time
	reconciler *Reconciler

	mu          sync.Mutex
	entries     map[string]Entry
	seq         uint64
	outstanding map[uint64]int
	journal     []journaled
	loading     bool
	err         error
	started     bool
	closed      bool
	unsubscribe func()
}

// Option configures a Consumer
type Option func(*Consumer)

// WithPollInterval sets the cadence of silent polls
func WithPollInterval(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.reconciler.interval = d
		}
	}
}

// WithStaleAfter sets the age at which an entry counts as stale
func WithStaleAfter(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithClock replaces time.Now for staleness
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) {
		c.now = now
	}
}

// New creates a consumer. Nothing is read or subscribed until Start.
func New(reader SnapshotReader, broadcast Broadcast, opts ...Option) *Consumer {
	c := &Consumer{
		reader:      reader,
		broadcast:   broadcast,
		staleAfter:  DefaultStaleAfter,
		now:         time.Now,
		entries:     make(map[string]Entry),
		outstanding: make(map[uint64]int),
	}
	c.reconciler = newReconciler(c, DefaultPollInterval)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to the broadcast, runs one verbose poll and then keeps
// polling silently until Close or ctx is done. The verbose poll's error is
// returned and also kept in Err.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	// subscribe before the first read so nothing written in between is lost
	unsubscribe := c.broadcast.Subscribe(c.ApplyEvent)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsubscribe()
		return nil
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	err := c.reconciler.Poll(ctx, false)
	c.reconciler.Start(ctx)
	return err
}

// Close unsubscribes from the broadcast and stops the poll timer. Once it
// returns no event, snapshot or tick changes the view. Idempotent.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.reconciler.Stop()

	log.Debug().Msg("Presence consumer closed")
}

// ApplyEvent patches the cache with one broadcast event. An inactive record
// leaves the view.
func (c *Consumer) ApplyEvent(ev models.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.seq++
	if len(c.outstanding) > 0 {
		c.journal = append(c.journal, journaled{seq: c.seq, ev: ev})
	}
	c.apply(ev)
}

// apply requires c.mu
func (c *Consumer) apply(ev models.ChangeEvent) {
	if !ev.IsActive {
		delete(c.entries, ev.UserID)
		return
	}
	// events carry no label, keep the one from the last snapshot
	label := c.entries[ev.UserID].Label
	c.entries[ev.UserID] = Entry{
		UserID:    ev.UserID,
		Label:     label,
		Latitude:  ev.Latitude,
		Longitude: ev.Longitude,
		UpdatedAt: ev.UpdatedAt,
	}
}

// BeginRead marks the start of a snapshot read. The token it returns must be
// passed to ApplySnapshot or EndRead.
func (c *Consumer) BeginRead() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	token := c.seq
	c.outstanding[token]++
	return token
}

// EndRead abandons a read without applying it
func (c *Consumer) EndRead(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release(token)
}

// ApplySnapshot replaces the cache with records, then replays every event
// that arrived after the read behind token began. Without per-record
// versions an event the read already saw may be replayed, so the view is
// eventually correct rather than monotonic.
func (c *Consumer) ApplySnapshot(token uint64, records []*models.PresenceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.release(token)
	if c.closed {
		return
	}

	entries := make(map[string]Entry, len(records))
	for _, rec := range records {
		if !rec.IsActive {
			continue
		}
		entries[rec.UserID] = Entry{
			UserID:    rec.UserID,
			Label:     rec.Label,
			Latitude:  rec.Latitude,
			Longitude: rec.Longitude,
			UpdatedAt: rec.UpdatedAt,
		}
	}
	c.entries = entries

	for _, j := range c.journal {
		if j.seq > token {
			c.apply(j.ev)
		}
	}
}

// release requires c.mu
func (c *Consumer) release(token uint64) {
	if n := c.outstanding[token]; n > 1 {
		c.outstanding[token] = n - 1
	} else {
		delete(c.outstanding, token)
	}

	if len(c.outstanding) == 0 {
		c.journal = nil
		return
	}
	oldest := c.seq
	for t := range c.outstanding {
		if t < oldest {
			oldest = t
		}
	}
	keep := c.journal[:0]
	for _, j := range c.journal {
		if j.seq > oldest {
			keep = append(keep, j)
		}
	}
	c.journal = keep
}

// Entries returns the cached entries, newest first
func (c *Consumer) Entries() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// View renders the cache at now. Staleness is derived here on every call so
// it tracks the clock even when no data arrives.
func (c *Consumer) View(now time.Time) []Marker {
	entries := c.Entries()
	markers := make([]Marker, 0, len(entries))
	for _, e := range entries {
		markers = append(markers, NewMarker(e, now, c.staleAfter))
	}
	return markers
}

// CurrentView renders the cache at the consumer's clock
func (c *Consumer) CurrentView() []Marker {
	return c.View(c.now())
}

// Loading reports whether the verbose startup poll is in progress
func (c *Consumer) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Err returns the error of the last verbose poll, if it failed
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Consumer) setLoading(loading bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.loading = loading
}

func (c *Consumer) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.err = err
}

func (c *Consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
