package producer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const deactivateTimeout = 5 * time.Second

// Writer accepts one position per call. The presence gateway and the HTTP
// client both satisfy it.
type Writer interface {
	Upsert(ctx context.Context, userID string, lat, lng float64) error
}

// Deactivator is implemented by writers that can take a user off the map
type Deactivator interface {
	Deactivate(ctx context.Context, userID string) error
}

// Tracker turns every fix from a producer into one upsert for its user
type Tracker struct {
	producer         *Producer
	writer           Writer
	userID           string
	deactivateOnStop bool

	written atomic.Int64
	dropped atomic.Int64
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithDeactivateOnStop makes Run deactivate the user's record once tracking
// ends. The writer must implement Deactivator.
func WithDeactivateOnStop(enabled bool) TrackerOption {
	return func(t *Tracker) {
		t.deactivateOnStop = enabled
	}
}

// NewTracker creates a tracker for userID
func NewTracker(p *Producer, w Writer, userID string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		producer: p,
		writer:   w,
		userID:   userID,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run tracks until ctx is cancelled or the producer fails. A failed write
// loses that sample only; the next fix is tried as usual. The producer's
// error, if any, is returned.
func (t *Tracker) Run(ctx context.Context) error {
	samples, errc, err := t.producer.Samples(ctx, t.userID)
	if err != nil {
		return fmt.Errorf("failed to start producer: %w", err)
	}

	log.Info().Str("user_id", t.userID).Msg("Tracking started")

	for sample := range samples {
		if err := t.writer.Upsert(ctx, sample.UserID, sample.Latitude, sample.Longitude); err != nil {
			t.dropped.Add(1)
			log.Warn().
				Err(err).
				Str("user_id", sample.UserID).
				Time("captured_at", sample.CapturedAt).
				Msg("Dropping location sample")
			continue
		}
		t.written.Add(1)
	}

	runErr := <-errc

	logger := log.Info()
	if runErr != nil {
		logger = log.Error().Err(runErr)
	}
	logger.
		Str("user_id", t.userID).
		Int64("written", t.written.Load()).
		Int64("dropped", t.dropped.Load()).
		Msg("Tracking stopped")

	if t.deactivateOnStop {
		t.deactivate()
	}

	return runErr
}

// Written returns the number of samples the writer accepted
func (t *Tracker) Written() int64 {
	return t.written.Load()
}

// Dropped returns the number of samples lost to write failures
func (t *Tracker) Dropped() int64 {
	return t.dropped.Load()
}

// The run context is usually cancelled by now, so the final write gets its own.
func (t *Tracker) deactivate() {
	d, ok := t.writer.(Deactivator)
	if !ok {
		log.Warn().Str("user_id", t.userID).Msg("Writer cannot deactivate, leaving record to go stale")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deactivateTimeout)
	defer cancel()

	if err := d.Deactivate(ctx, t.userID); err != nil {
		log.Warn().Err(err).Str("user_id", t.userID).Msg("Failed to deactivate presence record")
		return
	}
	log.Info().Str("user_id", t.userID).Msg("Presence record deactivated")
}

// IsProducerError reports whether err ended a watch, as opposed to a write
func IsProducerError(err error) bool {
	var pe *ProducerError
	return errors.As(err, &pe)
}
