package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"guest-presence/internal/models"
)

// State of a producer's watch
type State int

const (
	Idle State = iota
	Watching
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Watching:
		return "watching"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrorKind classifies why a watch ended
type ErrorKind string

const (
	PermissionDenied    ErrorKind = "permission_denied"
	Timeout             ErrorKind = "timeout"
	PositionUnavailable ErrorKind = "position_unavailable"
)

// ProducerError ends the current watch session. The producer does not
// retry; the operator has to start it again.
type ProducerError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProducerError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProducerError) Unwrap() error {
	return e.Err
}

// ErrAlreadyWatching is returned by Start on a producer that is not idle
var ErrAlreadyWatching = errors.New("producer is already watching")

// Source is the platform's continuous position watch. Watch sends every fix
// to fixes until ctx is done, then returns nil or ctx.Err(). A failed watch
// returns a *ProducerError. Implementations must not block on a send once
// ctx is done.
type Source interface {
	Watch(ctx context.Context, fixes chan<- models.Fix) error
}

// Producer owns the start/stop lifecycle of a Source
type Producer struct {
	source Source

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle producer
func New(source Source) *Producer {
	return &Producer{source: source}
}

// State reports whether the producer is watching
func (p *Producer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start begins watching. onFix runs once per fix with no batching or
// filtering. If the watch fails the producer returns to Idle before onError
// is called. Cancelling ctx has the same effect as Stop.
func (p *Producer) Start(ctx context.Context, onFix func(models.Fix), onError func(error)) error {
	_, err := p.start(ctx, onFix, onError)
	return err
}

// start returns a channel closed once the session has fully ended
func (p *Producer) start(ctx context.Context, onFix func(models.Fix), onError func(error)) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Watching {
		return nil, ErrAlreadyWatching
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.state = Watching
	p.cancel = cancel
	p.done = done

	go p.run(watchCtx, done, onFix, onError)
	return done, nil
}

// Stop cancels the watch and waits for it to wind down, so no onFix runs
// after Stop returns. Safe to call when idle. Must not be called from
// inside onFix.
func (p *Producer) Stop() {
	p.mu.Lock()
	if p.state == Idle {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.reset()
	p.mu.Unlock()

	cancel()
	<-done
}

// reset requires p.mu
func (p *Producer) reset() {
	p.state = Idle
	p.cancel = nil
	p.done = nil
}

func (p *Producer) run(ctx context.Context, done chan struct{}, onFix func(models.Fix), onError func(error)) {
	defer close(done)

	fixes := make(chan models.Fix)
	errc := make(chan error, 1)
	go func() {
		errc <- p.source.Watch(ctx, fixes)
	}()

	for {
		select {
		case fix := <-fixes:
			if ctx.Err() != nil {
				continue
			}
			onFix(fix)

		case err := <-errc:
			stopped := ctx.Err() != nil
			p.endSession(done)
			if stopped {
				return
			}
			if err != nil && onError != nil {
				onError(err)
			}
			return

		case <-ctx.Done():
			// wait for the source to return so nothing outlives the session
			for {
				select {
				case <-fixes:
				case <-errc:
					p.endSession(done)
					return
				}
			}
		}
	}
}

// endSession moves to Idle on behalf of the session that owns done
func (p *Producer) endSession(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != done {
		return
	}
	p.cancel()
	p.reset()
}

// Samples is the stream form of Start: every fix becomes a LocationSample
// for userID on the first channel. A watch failure is sent on the second
// channel. Both channels close once ctx is cancelled or the watch ends.
func (p *Producer) Samples(ctx context.Context, userID string) (<-chan models.LocationSample, <-chan error, error) {
	samples := make(chan models.LocationSample)
	errc := make(chan error, 1)
	streamCtx, cancel := context.WithCancel(ctx)

	onFix := func(fix models.Fix) {
		sample := models.LocationSample{
			UserID:     userID,
			Latitude:   fix.Latitude,
			Longitude:  fix.Longitude,
			CapturedAt: fix.CapturedAt,
		}
		select {
		case samples <- sample:
		case <-streamCtx.Done():
		}
	}
	onError := func(err error) {
		errc <- err
		cancel()
	}

	done, err := p.start(streamCtx, onFix, onError)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	go func() {
		select {
		case <-streamCtx.Done():
		case <-done:
		}
		cancel()
		<-done
		close(samples)
		close(errc)
	}()

	return samples, errc, nil
}
