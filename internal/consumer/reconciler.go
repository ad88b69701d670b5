package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ReadError is a failed snapshot read
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("snapshot read failed: %v", e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Reconciler polls the store for full snapshots on a fixed interval,
// independent of the broadcast, so dropped events heal on the next tick.
type Reconciler struct {
	consumer *Consumer
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newReconciler(c *Consumer, interval time.Duration) *Reconciler {
	return &Reconciler{consumer: c, interval: interval}
}

// Reconciler returns the consumer's poller
func (c *Consumer) Reconciler() *Reconciler {
	return c.reconciler
}

// Poll reads a full snapshot and applies it as a replace. A verbose poll
// raises the loading flag for its duration and records a failure in
// Consumer.Err. A silent poll never touches either; on failure it only logs
// and the cache stays as it was.
func (r *Reconciler) Poll(ctx context.Context, silent bool) error {
	c := r.consumer
	if c.isClosed() {
		return nil
	}

	if !silent {
		c.setLoading(true)
		defer c.setLoading(false)
	}

	token := c.BeginRead()
	records, err := c.reader.GetAllActive(ctx)
	if err != nil {
		c.EndRead(token)
		readErr := &ReadError{Err: err}
		if silent {
			log.Warn().Err(err).Msg("Silent presence poll failed, keeping cached view")
		} else {
			log.Error().Err(err).Msg("Presence snapshot read failed")
			c.setErr(readErr)
		}
		return readErr
	}

	c.ApplySnapshot(token, records)
	if !silent {
		c.setErr(nil)
	}

	log.Debug().
		Int("records", len(records)).
		Bool("silent", silent).
		Msg("Presence snapshot applied")

	return nil
}

// Start runs a silent poll every interval until Stop or ctx is done. A
// second Start while running is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil || r.consumer.isClosed() {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go r.loop(ctx, done)
}

// Stop halts the timer and waits for an in-flight poll to finish
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reconciler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// errors are already logged by the silent poll
			_ = r.Poll(ctx, true)
		}
	}
}
