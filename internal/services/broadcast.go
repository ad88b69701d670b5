package services

import (
	"context"
	"sync"

	"guest-presence/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultSubscriberBuffer is the per-subscriber queue length used when none is given
const DefaultSubscriberBuffer = 64

// Hub fans change events out to every live subscriber in this process.
// Delivery is best effort: a subscriber whose queue is full misses the
// event, and nothing orders events for different users.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	buffer      int
}

type subscriber struct {
	id    string
	fn    func(models.ChangeEvent)
	queue chan models.ChangeEvent
	done  chan struct{}
	once  sync.Once

	// held for the duration of every callback
	mu     sync.Mutex
	closed bool
}

// NewHub creates a new broadcast hub
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		subscribers: make(map[string]*subscriber),
		buffer:      buffer,
	}
}

// Subscribe registers fn for every future event and returns the function
// that cancels the subscription. Cancelling is idempotent, and once it
// returns fn is neither running nor going to run again, even for events that
// were already queued. It must not be called from inside fn.
func (h *Hub) Subscribe(fn func(models.ChangeEvent)) func() {
	s := &subscriber{
		id:    uuid.NewString(),
		fn:    fn,
		queue: make(chan models.ChangeEvent, h.buffer),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.subscribers[s.id] = s
	h.mu.Unlock()

	go h.deliver(s)

	log.Debug().Str("subscriber_id", s.id).Msg("Broadcast subscriber registered")

	return func() { h.unsubscribe(s) }
}

func (h *Hub) unsubscribe(s *subscriber) {
	s.once.Do(func() {
		h.mu.Lock()
		delete(h.subscribers, s.id)
		h.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		close(s.done)
		s.mu.Unlock()

		log.Debug().Str("subscriber_id", s.id).Msg("Broadcast subscriber removed")
	})
}

// Publish queues ev for every current subscriber without blocking
func (h *Hub) Publish(ctx context.Context, ev models.ChangeEvent) error {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.queue <- ev:
		default:
			log.Warn().
				Str("subscriber_id", s.id).
				Str("user_id", ev.UserID).
				Msg("Subscriber queue full, dropping change event")
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) deliver(s *subscriber) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			s.mu.Lock()
			if !s.closed {
				invoke(s, ev)
			}
			s.mu.Unlock()
		}
	}
}

func invoke(s *subscriber, ev models.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("subscriber_id", s.id).
				Msg("Broadcast subscriber panicked")
		}
	}()
	s.fn(ev)
}
