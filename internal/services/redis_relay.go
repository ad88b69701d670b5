package services

import (
	"context"
	"encoding/json"
	"fmt"

	"guest-presence/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisRelay carries change events between server instances over Redis
// Pub/Sub. Writes publish to the channel; Run feeds whatever arrives on the
// channel into the local hub, including this instance's own writes.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
}

// NewRedisRelay creates a relay on top of a local hub
func NewRedisRelay(client *redis.Client, channel string, hub *Hub) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		hub:     hub,
	}
}

// Publish sends ev to every instance listening on the channel
func (r *RedisRelay) Publish(ctx context.Context, ev models.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Subscribe registers fn on the local hub
func (r *RedisRelay) Subscribe(fn func(models.ChangeEvent)) func() {
	return r.hub.Subscribe(fn)
}

// Run relays channel messages into the hub until ctx is cancelled
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	log.Info().Str("channel", r.channel).Msg("Redis relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := decodeEvent(msg.Payload)
			if err != nil {
				log.Error().Err(err).Str("channel", r.channel).Msg("Failed to decode relayed change event")
				continue
			}
			r.hub.Publish(ctx, ev)
		}
	}
}

func decodeEvent(payload string) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("failed to unmarshal change event: %w", err)
	}
	if ev.UserID == "" {
		return ev, fmt.Errorf("change event without user_id")
	}
	return ev, nil
}
