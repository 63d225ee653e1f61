// Package live fans persisted violation events out to subscribers
// (dashboards, invigilator consoles). Strictly best-effort: a publish
// failure never blocks or fails recording.
package live

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/invigilo-labs/proctor/pkg/proctor"
)

// RedisPublisher publishes event JSON on a per-session channel.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects a publisher to the given Redis address.
func NewRedisPublisher(addr, password string, db int) *RedisPublisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisPublisher{client: rdb}
}

// ChannelFor returns the pub/sub channel name for a session.
func ChannelFor(sessionID string) string {
	return "proctor:events:" + sessionID
}

// Publish sends one event to the session's channel.
func (p *RedisPublisher) Publish(ctx context.Context, event proctor.ViolationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, ChannelFor(event.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close releases the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
