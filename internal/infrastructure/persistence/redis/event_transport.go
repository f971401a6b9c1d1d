package redis

import (
	"context"
	"fmt"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/messaging"
)

// EventTransport adapts Cache to messaging.RedisClient for the Redis event bus.
type EventTransport struct {
	cache *Cache
}

// NewEventTransport creates a new transport.
func NewEventTransport(cache *Cache) *EventTransport {
	return &EventTransport{cache: cache}
}

// Publish implements messaging.RedisClient.
func (t *EventTransport) Publish(ctx context.Context, channel string, message interface{}) error {
	return t.cache.Publish(ctx, channel, message)
}

// Subscribe implements messaging.RedisClient. The returned channel closes when
// ctx is done.
func (t *EventTransport) Subscribe(ctx context.Context, channels ...string) (<-chan messaging.RedisMessage, error) {
	ps := t.cache.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	out := make(chan messaging.RedisMessage, 64)
	in := ps.Channel()
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- messaging.RedisMessage{Channel: msg.Channel, Payload: msg.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ messaging.RedisClient = (*EventTransport)(nil)
