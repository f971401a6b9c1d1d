package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/enrollment"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// ProgressFeed carries committed enrollment snapshots between instances over
// Redis pub/sub. It implements enrollment.Notifier on the write side and
// enrollment.Watcher on the read side.
type ProgressFeed struct {
	cache *Cache
	log   *logger.Logger
}

// NewProgressFeed creates a new feed.
func NewProgressFeed(cache *Cache, log *logger.Logger) *ProgressFeed {
	if log == nil {
		log = logger.Nop()
	}
	return &ProgressFeed{cache: cache, log: log.With(logger.Component("progress_feed"))}
}

// Notify implements enrollment.Notifier.
func (f *ProgressFeed) Notify(ctx context.Context, e *enrollment.Enrollment) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	return f.cache.Publish(ctx, ProgressChannel(e.ID), data)
}

// Watch implements enrollment.Watcher. The subscription is confirmed before
// Watch returns, so no snapshot committed afterwards is missed.
func (f *ProgressFeed) Watch(ctx context.Context, id string) (<-chan *enrollment.Enrollment, error) {
	ps := f.cache.Subscribe(ctx, ProgressChannel(id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe progress %s: %w", id, err)
	}

	out := make(chan *enrollment.Enrollment, 1)
	messages := ps.Channel()

	go func() {
		defer close(out)
		defer ps.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var snap enrollment.Enrollment
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					f.log.Warn("dropping malformed progress snapshot", logger.EnrollmentID(id), logger.Err(err))
					continue
				}
				offerLatest(out, &snap)
			}
		}
	}()
	return out, nil
}

// offerLatest replaces any undelivered snapshot with snap.
func offerLatest(ch chan *enrollment.Enrollment, snap *enrollment.Enrollment) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

var (
	_ enrollment.Notifier = (*ProgressFeed)(nil)
	_ enrollment.Watcher  = (*ProgressFeed)(nil)
)
