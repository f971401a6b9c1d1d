package memory

import (
	"context"
	"sync"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/enrollment"
)

// WatchHub fans enrollment snapshots out to watchers of the same ID. Each
// watcher holds at most one pending snapshot; a newer one replaces it.
type WatchHub struct {
	mu       sync.Mutex
	watchers map[string]map[chan *enrollment.Enrollment]struct{}
}

// NewWatchHub creates an empty hub.
func NewWatchHub() *WatchHub {
	return &WatchHub{watchers: make(map[string]map[chan *enrollment.Enrollment]struct{})}
}

// Watch registers a watcher for id until ctx is done.
func (h *WatchHub) Watch(ctx context.Context, id string) <-chan *enrollment.Enrollment {
	ch := make(chan *enrollment.Enrollment, 1)

	h.mu.Lock()
	set, ok := h.watchers[id]
	if !ok {
		set = make(map[chan *enrollment.Enrollment]struct{})
		h.watchers[id] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.watchers[id], ch)
		if len(h.watchers[id]) == 0 {
			delete(h.watchers, id)
		}
		close(ch)
	}()

	return ch
}

// Publish delivers e to every watcher of e.ID without blocking.
func (h *WatchHub) Publish(e *enrollment.Enrollment) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.watchers[e.ID] {
		for delivered := false; !delivered; {
			select {
			case ch <- e:
				delivered = true
			default:
				// drop the stale snapshot
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

// Notify implements enrollment.Notifier.
func (h *WatchHub) Notify(_ context.Context, e *enrollment.Enrollment) error {
	h.Publish(e.Clone())
	return nil
}

// Watchers returns the number of active watchers for id.
func (h *WatchHub) Watchers(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[id])
}

var _ enrollment.Notifier = (*WatchHub)(nil)
