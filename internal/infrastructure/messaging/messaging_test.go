package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY BUS
// ══════════════════════════════════════════════════════════════════════════════

func TestInMemoryEventBus_SyncDelivery(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{EnableMetrics: true})
	defer bus.Close()

	var typed, all int
	require.NoError(t, bus.Subscribe(shared.EventModuleCompleted, func(shared.Event) error { typed++; return nil }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { all++; return nil }))

	require.NoError(t, bus.Publish(shared.NewModuleCompletedEvent("enr-1", "am-101", "m1")))
	require.NoError(t, bus.Publish(shared.NewCompetencyProgressedEvent("enr-1", "B")))

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)
	snap := bus.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.TotalPublished)
	assert.Equal(t, int64(3), snap.TotalHandlerExecs)
}

func TestInMemoryEventBus_AsyncCloseWaitsForHandlers(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2})

	var handled int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&handled, 1)
		return nil
	}))
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(shared.NewCompetencyProgressedEvent("enr-1", "A")))
	}
	require.NoError(t, bus.Close())

	assert.Equal(t, int32(5), atomic.LoadInt32(&handled))
	assert.ErrorIs(t, bus.Publish(shared.NewCompetencyProgressedEvent("enr-1", "A")), ErrEventBusClosed)
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS BUS
// ══════════════════════════════════════════════════════════════════════════════

// loopback fans every published message out to all subscribers.
type loopback struct {
	mu   sync.Mutex
	subs []chan RedisMessage
}

func (l *loopback) Publish(_ context.Context, channel string, message interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		ch <- RedisMessage{Channel: channel, Payload: message.(string)}
	}
	return nil
}

func (l *loopback) Subscribe(_ context.Context, _ ...string) (<-chan RedisMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan RedisMessage, 16)
	l.subs = append(l.subs, ch)
	return ch, nil
}

func TestRedisEventBus_FansOutToOtherInstances(t *testing.T) {
	net := &loopback{}
	a, err := NewRedisEventBus(RedisEventBusConfig{Client: net, InstanceID: "a"})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisEventBus(RedisEventBusConfig{Client: net, InstanceID: "b"})
	require.NoError(t, err)
	defer b.Close()

	var onA, onB int32
	received := make(chan shared.ModuleCompletedEvent, 1)
	require.NoError(t, a.Subscribe(shared.EventModuleCompleted, func(shared.Event) error {
		atomic.AddInt32(&onA, 1)
		return nil
	}))
	require.NoError(t, b.Subscribe(shared.EventModuleCompleted, func(e shared.Event) error {
		atomic.AddInt32(&onB, 1)
		received <- e.(shared.ModuleCompletedEvent)
		return nil
	}))

	require.NoError(t, a.Publish(shared.NewModuleCompletedEvent("enr-1", "am-101", "m1")))

	select {
	case e := <-received:
		assert.Equal(t, "enr-1", e.EnrollmentID)
		assert.Equal(t, "am-101", e.CourseID)
		assert.Equal(t, "m1", e.ModuleID)
	case <-time.After(time.Second):
		t.Fatal("remote instance did not receive event")
	}

	// a must not re-handle its own message coming back from redis
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&onA))
	assert.Equal(t, int32(1), atomic.LoadInt32(&onB))
}

func TestRedisEventBus_CourseCompletedHandledOnlyWhereCommitted(t *testing.T) {
	net := &loopback{}

	var issued int32
	var followUpSeen int32
	buses := make([]*RedisEventBus, 0, 3)
	for _, id := range []string{"a", "b", "c"} {
		bus, err := NewRedisEventBus(RedisEventBusConfig{Client: net, InstanceID: id})
		require.NoError(t, err)
		defer bus.Close()
		buses = append(buses, bus)

		d := fastDispatcher(bus)
		defer d.Stop()
		require.NoError(t, d.Register(shared.EventCourseCompleted, "issue_certificate", func(shared.Event) error {
			atomic.AddInt32(&issued, 1)
			return nil
		}))
		require.NoError(t, bus.Subscribe(shared.EventModuleCompleted, func(shared.Event) error {
			atomic.AddInt32(&followUpSeen, 1)
			return nil
		}))
	}

	completedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, buses[0].Publish(shared.NewCourseCompletedEvent("enr-1", "learner-1", "am-101", completedAt)))
	// published after the completion on the same channel, so once every
	// instance has seen it the completion has been delivered or dropped
	require.NoError(t, buses[0].Publish(shared.NewModuleCompletedEvent("enr-1", "am-101", "m2")))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&followUpSeen) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&issued))
}

func TestRedisEventBus_OriginOnlyIsConfigurable(t *testing.T) {
	net := &loopback{}
	a, err := NewRedisEventBus(RedisEventBusConfig{Client: net, InstanceID: "a", OriginOnly: []shared.EventType{}})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisEventBus(RedisEventBusConfig{Client: net, InstanceID: "b", OriginOnly: []shared.EventType{}})
	require.NoError(t, err)
	defer b.Close()

	received := make(chan struct{}, 1)
	require.NoError(t, b.Subscribe(shared.EventCourseCompleted, func(shared.Event) error {
		received <- struct{}{}
		return nil
	}))
	require.NoError(t, a.Publish(shared.NewCourseCompletedEvent("enr-1", "learner-1", "am-101", time.Now())))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("course completion was not fanned out")
	}
}

func TestNewRedisEventBus_RequiresClient(t *testing.T) {
	_, err := NewRedisEventBus(RedisEventBusConfig{})
	assert.Error(t, err)
}

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

func fastDispatcher(bus shared.EventSubscriber) *Dispatcher {
	cfg := DefaultDispatcherConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.HandlerTimeout = 50 * time.Millisecond
	return NewDispatcher(bus, cfg)
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{})
	d := fastDispatcher(bus)
	defer d.Stop()

	require.NoError(t, d.Register(shared.EventModuleCompleted, "boom", func(shared.Event) error {
		panic("bad handler")
	}))
	require.NoError(t, bus.Publish(shared.NewModuleCompletedEvent("enr-1", "am-101", "m1")))

	entries := d.DeadLetterQueue().Entries()
	require.Len(t, entries, 1)
	assert.ErrorIs(t, entries[0].Error, ErrHandlerPanic)
	assert.Equal(t, 1, entries[0].Attempts)
}

func TestDispatcher_RetriesTransientErrors(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{})
	d := fastDispatcher(bus)
	defer d.Stop()

	var calls int
	require.NoError(t, d.Register(shared.EventModuleCompleted, "flaky", func(shared.Event) error {
		calls++
		if calls < 3 {
			return shared.ErrCertificateUnavailable
		}
		return nil
	}))
	require.NoError(t, bus.Publish(shared.NewModuleCompletedEvent("enr-1", "am-101", "m1")))

	assert.Equal(t, 3, calls)
	assert.Zero(t, d.DeadLetterQueue().Size())
}

func TestDispatcher_TimesOutSlowHandlers(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{})
	d := fastDispatcher(bus)
	defer d.Stop()

	require.NoError(t, d.RegisterHandler(shared.EventModuleCompleted, HandlerRegistration{
		Name:        "slow",
		MaxAttempts: 1,
		Handler: func(shared.Event) error {
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}))
	require.NoError(t, bus.Publish(shared.NewModuleCompletedEvent("enr-1", "am-101", "m1")))

	entries := d.DeadLetterQueue().Entries()
	require.Len(t, entries, 1)
	assert.True(t, errors.Is(entries[0].Error, shared.ErrTimeout))
}

func TestDeadLetterQueue_DropsOldest(t *testing.T) {
	q := NewDeadLetterQueue(2)
	for _, name := range []string{"a", "b", "c"} {
		q.Add(DeadLetterEntry{HandlerName: name})
	}
	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].HandlerName)
	assert.Equal(t, "c", entries[1].HandlerName)
}
