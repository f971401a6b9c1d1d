package eventhandler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/messaging"
)

type stubCertificates struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (s *stubCertificates) IssueForEnrollment(_ context.Context, enrollmentID string) (*certificate.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, enrollmentID)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &certificate.Certificate{ID: "cert-" + enrollmentID, EnrollmentID: enrollmentID}, nil
}

func (s *stubCertificates) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newSyncDispatcher(t *testing.T) (*messaging.InMemoryEventBus, *messaging.Dispatcher) {
	t.Helper()
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{})
	t.Cleanup(func() { _ = bus.Close() })

	cfg := messaging.DefaultDispatcherConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	d := messaging.NewDispatcher(bus, cfg)
	t.Cleanup(d.Stop)
	return bus, d
}

func TestOnCourseCompleted_IssuesCertificate(t *testing.T) {
	bus, d := newSyncDispatcher(t)
	certs := &stubCertificates{}
	h := NewOnCourseCompletedHandler(certs, nil, CourseCompletedConfig{})
	require.NoError(t, h.Register(d))

	require.NoError(t, bus.Publish(shared.NewCourseCompletedEvent("enr-1", "learner-1", "am-101", time.Now())))
	assert.Equal(t, []string{"enr-1"}, certs.calls)
}

func TestOnCourseCompleted_RetriesUnavailableIssuer(t *testing.T) {
	bus, d := newSyncDispatcher(t)
	certs := &stubCertificates{errs: []error{shared.ErrCertificateUnavailable}}
	h := NewOnCourseCompletedHandler(certs, nil, CourseCompletedConfig{})
	require.NoError(t, h.Register(d))

	require.NoError(t, bus.Publish(shared.NewCourseCompletedEvent("enr-1", "learner-1", "am-101", time.Now())))
	assert.Equal(t, 2, certs.count())
	assert.Zero(t, d.DeadLetterQueue().Size())
}

func TestOnCourseCompleted_PermanentFailureGoesToDeadLetters(t *testing.T) {
	bus, d := newSyncDispatcher(t)
	certs := &stubCertificates{errs: []error{shared.ErrCourseNotCompleted}}
	h := NewOnCourseCompletedHandler(certs, nil, CourseCompletedConfig{})
	require.NoError(t, h.Register(d))

	_ = bus.Publish(shared.NewCourseCompletedEvent("enr-1", "learner-1", "am-101", time.Now()))
	assert.Equal(t, 1, certs.count())

	entries := d.DeadLetterQueue().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "issue_certificate", entries[0].HandlerName)
	assert.True(t, errors.Is(entries[0].Error, shared.ErrInvalidState))
}

func TestOnCourseCompleted_IgnoresOtherEvents(t *testing.T) {
	certs := &stubCertificates{}
	h := NewOnCourseCompletedHandler(certs, nil, CourseCompletedConfig{})
	assert.NoError(t, h.Handle(shared.NewModuleCompletedEvent("enr-1", "am-101", "m1")))
	assert.Zero(t, certs.count())
}

func TestOnCourseCompleted_PendingClaimIsNotAFailure(t *testing.T) {
	bus, d := newSyncDispatcher(t)
	certs := &stubCertificates{errs: []error{shared.ErrCertificatePending}}
	h := NewOnCourseCompletedHandler(certs, nil, CourseCompletedConfig{})
	require.NoError(t, h.Register(d))

	require.NoError(t, bus.Publish(shared.NewCourseCompletedEvent("enr-1", "learner-1", "am-101", time.Now())))
	assert.Equal(t, 1, certs.count())
	assert.Zero(t, d.DeadLetterQueue().Size())
}

// sharedChannel delivers every published message to every subscriber, like
// one Redis channel seen by several instances.
type sharedChannel struct {
	mu   sync.Mutex
	subs []chan messaging.RedisMessage
}

func (c *sharedChannel) Publish(_ context.Context, channel string, message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		ch <- messaging.RedisMessage{Channel: channel, Payload: message.(string)}
	}
	return nil
}

func (c *sharedChannel) Subscribe(context.Context, ...string) (<-chan messaging.RedisMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan messaging.RedisMessage, 16)
	c.subs = append(c.subs, ch)
	return ch, nil
}

func TestOnCourseCompleted_OneIssuancePerCompletionAcrossInstances(t *testing.T) {
	channel := &sharedChannel{}
	certs := &stubCertificates{}

	var seen sync.WaitGroup
	buses := make([]*messaging.RedisEventBus, 0, 3)
	for _, id := range []string{"a", "b", "c"} {
		bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{Client: channel, InstanceID: id})
		require.NoError(t, err)
		t.Cleanup(func() { _ = bus.Close() })
		buses = append(buses, bus)

		d := messaging.NewDispatcher(bus, messaging.DefaultDispatcherConfig())
		t.Cleanup(d.Stop)
		require.NoError(t, NewOnCourseCompletedHandler(certs, nil, CourseCompletedConfig{}).Register(d))

		seen.Add(1)
		var once sync.Once
		require.NoError(t, bus.Subscribe(shared.EventModuleCompleted, func(shared.Event) error {
			once.Do(seen.Done)
			return nil
		}))
	}

	require.NoError(t, buses[0].Publish(shared.NewCourseCompletedEvent("enr-1", "learner-1", "am-101", time.Now())))
	// follows the completion on the same channel; once every instance has
	// handled it, the completion has been handled or dropped everywhere
	require.NoError(t, buses[0].Publish(shared.NewModuleCompletedEvent("enr-1", "am-101", "m2")))

	waited := make(chan struct{})
	go func() {
		seen.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("instances did not receive the follow-up event")
	}
	assert.Equal(t, []string{"enr-1"}, certs.calls)
}
