package messaging

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Dispatcher registers named handlers on an event bus and wraps each one with
// panic recovery, logging, a timeout and retries. Events whose handler keeps
// failing land in the dead letter queue.
type Dispatcher struct {
	eventBus    shared.EventSubscriber
	middlewares []Middleware
	config      DispatcherConfig
	deadLetterQ *DeadLetterQueue
	log         *logger.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.RWMutex
}

// HandlerRegistration contains handler metadata.
type HandlerRegistration struct {
	Name        string
	Handler     shared.EventHandler
	MaxAttempts int
	Timeout     time.Duration
}

// DispatcherConfig contains configuration for the Dispatcher.
type DispatcherConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	HandlerTimeout time.Duration

	// RetryIf decides which handler errors are retried. Defaults to
	// shared.IsRetryable.
	RetryIf func(error) bool

	DeadLetterQueueSize int

	Logger *logger.Logger
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxAttempts:         3,
		InitialBackoff:      200 * time.Millisecond,
		MaxBackoff:          5 * time.Second,
		HandlerTimeout:      30 * time.Second,
		RetryIf:             shared.IsRetryable,
		DeadLetterQueueSize: 1000,
	}
}

// NewDispatcher creates a new event dispatcher on top of bus.
func NewDispatcher(bus shared.EventSubscriber, config DispatcherConfig) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = defaults.HandlerTimeout
	}
	if config.RetryIf == nil {
		config.RetryIf = defaults.RetryIf
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := config.Logger.With(logger.Component("dispatcher"))

	d := &Dispatcher{
		eventBus: bus,
		config:   config,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		middlewares: []Middleware{
			RecoveryMiddleware(log),
			LoggingMiddleware(log),
		},
	}
	if config.DeadLetterQueueSize > 0 {
		d.deadLetterQ = NewDeadLetterQueue(config.DeadLetterQueueSize)
	}
	return d
}

// Register subscribes a named handler for eventType.
func (d *Dispatcher) Register(eventType shared.EventType, name string, handler shared.EventHandler) error {
	return d.RegisterHandler(eventType, HandlerRegistration{Name: name, Handler: handler})
}

// RegisterHandler subscribes a handler with explicit settings.
func (d *Dispatcher) RegisterHandler(eventType shared.EventType, reg HandlerRegistration) error {
	if reg.Handler == nil {
		return errors.New("handler cannot be nil")
	}
	if reg.Name == "" {
		reg.Name = string(eventType)
	}
	if reg.MaxAttempts <= 0 {
		reg.MaxAttempts = d.config.MaxAttempts
	}
	if reg.Timeout <= 0 {
		reg.Timeout = d.config.HandlerTimeout
	}

	d.mu.RLock()
	chain := reg.Handler
	for i := len(d.middlewares) - 1; i >= 0; i-- {
		chain = d.middlewares[i](chain)
	}
	d.mu.RUnlock()

	d.log.Debug("registered handler",
		logger.EventType(string(eventType)),
		logger.String("handler", reg.Name),
	)

	return d.eventBus.Subscribe(eventType, func(event shared.Event) error {
		return d.execute(event, reg, chain)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Middleware wraps handler execution.
type Middleware func(shared.EventHandler) shared.EventHandler

// Use adds middleware for handlers registered afterwards.
func (d *Dispatcher) Use(middleware Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, middleware)
}

// RecoveryMiddleware recovers from panics in handlers.
func RecoveryMiddleware(log *logger.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panic recovered",
						logger.EventType(string(event.EventType())),
						logger.Any("panic", r),
						logger.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(event)
		}
	}
}

// LoggingMiddleware logs handler execution.
func LoggingMiddleware(log *logger.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) error {
			start := time.Now()
			err := next(event)
			fields := []logger.Field{
				logger.EventType(string(event.EventType())),
				logger.String("aggregate_id", event.AggregateID()),
				logger.Latency(time.Since(start)),
			}
			if err != nil {
				log.Warn("handler failed", append(fields, logger.Err(err))...)
			} else {
				log.Debug("handler completed", fields...)
			}
			return err
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ══════════════════════════════════════════════════════════════════════════════

func (d *Dispatcher) execute(event shared.Event, reg HandlerRegistration, handler shared.EventHandler) error {
	attempts := 0
	err := retry.Do(d.ctx, func(ctx context.Context) error {
		attempts++
		return d.executeWithTimeout(ctx, handler, event, reg.Timeout)
	},
		retry.WithMaxAttempts(reg.MaxAttempts),
		retry.WithInitialDelay(d.config.InitialBackoff),
		retry.WithMaxDelay(d.config.MaxBackoff),
		retry.WithRetryIf(d.config.RetryIf),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			d.log.Debug("retrying event handler",
				logger.String("handler", reg.Name),
				logger.EventType(string(event.EventType())),
				logger.Int("attempt", attempt),
				logger.Duration("backoff", delay),
				logger.Err(err),
			)
		}),
	)
	if err == nil {
		return nil
	}

	if d.deadLetterQ != nil {
		d.deadLetterQ.Add(DeadLetterEntry{
			Event:       event,
			HandlerName: reg.Name,
			Error:       err,
			Attempts:    attempts,
			FailedAt:    time.Now(),
		})
	}
	return fmt.Errorf("handler %s failed after %d attempts: %w", reg.Name, attempts, err)
}

func (d *Dispatcher) executeWithTimeout(ctx context.Context, handler shared.EventHandler, event shared.Event, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- handler(event)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("handler timeout after %v: %w", timeout, shared.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels pending retries.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.log.Info("dispatcher stopped")
}

// DeadLetterQueue returns the dead letter queue.
func (d *Dispatcher) DeadLetterQueue() *DeadLetterQueue {
	return d.deadLetterQ
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterEntry is an event whose handler gave up.
type DeadLetterEntry struct {
	Event       shared.Event
	HandlerName string
	Error       error
	Attempts    int
	FailedAt    time.Time
}

// DeadLetterQueue is a bounded FIFO of failed events; the oldest entry is
// dropped when full.
type DeadLetterQueue struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
	maxSize int
}

// NewDeadLetterQueue creates a new queue.
func NewDeadLetterQueue(maxSize int) *DeadLetterQueue {
	return &DeadLetterQueue{maxSize: maxSize}
}

// Add appends an entry.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
}

// Entries returns a copy of the queued entries.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetterEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Size returns the number of queued entries.
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// ErrHandlerPanic is returned when a handler panics.
var ErrHandlerPanic = errors.New("handler panicked")
