package enrollment

import (
	"context"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Implementations live in infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// UpdateFunc mutates the current state of an enrollment inside a transaction.
// Returning changed=false skips the write. Returning an error aborts the
// transaction with no state change and the error is passed back to the caller.
type UpdateFunc func(current *Enrollment) (changed bool, err error)

// Reader is the read side of the store, used by progress queries.
type Reader interface {
	Get(ctx context.Context, id string) (*Enrollment, error)
}

// Repository is the keyed enrollment store.
type Repository interface {
	// Create stores a new enrollment.
	// Returns shared.ErrEnrollmentAlreadyExists if the ID is taken.
	Create(ctx context.Context, e *Enrollment) error

	// Get returns a snapshot of the enrollment.
	// Returns shared.ErrEnrollmentNotFound if it does not exist.
	Get(ctx context.Context, id string) (*Enrollment, error)

	// Transact runs fn as one atomic read-modify-write against the
	// enrollment. Concurrent calls for the same ID are serialized; calls for
	// different IDs are independent. Contention is retried inside the store;
	// persistent failure returns shared.ErrTransactionFailed. The returned
	// snapshot is the state after commit.
	Transact(ctx context.Context, id string, fn UpdateFunc) (*Enrollment, error)
}

// CertificateBacklog finds completed enrollments that still have no
// certificate, oldest completion first.
type CertificateBacklog interface {
	ListAwaitingCertificate(ctx context.Context, limit int) ([]string, error)
}

// Watcher lets progress views follow an enrollment as it changes.
type Watcher interface {
	// Watch delivers a snapshot after every committed change until ctx is
	// done, then closes the channel. Slow receivers miss intermediate
	// snapshots but always see the latest one.
	Watch(ctx context.Context, id string) (<-chan *Enrollment, error)
}

// Notifier publishes committed snapshots to watchers.
type Notifier interface {
	Notify(ctx context.Context, e *Enrollment) error
}

// NotifyingRepository wraps a Repository and hands every committed change to
// a Notifier. Notification errors never fail the write.
type NotifyingRepository struct {
	Repository
	notifier Notifier
	onError  func(id string, err error)
}

// WithNotifier wraps repo. onError may be nil.
func WithNotifier(repo Repository, notifier Notifier, onError func(id string, err error)) *NotifyingRepository {
	return &NotifyingRepository{Repository: repo, notifier: notifier, onError: onError}
}

// Transact implements Repository.
func (r *NotifyingRepository) Transact(ctx context.Context, id string, fn UpdateFunc) (*Enrollment, error) {
	changed := false
	e, err := r.Repository.Transact(ctx, id, func(current *Enrollment) (bool, error) {
		c, err := fn(current)
		changed = c
		return c, err
	})
	if err != nil || !changed {
		return e, err
	}
	if nerr := r.notifier.Notify(ctx, e); nerr != nil && r.onError != nil {
		r.onError(id, nerr)
	}
	return e, nil
}
