// Package memory provides in-process implementations of the domain stores.
// They back the development server and the application tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/enrollment"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

// EnrollmentStore is an enrollment.Repository guarded by one mutex per
// enrollment, so writes to different enrollments never wait on each other.
type EnrollmentStore struct {
	mu      sync.RWMutex
	records map[string]*enrollment.Enrollment
	locks   map[string]*sync.Mutex

	hub *WatchHub
	now func() time.Time
}

// NewEnrollmentStore creates an empty store.
func NewEnrollmentStore() *EnrollmentStore {
	return &EnrollmentStore{
		records: make(map[string]*enrollment.Enrollment),
		locks:   make(map[string]*sync.Mutex),
		hub:     NewWatchHub(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create implements enrollment.Repository.
func (s *EnrollmentStore) Create(_ context.Context, e *enrollment.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[e.ID]; ok {
		return shared.ErrEnrollmentAlreadyExists
	}
	c := e.Clone()
	c.Version = 1
	s.records[e.ID] = c
	s.locks[e.ID] = &sync.Mutex{}
	return nil
}

// Get implements enrollment.Repository.
func (s *EnrollmentStore) Get(_ context.Context, id string) (*enrollment.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.records[id]
	if !ok {
		return nil, shared.ErrEnrollmentNotFound
	}
	return e.Clone(), nil
}

// ListAwaitingCertificate implements enrollment.CertificateBacklog.
func (s *EnrollmentStore) ListAwaitingCertificate(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	pending := make([]*enrollment.Enrollment, 0)
	for _, e := range s.records {
		if e.IsCompleted() && e.CertificateID == "" {
			pending = append(pending, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i].CompletedAt, pending[j].CompletedAt
		if a == nil || b == nil {
			return b != nil
		}
		return a.Before(*b)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	ids := make([]string, len(pending))
	for i, e := range pending {
		ids[i] = e.ID
	}
	return ids, nil
}

// Transact implements enrollment.Repository.
func (s *EnrollmentStore) Transact(ctx context.Context, id string, fn enrollment.UpdateFunc) (*enrollment.Enrollment, error) {
	if err := ctx.Err(); err != nil {
		return nil, shared.WrapError("enrollment", "Transact", shared.ErrTransactionFailed, "context done", err)
	}

	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, shared.ErrEnrollmentNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current := s.records[id].Clone()
	s.mu.RUnlock()

	changed, err := fn(current)
	if err != nil {
		return nil, err
	}
	if !changed {
		return current, nil
	}

	current.Version++
	current.UpdatedAt = s.now()

	s.mu.Lock()
	s.records[id] = current.Clone()
	s.mu.Unlock()

	s.hub.Publish(current.Clone())
	return current, nil
}

// Watch implements enrollment.Watcher.
func (s *EnrollmentStore) Watch(ctx context.Context, id string) (<-chan *enrollment.Enrollment, error) {
	s.mu.RLock()
	_, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, shared.ErrEnrollmentNotFound
	}
	return s.hub.Watch(ctx, id), nil
}

// Len returns the number of stored enrollments.
func (s *EnrollmentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

var (
	_ enrollment.Repository = (*EnrollmentStore)(nil)
	_ enrollment.Watcher    = (*EnrollmentStore)(nil)
)
