package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/enrollment"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

func seed(t *testing.T, s *EnrollmentStore, id string) {
	t.Helper()
	e, err := enrollment.NewEnrollment(enrollment.NewEnrollmentParams{ID: id, LearnerID: "learner-1", CourseID: "c1"})
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), e))
}

func TestEnrollmentStore_CreateAndGet(t *testing.T) {
	s := NewEnrollmentStore()
	seed(t, s, "enr-1")

	got, err := s.Get(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	_, err = s.Get(context.Background(), "missing")
	assert.True(t, shared.IsNotFound(err))

	e, _ := enrollment.NewEnrollment(enrollment.NewEnrollmentParams{ID: "enr-1", LearnerID: "l", CourseID: "c"})
	assert.True(t, shared.IsAlreadyExists(s.Create(context.Background(), e)))
}

func TestEnrollmentStore_TransactSerializesSameKey(t *testing.T) {
	s := NewEnrollmentStore()
	seed(t, s, "enr-1")

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transact(context.Background(), "enr-1", func(e *enrollment.Enrollment) (bool, error) {
				e.ModulesCompleted = append(e.ModulesCompleted, "m")
				return true, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.Len(t, got.ModulesCompleted, writers)
	assert.Equal(t, int64(writers+1), got.Version)
}

func TestEnrollmentStore_TransactErrorLeavesStateUntouched(t *testing.T) {
	s := NewEnrollmentStore()
	seed(t, s, "enr-1")

	boom := errors.New("boom")
	_, err := s.Transact(context.Background(), "enr-1", func(e *enrollment.Enrollment) (bool, error) {
		e.Status = enrollment.StatusCompleted
		return true, boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := s.Get(context.Background(), "enr-1")
	assert.Equal(t, enrollment.StatusActive, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func TestEnrollmentStore_TransactUnchangedSkipsWrite(t *testing.T) {
	s := NewEnrollmentStore()
	seed(t, s, "enr-1")

	_, err := s.Transact(context.Background(), "enr-1", func(e *enrollment.Enrollment) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)

	got, _ := s.Get(context.Background(), "enr-1")
	assert.Equal(t, int64(1), got.Version)
}

func TestEnrollmentStore_TransactNotFound(t *testing.T) {
	s := NewEnrollmentStore()
	_, err := s.Transact(context.Background(), "missing", func(*enrollment.Enrollment) (bool, error) {
		return true, nil
	})
	assert.True(t, shared.IsNotFound(err))
}

func TestEnrollmentStore_Watch(t *testing.T) {
	s := NewEnrollmentStore()
	seed(t, s, "enr-1")

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Watch(ctx, "enr-1")
	require.NoError(t, err)

	_, err = s.Transact(context.Background(), "enr-1", func(e *enrollment.Enrollment) (bool, error) {
		e.CurrentCompetencyID = "A"
		return true, nil
	})
	require.NoError(t, err)

	select {
	case snap := <-ch:
		assert.Equal(t, "A", snap.CurrentCompetencyID)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestWatchHub_KeepsLatestSnapshot(t *testing.T) {
	h := NewWatchHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := h.Watch(ctx, "enr-1")
	h.Publish(&enrollment.Enrollment{ID: "enr-1", Version: 2})
	h.Publish(&enrollment.Enrollment{ID: "enr-1", Version: 3})

	snap := <-ch
	assert.Equal(t, int64(3), snap.Version)
	assert.Equal(t, 1, h.Watchers("enr-1"))
}

func TestEnrollmentStore_ListAwaitingCertificate(t *testing.T) {
	s := NewEnrollmentStore()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	complete := func(id string, at time.Time, certificateID string) {
		seed(t, s, id)
		_, err := s.Transact(ctx, id, func(e *enrollment.Enrollment) (bool, error) {
			e.Status = enrollment.StatusCompleted
			e.CompletedAt = &at
			e.CertificateID = certificateID
			return true, nil
		})
		require.NoError(t, err)
	}

	seed(t, s, "active")
	complete("late", base.Add(time.Hour), "")
	complete("early", base, "")
	complete("done", base, "cert-1")

	ids, err := s.ListAwaitingCertificate(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late"}, ids)

	ids, err = s.ListAwaitingCertificate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"early"}, ids)
}
