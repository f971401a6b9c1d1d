package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

type stubBacklog struct {
	ids   []string
	err   error
	limit int
}

func (b *stubBacklog) ListAwaitingCertificate(_ context.Context, limit int) ([]string, error) {
	b.limit = limit
	return b.ids, b.err
}

type stubRequester struct {
	mu     sync.Mutex
	failed map[string]error
	calls  []string
}

func (r *stubRequester) IssueForEnrollment(_ context.Context, id string) (*certificate.Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	if err := r.failed[id]; err != nil {
		return nil, err
	}
	return &certificate.Certificate{ID: "cert-" + id, EnrollmentID: id}, nil
}

func TestReconcileCertificates_IssuesBacklog(t *testing.T) {
	backlog := &stubBacklog{ids: []string{"e1", "e2", "e3", "e4"}}
	requester := &stubRequester{failed: map[string]error{"e2": shared.ErrServiceUnavailable, "e3": shared.ErrCertificatePending}}
	job := NewReconcileCertificatesJob(backlog, requester, nil, ReconcileCertificatesConfig{BatchSize: 50})

	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, 50, backlog.limit)
	assert.ElementsMatch(t, []string{"e1", "e2", "e3", "e4"}, requester.calls)

	stats := job.LastRun()
	require.NotNil(t, stats)
	assert.Equal(t, 4, stats.Pending)
	assert.Equal(t, 2, stats.Issued)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Failed)
}

func TestReconcileCertificates_EmptyBacklog(t *testing.T) {
	requester := &stubRequester{}
	job := NewReconcileCertificatesJob(&stubBacklog{}, requester, nil, DefaultReconcileCertificatesConfig())

	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, requester.calls)
	assert.Equal(t, 0, job.LastRun().Pending)
}

func TestReconcileCertificates_Failures(t *testing.T) {
	job := NewReconcileCertificatesJob(&stubBacklog{err: errors.New("db down")}, &stubRequester{}, nil, DefaultReconcileCertificatesConfig())
	assert.ErrorContains(t, job.Run(context.Background()), "db down")

	requester := &stubRequester{failed: map[string]error{"e1": shared.ErrTimeout}}
	job = NewReconcileCertificatesJob(&stubBacklog{ids: []string{"e1"}}, requester, nil, DefaultReconcileCertificatesConfig())
	assert.ErrorContains(t, job.Run(context.Background()), "all 1 certificate requests failed")
}

func TestReconcileCertificates_Metadata(t *testing.T) {
	job := NewReconcileCertificatesJob(&stubBacklog{}, &stubRequester{}, nil, ReconcileCertificatesConfig{})
	assert.Equal(t, ReconcileCertificatesJobName, job.Name())
	assert.NotEmpty(t, job.Description())
	assert.Nil(t, job.LastRun())
}
