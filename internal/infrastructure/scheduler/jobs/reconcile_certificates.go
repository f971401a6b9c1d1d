// Package jobs contains the scheduled maintenance jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/enrollment"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILE CERTIFICATES JOB
// Certificate failures after course completion are logged, never returned to
// the learner. This job finds completed enrollments that still carry no
// certificate and requests one again.
// ══════════════════════════════════════════════════════════════════════════════

// ReconcileCertificatesJobName is the scheduler name of the job.
const ReconcileCertificatesJobName = "reconcile_certificates"

// CertificateRequester issues the certificate for a completed enrollment.
type CertificateRequester interface {
	IssueForEnrollment(ctx context.Context, enrollmentID string) (*certificate.Certificate, error)
}

// ReconcileCertificatesConfig contains configuration for the job.
type ReconcileCertificatesConfig struct {
	// BatchSize bounds how many enrollments one run looks at.
	BatchSize int

	// Concurrency bounds parallel issuer calls.
	Concurrency int

	// Timeout bounds one issuance.
	Timeout time.Duration
}

// DefaultReconcileCertificatesConfig returns sensible defaults.
func DefaultReconcileCertificatesConfig() ReconcileCertificatesConfig {
	return ReconcileCertificatesConfig{
		BatchSize:   100,
		Concurrency: 4,
		Timeout:     30 * time.Second,
	}
}

// ReconcileStats describes one run.
type ReconcileStats struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Pending   int           `json:"pending"`
	Issued    int           `json:"issued"`
	// Skipped counts enrollments another caller is already issuing for.
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// ReconcileCertificatesJob re-requests missing certificates.
type ReconcileCertificatesJob struct {
	backlog      enrollment.CertificateBacklog
	certificates CertificateRequester
	log          *logger.Logger
	config       ReconcileCertificatesConfig

	lastRun atomic.Pointer[ReconcileStats]
}

// NewReconcileCertificatesJob creates the job.
func NewReconcileCertificatesJob(
	backlog enrollment.CertificateBacklog,
	certificates CertificateRequester,
	log *logger.Logger,
	config ReconcileCertificatesConfig,
) *ReconcileCertificatesJob {
	defaults := DefaultReconcileCertificatesConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ReconcileCertificatesJob{
		backlog:      backlog,
		certificates: certificates,
		log:          log.With(logger.Component("job." + ReconcileCertificatesJobName)),
		config:       config,
	}
}

// Name implements scheduler.Job.
func (j *ReconcileCertificatesJob) Name() string { return ReconcileCertificatesJobName }

// Description implements scheduler.Job.
func (j *ReconcileCertificatesJob) Description() string {
	return "Requests certificates for completed enrollments that have none"
}

// Run implements scheduler.Job. It fails only when the backlog cannot be
// read or every issuance in the batch failed.
func (j *ReconcileCertificatesJob) Run(ctx context.Context) error {
	stats := &ReconcileStats{StartedAt: time.Now()}
	defer func() {
		stats.Duration = time.Since(stats.StartedAt)
		j.lastRun.Store(stats)
	}()

	ids, err := j.backlog.ListAwaitingCertificate(ctx, j.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list backlog: %w", err)
	}
	stats.Pending = len(ids)
	if len(ids) == 0 {
		return nil
	}

	var issued, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.config.Concurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			ictx, cancel := context.WithTimeout(gctx, j.config.Timeout)
			defer cancel()

			cert, err := j.certificates.IssueForEnrollment(ictx, id)
			if errors.Is(err, shared.ErrCertificatePending) {
				skipped.Add(1)
				return nil
			}
			if err != nil {
				failed.Add(1)
				j.log.Warn("certificate still missing", logger.EnrollmentID(id), logger.Err(err))
				return nil
			}
			issued.Add(1)
			j.log.Info("certificate reconciled", logger.EnrollmentID(id), logger.CertificateID(cert.ID))
			return nil
		})
	}
	_ = g.Wait()

	stats.Issued = int(issued.Load())
	stats.Skipped = int(skipped.Load())
	stats.Failed = int(failed.Load())

	j.log.Info("reconciliation finished",
		logger.Int("pending", stats.Pending),
		logger.Int("issued", stats.Issued),
		logger.Int("skipped", stats.Skipped),
		logger.Int("failed", stats.Failed),
	)
	if stats.Issued == 0 && stats.Failed > 0 {
		return fmt.Errorf("all %d certificate requests failed", stats.Failed)
	}
	return nil
}

// LastRun returns the stats of the most recent run, or nil.
func (j *ReconcileCertificatesJob) LastRun() *ReconcileStats {
	return j.lastRun.Load()
}
