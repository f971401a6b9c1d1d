package command

import (
	"context"
	"errors"
	"time"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/curriculum"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/enrollment"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/learner"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CERTIFICATE SERVICE
// Composes the issuance request for a completed enrollment, calls the issuer
// and stamps the certificate ID back onto the enrollment. Every caller first
// claims the request inside the enrollment transaction, so concurrent
// callers on any instance reach the issuer at most once per lease.
// ══════════════════════════════════════════════════════════════════════════════

// DefaultCertificateClaimLease bounds how long a claimed request blocks
// others before it is considered abandoned.
const DefaultCertificateClaimLease = 10 * time.Minute

// CertificateService issues certificates for completed enrollments.
type CertificateService struct {
	enrollments enrollment.Repository
	learners    learner.Directory
	catalog     curriculum.Catalog
	issuer      certificate.Issuer
	publisher   shared.EventPublisher
	log         *logger.Logger
	claimLease  time.Duration
	now         func() time.Time
}

// CertificateServiceOption customizes a CertificateService.
type CertificateServiceOption func(*CertificateService)

// WithClaimLease sets how long a claimed request blocks other callers.
func WithClaimLease(d time.Duration) CertificateServiceOption {
	return func(s *CertificateService) {
		if d > 0 {
			s.claimLease = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CertificateServiceOption {
	return func(s *CertificateService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewCertificateService creates a new CertificateService. publisher may be nil.
func NewCertificateService(
	enrollments enrollment.Repository,
	learners learner.Directory,
	catalog curriculum.Catalog,
	issuer certificate.Issuer,
	publisher shared.EventPublisher,
	log *logger.Logger,
	opts ...CertificateServiceOption,
) *CertificateService {
	if log == nil {
		log = logger.Nop()
	}
	s := &CertificateService{
		enrollments: enrollments,
		learners:    learners,
		catalog:     catalog,
		issuer:      issuer,
		publisher:   publisher,
		log:         log.With(logger.Component("certificate_service")),
		claimLease:  DefaultCertificateClaimLease,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueForEnrollment issues the certificate for enrollmentID. An enrollment
// that already carries a certificate ID is not issued again. While another
// caller holds the claim it returns shared.ErrCertificatePending.
func (s *CertificateService) IssueForEnrollment(ctx context.Context, enrollmentID string) (*certificate.Certificate, error) {
	start := time.Now()

	claimed := false
	e, err := s.enrollments.Transact(ctx, enrollmentID, func(current *enrollment.Enrollment) (bool, error) {
		claimed = false
		if !current.IsCompleted() {
			return false, shared.ErrCourseNotCompleted
		}
		claimed = current.ClaimCertificate(s.now(), s.claimLease)
		return claimed, nil
	})
	if err != nil {
		step := "claim"
		if errors.Is(err, shared.ErrCourseNotCompleted) {
			step = "check status"
		}
		return nil, s.fail(enrollmentID, step, err)
	}
	if e.CertificateID != "" {
		s.log.Info("certificate already issued",
			logger.EnrollmentID(enrollmentID),
			logger.CertificateID(e.CertificateID),
		)
		return &certificate.Certificate{ID: e.CertificateID, EnrollmentID: e.ID, LearnerID: e.LearnerID, CourseID: e.CourseID}, nil
	}
	if !claimed {
		s.log.Info("certificate request already in progress", logger.EnrollmentID(enrollmentID))
		return nil, shared.ErrCertificatePending
	}

	req, err := s.buildRequest(ctx, e)
	if err != nil {
		s.release(ctx, enrollmentID)
		return nil, s.fail(enrollmentID, "build request", err)
	}

	cert, err := s.issuer.Issue(ctx, req)
	if err != nil {
		s.release(ctx, enrollmentID)
		return nil, s.fail(enrollmentID, "issue", err)
	}

	_, err = s.enrollments.Transact(ctx, enrollmentID, func(current *enrollment.Enrollment) (bool, error) {
		if current.CertificateID != "" {
			return false, nil
		}
		current.CertificateID = cert.ID
		return true, nil
	})
	if err != nil {
		// The certificate exists even though the stamp failed.
		s.log.Error("failed to stamp certificate on enrollment",
			logger.EnrollmentID(enrollmentID),
			logger.CertificateID(cert.ID),
			logger.Err(err),
		)
	}

	s.publish(shared.NewCertificateIssuedEvent(enrollmentID, cert.ID))
	s.log.Info("certificate issued",
		logger.EnrollmentID(enrollmentID),
		logger.CertificateID(cert.ID),
		logger.Latency(time.Since(start)),
	)
	return cert, nil
}

// release lets the next caller retry right away instead of waiting out the
// lease.
func (s *CertificateService) release(ctx context.Context, enrollmentID string) {
	_, err := s.enrollments.Transact(context.WithoutCancel(ctx), enrollmentID, func(current *enrollment.Enrollment) (bool, error) {
		return current.ReleaseCertificateClaim(), nil
	})
	if err != nil {
		s.log.Warn("failed to release certificate claim", logger.EnrollmentID(enrollmentID), logger.Err(err))
	}
}

func (s *CertificateService) buildRequest(ctx context.Context, e *enrollment.Enrollment) (certificate.Request, error) {
	profile, err := s.learners.GetProfile(ctx, e.LearnerID)
	if err != nil {
		return certificate.Request{}, err
	}
	course, err := s.catalog.GetCourse(ctx, e.CourseID)
	if err != nil {
		return certificate.Request{}, err
	}

	competencies := make([]certificate.Competency, 0, len(e.CompetenciesAchieved))
	for _, a := range e.CompetenciesAchieved {
		competencies = append(competencies, certificate.Competency{
			CompetencyID: a.CompetencyID,
			Title:        a.Title,
			AchievedAt:   a.AchievedAt,
		})
	}

	req := certificate.Request{
		EnrollmentID: e.ID,
		LearnerID:    e.LearnerID,
		LearnerName:  profile.Name(),
		CourseID:     course.ID,
		CourseTitle:  course.Title,
		Competencies: competencies,
	}
	if e.CompletedAt != nil {
		req.CompletedAt = *e.CompletedAt
	}
	return req, req.Validate()
}

func (s *CertificateService) fail(enrollmentID, step string, err error) error {
	s.log.Error("certificate issuance failed",
		logger.EnrollmentID(enrollmentID),
		logger.Operation(step),
		logger.Err(err),
	)
	s.publish(shared.NewCertificateFailedEvent(enrollmentID, err.Error()))
	return shared.WrapError("certificate", "IssueForEnrollment", shared.ErrCertificateIssuance, step, err)
}

func (s *CertificateService) publish(event shared.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(event); err != nil {
		s.log.Warn("failed to publish event",
			logger.EventType(string(event.EventType())),
			logger.Err(err),
		)
	}
}

var _ CertificateRequester = (*CertificateService)(nil)
