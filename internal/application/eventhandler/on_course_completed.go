// Package eventhandler contains domain event handlers.
package eventhandler

import (
	"context"
	"errors"
	"time"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON COURSE COMPLETED HANDLER
// Issues the certificate once an enrollment reaches completed. Runs behind
// the dispatcher, which retries transient issuer failures.
// ═══════════════════════════════════════════════════════════════════════════

// CertificateIssuer issues the certificate for a completed enrollment.
type CertificateIssuer interface {
	IssueForEnrollment(ctx context.Context, enrollmentID string) (*certificate.Certificate, error)
}

// CourseCompletedConfig contains handler configuration.
type CourseCompletedConfig struct {
	// Timeout bounds a single issuance attempt.
	Timeout time.Duration
}

// DefaultCourseCompletedConfig returns the default configuration.
func DefaultCourseCompletedConfig() CourseCompletedConfig {
	return CourseCompletedConfig{Timeout: 30 * time.Second}
}

// OnCourseCompletedHandler handles shared.CourseCompletedEvent.
type OnCourseCompletedHandler struct {
	certificates CertificateIssuer
	log          *logger.Logger
	config       CourseCompletedConfig
}

// NewOnCourseCompletedHandler creates a new handler.
func NewOnCourseCompletedHandler(certificates CertificateIssuer, log *logger.Logger, config CourseCompletedConfig) *OnCourseCompletedHandler {
	if log == nil {
		log = logger.Nop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultCourseCompletedConfig().Timeout
	}
	return &OnCourseCompletedHandler{
		certificates: certificates,
		log:          log.With(logger.Component("on_course_completed")),
		config:       config,
	}
}

// Handle implements shared.EventHandler.
func (h *OnCourseCompletedHandler) Handle(event shared.Event) error {
	completed, ok := event.(shared.CourseCompletedEvent)
	if !ok {
		h.log.Warn("received unexpected event", logger.EventType(string(event.EventType())))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	cert, err := h.certificates.IssueForEnrollment(ctx, completed.EnrollmentID)
	if errors.Is(err, shared.ErrCertificatePending) {
		h.log.Info("certificate already requested elsewhere",
			logger.EnrollmentID(completed.EnrollmentID),
			logger.CourseID(completed.CourseID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	h.log.Info("certificate issued for completed course",
		logger.EnrollmentID(completed.EnrollmentID),
		logger.CourseID(completed.CourseID),
		logger.CertificateID(cert.ID),
	)
	return nil
}

// Registrar is satisfied by the messaging dispatcher.
type Registrar interface {
	Register(eventType shared.EventType, name string, handler shared.EventHandler) error
}

// Register subscribes the handler for course completion events.
func (h *OnCourseCompletedHandler) Register(r Registrar) error {
	return r.Register(shared.EventCourseCompleted, "issue_certificate", h.Handle)
}
