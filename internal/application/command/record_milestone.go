// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/curriculum"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/enrollment"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/milestone"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD MILESTONE COMMAND
// Applies one parsed milestone to one enrollment as a single atomic unit and
// reports cascading module and course completions. Course completion triggers
// one certificate request after commit.
// ══════════════════════════════════════════════════════════════════════════════

// RecordMilestoneCommand contains the data to record a milestone.
type RecordMilestoneCommand struct {
	EnrollmentID string

	Milestone milestone.Milestone

	// ConversationID is the tutoring conversation that evidences the milestone.
	ConversationID string

	// ModuleID is the module the learner is currently in. Required for
	// complete milestones.
	ModuleID string

	// At defaults to now.
	At time.Time

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command.
func (c RecordMilestoneCommand) Validate() error {
	if _, err := shared.NewEnrollmentID(c.EnrollmentID); err != nil {
		return err
	}
	if _, err := shared.NewCompetencyID(c.Milestone.CompetencyID); err != nil {
		return err
	}
	switch c.Milestone.Type {
	case milestone.TypeComplete:
		if strings.TrimSpace(c.ModuleID) == "" {
			return shared.NewDomainError("record_milestone", "Validate", shared.ErrEmptyValue, "module_id is required for complete milestones")
		}
	case milestone.TypeProgress:
	default:
		return shared.ErrInvalidMilestone
	}
	return nil
}

// RecordMilestoneResult contains the result of recording a milestone.
type RecordMilestoneResult struct {
	EnrollmentID string
	Milestone    milestone.Milestone

	// Achieved is true when a new achievement was appended.
	Achieved bool

	// IsModuleComplete and IsCourseComplete are true only when this call
	// newly completed them. A repeated milestone reports false for both.
	IsModuleComplete bool
	IsCourseComplete bool

	// CertificateRequested is true when course completion requested a
	// certificate. CertificateGenerated is only known in synchronous mode.
	CertificateRequested bool
	CertificateGenerated bool
	CertificateID        string

	// Enrollment is the committed state.
	Enrollment *enrollment.Enrollment

	// Events contains domain events generated.
	Events []shared.Event
}

// CertificateMode selects how course completion reaches the certificate issuer.
type CertificateMode string

const (
	// CertificateModeAsync publishes CourseCompleted and lets the event
	// handler issue the certificate.
	CertificateModeAsync CertificateMode = "async"
	// CertificateModeSync issues after commit before returning, so the result
	// carries CertificateGenerated.
	CertificateModeSync CertificateMode = "sync"
	// CertificateModeDisabled never requests certificates.
	CertificateModeDisabled CertificateMode = "disabled"
)

// CertificateRequester issues the certificate for a completed enrollment.
type CertificateRequester interface {
	IssueForEnrollment(ctx context.Context, enrollmentID string) (*certificate.Certificate, error)
}

// RecordMilestoneConfig contains configuration for the handler.
type RecordMilestoneConfig struct {
	CertificateMode CertificateMode

	// CertificateTimeout bounds synchronous issuance.
	CertificateTimeout time.Duration
}

// DefaultRecordMilestoneConfig returns default configuration.
func DefaultRecordMilestoneConfig() RecordMilestoneConfig {
	return RecordMilestoneConfig{
		CertificateMode:    CertificateModeAsync,
		CertificateTimeout: 30 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RecordMilestoneHandler handles the RecordMilestoneCommand.
type RecordMilestoneHandler struct {
	enrollments  enrollment.Repository
	catalog      curriculum.Catalog
	certificates CertificateRequester
	publisher    shared.EventPublisher
	log          *logger.Logger
	config       RecordMilestoneConfig
}

// NewRecordMilestoneHandler creates a new RecordMilestoneHandler.
// certificates and publisher may be nil.
func NewRecordMilestoneHandler(
	enrollments enrollment.Repository,
	catalog curriculum.Catalog,
	certificates CertificateRequester,
	publisher shared.EventPublisher,
	log *logger.Logger,
	config RecordMilestoneConfig,
) *RecordMilestoneHandler {
	if log == nil {
		log = logger.Nop()
	}
	if config.CertificateMode == "" {
		config.CertificateMode = CertificateModeAsync
	}
	if config.CertificateTimeout <= 0 {
		config.CertificateTimeout = DefaultRecordMilestoneConfig().CertificateTimeout
	}
	return &RecordMilestoneHandler{
		enrollments:  enrollments,
		catalog:      catalog,
		certificates: certificates,
		publisher:    publisher,
		log:          log.With(logger.Component("record_milestone")),
		config:       config,
	}
}

// Handle executes the record milestone command.
func (h *RecordMilestoneHandler) Handle(ctx context.Context, cmd RecordMilestoneCommand) (*RecordMilestoneResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("record_milestone: %w", err)
	}

	change := enrollment.Change{
		Milestone:      cmd.Milestone,
		ConversationID: cmd.ConversationID,
		At:             cmd.At,
	}
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}

	// Course structure is read-only content, so it is looked up before the
	// transaction opens.
	if cmd.Milestone.IsComplete() {
		module, course, err := h.loadStructure(ctx, cmd.ModuleID)
		if err != nil {
			return nil, fmt.Errorf("record_milestone: %w", err)
		}
		change.Module = module
		change.Course = course
	}

	var outcome enrollment.Outcome
	updated, err := h.enrollments.Transact(ctx, cmd.EnrollmentID, func(current *enrollment.Enrollment) (bool, error) {
		outcome = enrollment.Outcome{}
		if change.Course != nil && current.CourseID != change.Course.ID {
			return false, shared.NewDomainError("record_milestone", "Apply", shared.ErrInvalidInput,
				fmt.Sprintf("module %s does not belong to course %s", change.Module.ID, current.CourseID))
		}
		outcome = enrollment.Apply(current, change)
		return outcome.Changed, nil
	})
	if err != nil {
		h.log.Warn("milestone not recorded",
			logger.EnrollmentID(cmd.EnrollmentID),
			logger.CompetencyID(cmd.Milestone.CompetencyID),
			logger.Err(err),
		)
		return nil, fmt.Errorf("record_milestone: %w", err)
	}

	result := &RecordMilestoneResult{
		EnrollmentID:     cmd.EnrollmentID,
		Milestone:        cmd.Milestone,
		Achieved:         outcome.Achieved,
		IsModuleComplete: outcome.ModuleCompleted,
		IsCourseComplete: outcome.CourseCompleted,
		Enrollment:       updated,
	}
	result.Events = h.buildEvents(cmd, change, updated, outcome)

	h.log.Info("milestone recorded",
		logger.EnrollmentID(cmd.EnrollmentID),
		logger.CompetencyID(cmd.Milestone.CompetencyID),
		logger.String("type", string(cmd.Milestone.Type)),
		logger.Bool("changed", outcome.Changed),
		logger.Bool("module_complete", outcome.ModuleCompleted),
		logger.Bool("course_complete", outcome.CourseCompleted),
	)

	h.publishEvents(result.Events)

	if outcome.CourseCompleted {
		h.requestCertificate(ctx, result)
	}

	return result, nil
}

func (h *RecordMilestoneHandler) loadStructure(ctx context.Context, moduleID string) (*curriculum.Module, *curriculum.Course, error) {
	module, err := h.catalog.GetModule(ctx, moduleID)
	if err != nil {
		return nil, nil, err
	}
	course, err := h.catalog.GetCourse(ctx, module.CourseID)
	if err != nil {
		return nil, nil, err
	}
	return module, course, nil
}

func (h *RecordMilestoneHandler) buildEvents(
	cmd RecordMilestoneCommand,
	change enrollment.Change,
	e *enrollment.Enrollment,
	outcome enrollment.Outcome,
) []shared.Event {
	var events []shared.Event

	if outcome.Progressed {
		ev := shared.NewCompetencyProgressedEvent(e.ID, cmd.Milestone.CompetencyID)
		ev.BaseEvent = ev.WithCorrelationID(cmd.CorrelationID)
		events = append(events, ev)
	}
	if outcome.Achieved {
		ev := shared.NewCompetencyAchievedEvent(e.ID, e.LearnerID, cmd.Milestone.CompetencyID, cmd.Milestone.CompetencyTitle, cmd.ConversationID)
		ev.BaseEvent = ev.WithCorrelationID(cmd.CorrelationID)
		events = append(events, ev)
	}
	if outcome.ModuleCompleted {
		ev := shared.NewModuleCompletedEvent(e.ID, e.CourseID, change.Module.ID)
		ev.BaseEvent = ev.WithCorrelationID(cmd.CorrelationID)
		events = append(events, ev)
	}
	if outcome.CourseCompleted {
		completedAt := change.At
		if e.CompletedAt != nil {
			completedAt = *e.CompletedAt
		}
		ev := shared.NewCourseCompletedEvent(e.ID, e.LearnerID, e.CourseID, completedAt)
		ev.BaseEvent = ev.WithCorrelationID(cmd.CorrelationID)
		events = append(events, ev)
	}

	return events
}

func (h *RecordMilestoneHandler) publishEvents(events []shared.Event) {
	if h.publisher == nil {
		return
	}
	for _, event := range events {
		if err := h.publisher.Publish(event); err != nil {
			h.log.Warn("failed to publish event",
				logger.EventType(string(event.EventType())),
				logger.EnrollmentID(event.AggregateID()),
				logger.Err(err),
			)
		}
	}
}

// requestCertificate never fails the recording; the achievement is already
// committed.
func (h *RecordMilestoneHandler) requestCertificate(ctx context.Context, result *RecordMilestoneResult) {
	switch h.config.CertificateMode {
	case CertificateModeDisabled:
		return

	case CertificateModeSync:
		if h.certificates == nil {
			return
		}
		result.CertificateRequested = true

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.config.CertificateTimeout)
		defer cancel()

		cert, err := h.certificates.IssueForEnrollment(ctx, result.EnrollmentID)
		if errors.Is(err, shared.ErrCertificatePending) {
			h.log.Info("certificate already requested", logger.EnrollmentID(result.EnrollmentID))
			return
		}
		if err != nil {
			h.log.Error("certificate issuance failed",
				logger.EnrollmentID(result.EnrollmentID),
				logger.Err(err),
			)
			return
		}
		result.CertificateGenerated = true
		result.CertificateID = cert.ID

	default:
		// The CourseCompleted event carries the request. Without a bus the
		// request goes straight to the issuer in the background.
		if h.publisher != nil {
			result.CertificateRequested = true
			return
		}
		if h.certificates == nil {
			return
		}
		result.CertificateRequested = true
		go func(ctx context.Context, enrollmentID string) {
			ctx, cancel := context.WithTimeout(ctx, h.config.CertificateTimeout)
			defer cancel()
			if _, err := h.certificates.IssueForEnrollment(ctx, enrollmentID); err != nil {
				h.log.Error("certificate issuance failed",
					logger.EnrollmentID(enrollmentID),
					logger.Err(err),
				)
			}
		}(context.WithoutCancel(ctx), result.EnrollmentID)
	}
}
