// Package enrollment holds one learner's progress through one course and the
// state machine that milestone tags drive.
//
// Per competency:
//
//	not_yet --progress--> developing --complete--> competent (terminal)
//	not_yet --complete------------------------> competent
//
// Per enrollment:
//
//	active --(all required modules complete)--> completed (terminal)
//
// paused and abandoned are set by management actions outside this service.
package enrollment

import (
	"slices"
	"time"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// Status is the enrollment lifecycle status.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// IsValid checks the status is one of the known values.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusAbandoned:
		return true
	}
	return false
}

// CompetencyStatus is the status of the competency currently in progress.
type CompetencyStatus string

const (
	CompetencyNotYet     CompetencyStatus = ""
	CompetencyDeveloping CompetencyStatus = "developing"
	CompetencyCompetent  CompetencyStatus = "competent"
)

// Achievement records a competency reaching competent.
type Achievement struct {
	CompetencyID string    `json:"competency_id"`
	Title        string    `json:"title"`
	AchievedAt   time.Time `json:"achieved_at"`
	// ConversationID references the tutoring conversation that evidenced it.
	ConversationID string `json:"conversation_id,omitempty"`
	ModuleID       string `json:"module_id,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Enrollment is the record mutated by the achievement recorder.
type Enrollment struct {
	ID        string `json:"id"`
	LearnerID string `json:"learner_id"`
	CourseID  string `json:"course_id"`
	Status    Status `json:"status"`

	// CompetenciesAchieved holds at most one entry per competency, in
	// achievement order.
	CompetenciesAchieved []Achievement `json:"competencies_achieved"`

	CurrentCompetencyID     string           `json:"current_competency_id,omitempty"`
	CurrentCompetencyStatus CompetencyStatus `json:"current_competency_status,omitempty"`

	// ModulesCompleted holds each module ID once, in completion order.
	ModulesCompleted []string `json:"modules_completed"`

	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CertificateID string     `json:"certificate_id,omitempty"`
	// CertificateRequestedAt is when the outstanding certificate request was
	// claimed. A claim older than the issuer's lease may be taken over.
	CertificateRequestedAt *time.Time `json:"certificate_requested_at,omitempty"`

	// Version increases on every committed write.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEnrollmentParams are the inputs to NewEnrollment.
type NewEnrollmentParams struct {
	ID        string
	LearnerID string
	CourseID  string
	Now       time.Time
}

// NewEnrollment creates an active enrollment with no progress.
func NewEnrollment(p NewEnrollmentParams) (*Enrollment, error) {
	if _, err := shared.NewEnrollmentID(p.ID); err != nil {
		return nil, err
	}
	if !shared.IsValidDocumentID(p.LearnerID) {
		return nil, shared.NewDomainError("enrollment", "New", shared.ErrInvalidID, "invalid learner ID")
	}
	if !shared.IsValidDocumentID(p.CourseID) {
		return nil, shared.NewDomainError("enrollment", "New", shared.ErrInvalidID, "invalid course ID")
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return &Enrollment{
		ID:                   p.ID,
		LearnerID:            p.LearnerID,
		CourseID:             p.CourseID,
		Status:               StatusActive,
		CompetenciesAchieved: []Achievement{},
		ModulesCompleted:     []string{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// HasAchieved reports whether the competency is already competent.
func (e *Enrollment) HasAchieved(competencyID string) bool {
	return slices.ContainsFunc(e.CompetenciesAchieved, func(a Achievement) bool {
		return a.CompetencyID == competencyID
	})
}

// HasCompletedModule reports whether the module is in ModulesCompleted.
func (e *Enrollment) HasCompletedModule(moduleID string) bool {
	return slices.Contains(e.ModulesCompleted, moduleID)
}

// IsCompleted reports whether the enrollment reached its terminal state.
func (e *Enrollment) IsCompleted() bool {
	return e.Status == StatusCompleted
}

// Clone returns a deep copy so stores can hand out snapshots safely.
func (e *Enrollment) Clone() *Enrollment {
	if e == nil {
		return nil
	}
	c := *e
	c.CompetenciesAchieved = slices.Clone(e.CompetenciesAchieved)
	c.ModulesCompleted = slices.Clone(e.ModulesCompleted)
	if c.CompetenciesAchieved == nil {
		c.CompetenciesAchieved = []Achievement{}
	}
	if c.ModulesCompleted == nil {
		c.ModulesCompleted = []string{}
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	if e.CertificateRequestedAt != nil {
		t := *e.CertificateRequestedAt
		c.CertificateRequestedAt = &t
	}
	return &c
}

// ClaimCertificate marks a certificate request as in flight at now. It
// refuses once a certificate exists or while another claim younger than
// lease is outstanding.
func (e *Enrollment) ClaimCertificate(now time.Time, lease time.Duration) bool {
	if e.CertificateID != "" {
		return false
	}
	if e.CertificateRequestedAt != nil && now.Sub(*e.CertificateRequestedAt) < lease {
		return false
	}
	e.CertificateRequestedAt = &now
	return true
}

// ReleaseCertificateClaim drops an outstanding claim so the next request can
// proceed immediately. It reports whether anything changed.
func (e *Enrollment) ReleaseCertificateClaim() bool {
	if e.CertificateID != "" || e.CertificateRequestedAt == nil {
		return false
	}
	e.CertificateRequestedAt = nil
	return true
}
