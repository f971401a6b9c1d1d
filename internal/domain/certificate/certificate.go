// Package certificate describes certificate issuance requests and the issuer
// contract. Issuance is a best-effort side effect of course completion.
package certificate

import (
	"context"
	"strings"
	"time"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

// Competency is one line of the competency list printed on a certificate.
type Competency struct {
	CompetencyID string    `json:"competency_id"`
	Title        string    `json:"title"`
	AchievedAt   time.Time `json:"achieved_at"`
}

// Request is everything the issuer needs to produce a certificate.
type Request struct {
	EnrollmentID string       `json:"enrollment_id"`
	LearnerID    string       `json:"learner_id"`
	LearnerName  string       `json:"learner_name"`
	CourseID     string       `json:"course_id"`
	CourseTitle  string       `json:"course_title"`
	Competencies []Competency `json:"competencies"`
	CompletedAt  time.Time    `json:"completed_at"`
}

// Validate checks the request carries enough data to print a certificate.
func (r Request) Validate() error {
	if strings.TrimSpace(r.EnrollmentID) == "" {
		return shared.NewDomainError("certificate", "Validate", shared.ErrEmptyValue, "enrollment_id is required")
	}
	if strings.TrimSpace(r.LearnerName) == "" {
		return shared.NewDomainError("certificate", "Validate", shared.ErrEmptyValue, "learner name is required")
	}
	if strings.TrimSpace(r.CourseTitle) == "" {
		return shared.NewDomainError("certificate", "Validate", shared.ErrEmptyValue, "course title is required")
	}
	if len(r.Competencies) == 0 {
		return shared.NewDomainError("certificate", "Validate", shared.ErrInvalidInput, "at least one competency is required")
	}
	return nil
}

// Certificate is an issued certificate.
type Certificate struct {
	ID           string       `json:"id"`
	EnrollmentID string       `json:"enrollment_id"`
	LearnerID    string       `json:"learner_id"`
	LearnerName  string       `json:"learner_name"`
	CourseID     string       `json:"course_id"`
	CourseTitle  string       `json:"course_title"`
	Competencies []Competency `json:"competencies"`
	IssuedAt     time.Time    `json:"issued_at"`
	// URL points to the rendered document when the issuer provides one.
	URL string `json:"url,omitempty"`
}

// Issuer produces certificates. Implementations return shared.ErrCertificateFailed
// or shared.ErrCertificateUnavailable wrapped with the cause.
type Issuer interface {
	Issue(ctx context.Context, req Request) (*Certificate, error)
}

// Repository stores certificates issued locally.
type Repository interface {
	Save(ctx context.Context, cert *Certificate) error
	// GetByEnrollment returns shared.ErrNotFound when no certificate exists.
	GetByEnrollment(ctx context.Context, enrollmentID string) (*Certificate, error)
}
