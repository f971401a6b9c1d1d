package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

// CertificateRepository implements certificate.Repository. The unique index
// on enrollment_id keeps at most one certificate per enrollment.
type CertificateRepository struct {
	conn *Connection
}

// NewCertificateRepository creates a new CertificateRepository.
func NewCertificateRepository(conn *Connection) *CertificateRepository {
	return &CertificateRepository{conn: conn}
}

// Save implements certificate.Repository.
func (r *CertificateRepository) Save(ctx context.Context, cert *certificate.Certificate) error {
	competencies, err := json.Marshal(cert.Competencies)
	if err != nil {
		return fmt.Errorf("failed to marshal competencies: %w", err)
	}

	_, err = r.conn.Exec(ctx, `
		INSERT INTO certificates (id, enrollment_id, learner_id, learner_name, course_id, course_title, competencies, url, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cert.ID, cert.EnrollmentID, cert.LearnerID, cert.LearnerName,
		cert.CourseID, cert.CourseTitle, competencies, cert.URL, cert.IssuedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.NewDomainError("certificate", "Save", shared.ErrAlreadyExists, "certificate already issued for enrollment")
		}
		return fmt.Errorf("failed to save certificate: %w", err)
	}
	return nil
}

// GetByEnrollment implements certificate.Repository.
func (r *CertificateRepository) GetByEnrollment(ctx context.Context, enrollmentID string) (*certificate.Certificate, error) {
	var (
		c            certificate.Certificate
		competencies []byte
	)
	err := r.conn.QueryRow(ctx, `
		SELECT id, enrollment_id, learner_id, learner_name, course_id, course_title, competencies, url, issued_at
		FROM certificates WHERE enrollment_id = $1`, enrollmentID,
	).Scan(&c.ID, &c.EnrollmentID, &c.LearnerID, &c.LearnerName, &c.CourseID, &c.CourseTitle, &competencies, &c.URL, &c.IssuedAt)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.NewDomainError("certificate", "GetByEnrollment", shared.ErrNotFound, "certificate not found")
		}
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}
	if err := json.Unmarshal(competencies, &c.Competencies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal competencies: %w", err)
	}
	return &c, nil
}

var _ certificate.Repository = (*CertificateRepository)(nil)
