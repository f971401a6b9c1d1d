package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/external/certificates"
)

// TokenVerifier checks certificate verification tokens.
type TokenVerifier interface {
	Verify(token string) (*certificates.VerificationClaims, error)
}

// CertificateHandler serves public certificate verification.
type CertificateHandler struct {
	Verifier TokenVerifier
}

type verificationResponse struct {
	Valid         bool      `json:"valid"`
	CertificateID string    `json:"certificate_id"`
	EnrollmentID  string    `json:"enrollment_id"`
	LearnerName   string    `json:"learner_name"`
	CourseID      string    `json:"course_id"`
	CourseTitle   string    `json:"course_title"`
	Competencies  int       `json:"competencies"`
	IssuedAt      time.Time `json:"issued_at"`
}

// Verify handles GET /certificates/verify?token=...
func (h *CertificateHandler) Verify(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		RespondError(c, http.StatusBadRequest, CodeValidation, errors.New("token is required"))
		return
	}
	claims, err := h.Verifier.Verify(token)
	if err != nil {
		RespondDomainError(c, err)
		return
	}

	resp := verificationResponse{
		Valid:         true,
		CertificateID: claims.Subject,
		EnrollmentID:  claims.EnrollmentID,
		LearnerName:   claims.LearnerName,
		CourseID:      claims.CourseID,
		CourseTitle:   claims.CourseTitle,
		Competencies:  claims.Competencies,
	}
	if claims.IssuedAt != nil {
		resp.IssuedAt = claims.IssuedAt.UTC()
	}
	RespondOK(c, resp)
}
