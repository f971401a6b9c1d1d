package certificates

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

const tokenIssuer = "amu-certificates"

// ErrInvalidToken is returned for tokens that fail signature or claim checks.
var ErrInvalidToken = shared.NewDomainError("certificate", "Verify", shared.ErrInvalidInput, "invalid verification token")

// VerificationClaims is what a verification token proves about a certificate.
// The certificate ID is the subject.
type VerificationClaims struct {
	jwt.RegisteredClaims
	EnrollmentID string `json:"enr"`
	LearnerName  string `json:"name"`
	CourseID     string `json:"course"`
	CourseTitle  string `json:"title"`
	Competencies int    `json:"competencies"`
}

// Signer issues and checks HMAC-signed verification tokens. Tokens do not
// expire: a certificate stays valid once issued.
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner creates a Signer. key must not be empty.
func NewSigner(key string) (*Signer, error) {
	if key == "" {
		return nil, errors.New("certificate signing key is empty")
	}
	return &Signer{key: []byte(key), now: time.Now}, nil
}

// Sign returns a verification token for cert.
func (s *Signer) Sign(cert *certificate.Certificate) (string, error) {
	issuedAt := cert.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = s.now()
	}
	claims := VerificationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			Subject:  cert.ID,
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
		EnrollmentID: cert.EnrollmentID,
		LearnerName:  cert.LearnerName,
		CourseID:     cert.CourseID,
		CourseTitle:  cert.CourseTitle,
		Competencies: len(cert.Competencies),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign verification token: %w", err)
	}
	return token, nil
}

// Verify checks the token signature and returns its claims.
func (s *Signer) Verify(token string) (*VerificationClaims, error) {
	claims := &VerificationClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, shared.WrapError("certificate", "Verify", shared.ErrInvalidInput, "invalid verification token", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
