package certificates

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

// LocalIssuer records certificates in the service's own store. It is used
// when no remote signing service is configured. Issuing twice for the same
// enrollment returns the stored certificate.
type LocalIssuer struct {
	repo    certificate.Repository
	baseURL string
	signer  *Signer
	now     func() time.Time
}

// LocalIssuerOption configures a LocalIssuer.
type LocalIssuerOption func(*LocalIssuer)

// WithSigner adds a signed verification token to every certificate URL.
func WithSigner(s *Signer) LocalIssuerOption {
	return func(i *LocalIssuer) { i.signer = s }
}

// NewLocalIssuer creates a new LocalIssuer. When baseURL is set, issued
// certificates get a verification URL under it.
func NewLocalIssuer(repo certificate.Repository, baseURL string, opts ...LocalIssuerOption) *LocalIssuer {
	i := &LocalIssuer{
		repo:    repo,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue implements certificate.Issuer.
func (i *LocalIssuer) Issue(ctx context.Context, req certificate.Request) (*certificate.Certificate, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	existing, err := i.repo.GetByEnrollment(ctx, req.EnrollmentID)
	if err == nil {
		return existing, nil
	}
	if !shared.IsNotFound(err) {
		return nil, shared.WrapError("certificate", "Issue", shared.ErrServiceUnavailable, "lookup failed", err)
	}

	cert := &certificate.Certificate{
		ID:           uuid.NewString(),
		EnrollmentID: req.EnrollmentID,
		LearnerID:    req.LearnerID,
		LearnerName:  req.LearnerName,
		CourseID:     req.CourseID,
		CourseTitle:  req.CourseTitle,
		Competencies: req.Competencies,
		IssuedAt:     i.now(),
	}
	if i.baseURL != "" {
		link, err := i.verificationURL(cert)
		if err != nil {
			return nil, shared.WrapError("certificate", "Issue", shared.ErrCertificateIssuance, "sign failed", err)
		}
		cert.URL = link
	}

	if err := i.repo.Save(ctx, cert); err != nil {
		if shared.IsAlreadyExists(err) {
			// lost a race with a concurrent issue
			return i.repo.GetByEnrollment(ctx, req.EnrollmentID)
		}
		return nil, shared.WrapError("certificate", "Issue", shared.ErrServiceUnavailable, "save failed", err)
	}
	return cert, nil
}

func (i *LocalIssuer) verificationURL(cert *certificate.Certificate) (string, error) {
	link := i.baseURL + "/certificates/" + cert.ID
	if i.signer == nil {
		return link, nil
	}
	token, err := i.signer.Sign(cert)
	if err != nil {
		return "", err
	}
	return link + "?" + url.Values{"token": {token}}.Encode(), nil
}

var _ certificate.Issuer = (*LocalIssuer)(nil)
