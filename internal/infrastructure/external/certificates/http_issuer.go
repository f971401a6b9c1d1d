// Package certificates contains the certificate.Issuer implementations: a
// client for the remote signing service and a local issuer backed by the
// certificate store.
package certificates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/circuitbreaker"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// HTTPIssuerConfig configures the remote issuer client.
type HTTPIssuerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// BreakerThreshold consecutive unavailable responses open the circuit for
	// BreakerTimeout.
	BreakerThreshold int
	BreakerTimeout   time.Duration

	Logger *logger.Logger

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	// Retrier overrides the default retry policy.
	Retrier *retry.Retrier
}

// DefaultHTTPIssuerConfig returns sensible defaults.
func DefaultHTTPIssuerConfig(baseURL string) HTTPIssuerConfig {
	return HTTPIssuerConfig{
		BaseURL:          baseURL,
		Timeout:          15 * time.Second,
		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// HTTPIssuer calls the remote certificate signing service.
type HTTPIssuer struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retrier    *retry.Retrier
	breaker    *circuitbreaker.CircuitBreaker
	log        *logger.Logger
}

// NewHTTPIssuer creates a new HTTPIssuer.
func NewHTTPIssuer(config HTTPIssuerConfig) (*HTTPIssuer, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, errors.New("certificate issuer base URL is required")
	}
	defaults := DefaultHTTPIssuerConfig(config.BaseURL)
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.BreakerThreshold <= 0 {
		config.BreakerThreshold = defaults.BreakerThreshold
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = defaults.BreakerTimeout
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Timeout}
	}
	if config.Retrier == nil {
		config.Retrier = retry.CertificateIssuerRetrier()
	}

	log := config.Logger.With(logger.Component("certificate_issuer"))
	breaker := circuitbreaker.New("certificate-issuer",
		circuitbreaker.WithFailureThreshold(config.BreakerThreshold),
		circuitbreaker.WithSuccessThreshold(1),
		circuitbreaker.WithTimeout(config.BreakerTimeout),
		circuitbreaker.WithMaxHalfOpenRequests(1),
		circuitbreaker.WithIsFailure(shared.IsRetryable),
		circuitbreaker.WithOnStateChange(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		}),
	)

	return &HTTPIssuer{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		apiKey:     config.APIKey,
		httpClient: config.HTTPClient,
		retrier:    config.Retrier,
		breaker:    breaker,
		log:        log,
	}, nil
}

// issueResponse is the signing service's reply.
type issueResponse struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	IssuedAt time.Time `json:"issued_at"`
}

// apiError is the signing service's error body.
type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Issue implements certificate.Issuer.
func (c *HTTPIssuer) Issue(ctx context.Context, req certificate.Request) (*certificate.Certificate, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var resp *issueResponse
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = retry.DoWithData(ctx, c.retrier, func(ctx context.Context) (*issueResponse, error) {
			return c.post(ctx, req)
		})
		return err
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return nil, shared.WrapError("certificate", "Issue", shared.ErrServiceUnavailable, "certificate issuer circuit open", err)
		}
		return nil, err
	}

	issuedAt := resp.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}
	return &certificate.Certificate{
		ID:           resp.ID,
		EnrollmentID: req.EnrollmentID,
		LearnerID:    req.LearnerID,
		LearnerName:  req.LearnerName,
		CourseID:     req.CourseID,
		CourseTitle:  req.CourseTitle,
		Competencies: req.Competencies,
		IssuedAt:     issuedAt,
		URL:          resp.URL,
	}, nil
}

// BreakerState reports the circuit state for health output.
func (c *HTTPIssuer) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

func (c *HTTPIssuer) post(ctx context.Context, req certificate.Request) (*issueResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/certificates", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	// the service deduplicates on this key
	httpReq.Header.Set("Idempotency-Key", req.EnrollmentID)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Permanent(ctx.Err())
		}
		return nil, retry.Retryable(shared.WrapError("certificate", "Issue", shared.ErrServiceUnavailable, "request failed", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, retry.Retryable(shared.WrapError("certificate", "Issue", shared.ErrServiceUnavailable, "read response", err))
	}

	c.log.Debug("certificate issuer response",
		logger.EnrollmentID(req.EnrollmentID),
		logger.Int("status", resp.StatusCode),
		logger.Latency(time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, retry.Retryable(shared.WrapError("certificate", "Issue", shared.ErrServiceUnavailable,
			fmt.Sprintf("issuer returned %d", resp.StatusCode), describe(respBody)))
	case resp.StatusCode >= 400:
		return nil, retry.Permanent(shared.WrapError("certificate", "Issue", shared.ErrCertificateIssuance,
			fmt.Sprintf("issuer rejected request with %d", resp.StatusCode), describe(respBody)))
	}

	var out issueResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, retry.Permanent(shared.WrapError("certificate", "Issue", shared.ErrCertificateIssuance, "malformed response", err))
	}
	if out.ID == "" {
		return nil, retry.Permanent(shared.NewDomainError("certificate", "Issue", shared.ErrCertificateIssuance, "response has no certificate id"))
	}
	return &out, nil
}

func describe(body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		if apiErr.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return errors.New(apiErr.Message)
	}
	return errors.New(strings.TrimSpace(string(body)))
}

var _ certificate.Issuer = (*HTTPIssuer)(nil)
