package certificates

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/persistence/memory"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/circuitbreaker"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/retry"
)

func sampleRequest() certificate.Request {
	return certificate.Request{
		EnrollmentID: "enr-1",
		LearnerID:    "learner-1",
		LearnerName:  "Thandi Mokoena",
		CourseID:     "am-101",
		CourseTitle:  "Asset Management Foundations",
		Competencies: []certificate.Competency{{CompetencyID: "A", Title: "Core Principles"}},
		CompletedAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func fastRetrier() *retry.Retrier {
	return retry.New(retry.WithMaxAttempts(3), retry.WithInitialDelay(time.Millisecond), retry.WithMaxDelay(2*time.Millisecond))
}

func TestHTTPIssuer_Issue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/certificates", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "enr-1", r.Header.Get("Idempotency-Key"))

		var req certificate.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Thandi Mokoena", req.LearnerName)

		_ = json.NewEncoder(w).Encode(map[string]any{"id": "cert-9", "url": "https://certs.example/cert-9"})
	}))
	defer srv.Close()

	issuer, err := NewHTTPIssuer(HTTPIssuerConfig{BaseURL: srv.URL, APIKey: "key", Retrier: fastRetrier()})
	require.NoError(t, err)

	cert, err := issuer.Issue(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "cert-9", cert.ID)
	assert.Equal(t, "https://certs.example/cert-9", cert.URL)
	assert.Equal(t, "enr-1", cert.EnrollmentID)
	assert.False(t, cert.IssuedAt.IsZero())
}

func TestHTTPIssuer_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "cert-1"})
	}))
	defer srv.Close()

	issuer, err := NewHTTPIssuer(HTTPIssuerConfig{BaseURL: srv.URL, Retrier: fastRetrier()})
	require.NoError(t, err)

	cert, err := issuer.Issue(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "cert-1", cert.ID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPIssuer_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid_name","message":"learner name too long"}`))
	}))
	defer srv.Close()

	issuer, err := NewHTTPIssuer(HTTPIssuerConfig{BaseURL: srv.URL, Retrier: fastRetrier()})
	require.NoError(t, err)

	_, err = issuer.Issue(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrCertificateIssuance)
	assert.False(t, shared.IsRetryable(err))
	assert.Contains(t, err.Error(), "learner name too long")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, circuitbreaker.StateClosed, issuer.BreakerState())
}

func TestHTTPIssuer_OpensCircuit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	issuer, err := NewHTTPIssuer(HTTPIssuerConfig{
		BaseURL:          srv.URL,
		BreakerThreshold: 2,
		BreakerTimeout:   time.Minute,
		Retrier:          retry.New(retry.WithMaxAttempts(1)),
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := issuer.Issue(context.Background(), sampleRequest())
		assert.True(t, shared.IsRetryable(err))
	}
	assert.Equal(t, circuitbreaker.StateOpen, issuer.BreakerState())

	_, err = issuer.Issue(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.ErrorIs(t, err, shared.ErrServiceUnavailable)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPIssuer_RejectsInvalidRequest(t *testing.T) {
	issuer, err := NewHTTPIssuer(HTTPIssuerConfig{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	req := sampleRequest()
	req.Competencies = nil
	_, err = issuer.Issue(context.Background(), req)
	assert.True(t, shared.IsValidation(err))
}

func TestLocalIssuer_IsIdempotentPerEnrollment(t *testing.T) {
	store := memory.NewCertificateStore()
	issuer := NewLocalIssuer(store, "https://amu.example/")

	first, err := issuer.Issue(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "https://amu.example/certificates/"+first.ID, first.URL)

	second, err := issuer.Issue(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestLocalIssuer_SignedVerificationURL(t *testing.T) {
	signer, err := NewSigner("test-signing-key")
	require.NoError(t, err)
	issuer := NewLocalIssuer(memory.NewCertificateStore(), "https://amu.example", WithSigner(signer))

	cert, err := issuer.Issue(context.Background(), sampleRequest())
	require.NoError(t, err)

	link, err := url.Parse(cert.URL)
	require.NoError(t, err)
	assert.Equal(t, "/certificates/"+cert.ID, link.Path)

	claims, err := signer.Verify(link.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, cert.ID, claims.Subject)
	assert.Equal(t, "enr-1", claims.EnrollmentID)
	assert.Equal(t, "Asset Management Foundations", claims.CourseTitle)
	assert.Equal(t, 1, claims.Competencies)
}

func TestSigner_RejectsForeignTokens(t *testing.T) {
	signer, err := NewSigner("key-a")
	require.NoError(t, err)
	other, err := NewSigner("key-b")
	require.NoError(t, err)

	token, err := other.Sign(&certificate.Certificate{ID: "cert-1", EnrollmentID: "enr-1"})
	require.NoError(t, err)

	_, err = signer.Verify(token)
	assert.True(t, shared.IsValidation(err))

	_, err = signer.Verify("not-a-token")
	assert.True(t, shared.IsValidation(err))

	_, err = NewSigner("")
	assert.Error(t, err)
}
