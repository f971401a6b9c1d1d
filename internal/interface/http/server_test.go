package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/config"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/application/command"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/application/query"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/curriculum"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/enrollment"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/learner"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/tutor"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/external/certificates"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/messaging"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/persistence/memory"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/scheduler"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/scheduler/jobs"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/interface/http/handlers"
)

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURES
// ══════════════════════════════════════════════════════════════════════════════

type cannedTutor struct {
	reply string
}

func (t cannedTutor) Generate(context.Context, tutor.Prompt) (string, error) {
	return t.reply, nil
}

type testApp struct {
	store    *memory.EnrollmentStore
	features *config.FeatureFlags
	health   *handlers.HealthChecker
	dlq      *messaging.DeadLetterQueue
	jobs     *scheduler.Scheduler
	signer   *certificates.Signer
	deps     Dependencies
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	catalog := memory.NewCatalog()
	catalog.PutCourse(
		curriculum.Course{ID: "am-101", Title: "Asset Management Foundations", RequiredModuleIDs: []string{"m1", "m2"}},
		curriculum.Module{ID: "m1", Title: "Principles", RequiredCompetencyIDs: []string{"A", "B"}},
		curriculum.Module{ID: "m2", Title: "Risk", RequiredCompetencyIDs: []string{"C"}},
	)
	store := memory.NewEnrollmentStore()
	e, err := enrollment.NewEnrollment(enrollment.NewEnrollmentParams{ID: "enr-1", LearnerID: "learner-1", CourseID: "am-101"})
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), e))

	learners := memory.NewLearnerDirectory(learner.Profile{ID: "learner-1", DisplayName: "Sipho Dlamini"})
	signer, err := certificates.NewSigner("test-signing-key")
	require.NoError(t, err)
	issuer := certificates.NewLocalIssuer(memory.NewCertificateStore(), "https://verify.example", certificates.WithSigner(signer))
	certs := command.NewCertificateService(store, learners, catalog, issuer, nil, nil)

	recorder := command.NewRecordMilestoneHandler(store, catalog, certs, nil, nil,
		command.RecordMilestoneConfig{CertificateMode: command.CertificateModeSync})
	replies := command.NewApplyTutorReplyHandler(recorder, nil)
	turns := command.NewTutorTurnHandler(store, catalog,
		cannedTutor{reply: "Nicely put. [MILESTONE_COMPLETE:A:Core Principles]"}, replies, nil)

	app := &testApp{
		store:    store,
		features: config.NewFeatureFlags(),
		health:   handlers.NewHealthChecker("test"),
		dlq:      messaging.NewDeadLetterQueue(10),
		jobs:     scheduler.New(scheduler.DefaultConfig()),
		signer:   signer,
	}
	reconcile := jobs.NewReconcileCertificatesJob(store, certs, nil, jobs.DefaultReconcileCertificatesConfig())
	require.NoError(t, app.jobs.Register(reconcile, scheduler.Every(time.Hour)))

	app.deps = Dependencies{
		Enrollments: &handlers.EnrollmentHandler{
			Enrollments: store,
			Catalog:     catalog,
			Recorder:    recorder,
			Replies:     replies,
			Tutor:       turns,
			Views:       query.NewGetEnrollmentProgressHandler(store, catalog),
			Watcher:     store,
			Features:    app.features,
			Config:      handlers.EnrollmentHandlerConfig{Heartbeat: time.Hour},
		},
		Ops:          &handlers.OpsHandler{DeadLetters: app.dlq, Features: app.features, Jobs: app.jobs},
		Certificates: &handlers.CertificateHandler{Verifier: signer},
		Health:       app.health,
	}
	return app
}

func (a *testApp) router(cfg Config) http.Handler {
	return NewRouter(cfg, a.deps)
}

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func noLimits() Config {
	cfg := DefaultConfig()
	cfg.RateLimit = handlers.RateLimitConfig{}
	return cfg
}

// ══════════════════════════════════════════════════════════════════════════════
// TESTS
// ══════════════════════════════════════════════════════════════════════════════

func TestProbes(t *testing.T) {
	app := newTestApp(t)
	r := app.router(noLimits())

	w := do(t, r, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(handlers.RequestIDHeader))

	app.health.AddCheck("database", func(context.Context) error { return nil })
	w = do(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	app.health.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	w = do(t, r, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	status := decode[handlers.HealthStatus](t, w)
	assert.False(t, status.Healthy)
	assert.True(t, status.Checks["database"].Healthy)
	assert.Equal(t, "connection refused", status.Checks["redis"].Message)
}

func TestParseEndpoint(t *testing.T) {
	r := newTestApp(t).router(noLimits())

	w := do(t, r, http.MethodPost, "/api/v1/milestones/parse", map[string]string{
		"text": "Getting closer. [MILESTONE_PROGRESS:B:developing] Well done! [MILESTONE_COMPLETE:A:Core Principles]",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		CleanText string `json:"clean_text"`
		Milestone struct {
			Type         string `json:"type"`
			CompetencyID string `json:"competency_id"`
		} `json:"milestone"`
		All []json.RawMessage `json:"all"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "complete", body.Milestone.Type)
	assert.Equal(t, "A", body.Milestone.CompetencyID)
	assert.NotContains(t, body.CleanText, "MILESTONE")
	assert.Len(t, body.All, 2)
}

func TestRecordMilestonesThroughCourseCompletion(t *testing.T) {
	r := newTestApp(t).router(noLimits())

	steps := []struct{ competency, module string }{{"A", "m1"}, {"B", "m1"}, {"C", "m2"}}
	var last handlers.RecordingResponse
	for _, s := range steps {
		w := do(t, r, http.MethodPost, "/api/v1/enrollments/enr-1/milestones", map[string]string{
			"type":             "complete",
			"competency_id":    s.competency,
			"competency_title": "Competency " + s.competency,
			"module_id":        s.module,
			"conversation_id":  "conv-1",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		last = decode[handlers.RecordingResponse](t, w)
		assert.True(t, last.Achieved)
	}

	assert.True(t, last.IsModuleComplete)
	assert.True(t, last.IsCourseComplete)
	assert.True(t, last.CertificateGenerated)
	assert.NotEmpty(t, last.CertificateID)
	assert.Equal(t, enrollment.StatusCompleted, last.Enrollment.Status)

	w := do(t, r, http.MethodGet, "/api/v1/enrollments/enr-1/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	progress := decode[query.EnrollmentProgressDTO](t, w)
	assert.Equal(t, 100, progress.Percent)
	assert.Len(t, progress.Modules, 2)
	assert.Equal(t, last.CertificateID, progress.CertificateID)
}

func TestRecordMilestone_ErrorEnvelope(t *testing.T) {
	r := newTestApp(t).router(noLimits())

	w := do(t, r, http.MethodPost, "/api/v1/enrollments/missing/milestones", map[string]string{
		"type": "complete", "competency_id": "A", "module_id": "m1",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	env := decode[handlers.ErrorEnvelope](t, w)
	assert.Equal(t, handlers.CodeNotFound, env.Error.Code)
	assert.NotEmpty(t, env.Error.Message)

	w = do(t, r, http.MethodPost, "/api/v1/enrollments/enr-1/milestones", map[string]string{
		"type": "partial", "competency_id": "A",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, handlers.CodeValidation, decode[handlers.ErrorEnvelope](t, w).Error.Code)

	w = do(t, r, http.MethodPost, "/api/v1/enrollments/enr-1/milestones", map[string]string{"type": "complete"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// busyStore never manages to commit an update.
type busyStore struct {
	*memory.EnrollmentStore
}

func (busyStore) Transact(context.Context, string, enrollment.UpdateFunc) (*enrollment.Enrollment, error) {
	return nil, shared.WrapError("enrollment", "Transact", shared.ErrTransactionFailed, "transaction failed",
		errors.New("could not serialize access"))
}

func TestRecordMilestone_TransactionFailedIsConflict(t *testing.T) {
	app := newTestApp(t)
	app.deps.Enrollments.Recorder = command.NewRecordMilestoneHandler(busyStore{app.store}, app.deps.Enrollments.Catalog,
		nil, nil, nil, command.RecordMilestoneConfig{CertificateMode: command.CertificateModeDisabled})

	w := do(t, app.router(noLimits()), http.MethodPost, "/api/v1/enrollments/enr-1/milestones", map[string]string{
		"type": "complete", "competency_id": "A", "module_id": "m1", "competency_title": "Core Principles",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, handlers.CodeConflict, decode[handlers.ErrorEnvelope](t, w).Error.Code)

	stored, err := app.store.Get(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.Empty(t, stored.CompetenciesAchieved)
}

func TestApplyReply(t *testing.T) {
	r := newTestApp(t).router(noLimits())

	w := do(t, r, http.MethodPost, "/api/v1/enrollments/enr-1/replies", map[string]string{
		"reply":     "Excellent reasoning. [MILESTONE_COMPLETE:A:Core Principles]",
		"module_id": "m1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[handlers.ReplyResponse](t, w)
	assert.Equal(t, "Excellent reasoning.", resp.CleanText)
	require.NotNil(t, resp.Recording)
	assert.True(t, resp.Recording.Achieved)
	assert.Empty(t, resp.RecordingError)

	// the learner still gets the text when recording fails
	w = do(t, r, http.MethodPost, "/api/v1/enrollments/enr-1/replies", map[string]string{
		"reply":     "Good. [MILESTONE_COMPLETE:B:Risk Basics]",
		"module_id": "no-such-module",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[handlers.ReplyResponse](t, w)
	assert.Equal(t, "Good.", resp.CleanText)
	assert.Nil(t, resp.Recording)
	assert.NotEmpty(t, resp.RecordingError)
}

func TestTutorTurn_FeatureFlag(t *testing.T) {
	app := newTestApp(t)
	r := app.router(noLimits())
	body := map[string]string{"module_id": "m1", "message": "Is maintenance a cost or an investment?"}

	w := do(t, r, http.MethodPost, "/api/v1/enrollments/enr-1/tutor", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[handlers.ReplyResponse](t, w)
	assert.Equal(t, "Nicely put.", resp.CleanText)
	require.NotNil(t, resp.Recording)

	require.NoError(t, app.features.DisableFeature(config.FeatureTutorGeneration))
	w = do(t, r, http.MethodPost, "/api/v1/enrollments/enr-1/tutor", body)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, handlers.CodeDisabled, decode[handlers.ErrorEnvelope](t, w).Error.Code)
}

func TestCreateEnrollment(t *testing.T) {
	r := newTestApp(t).router(noLimits())

	w := do(t, r, http.MethodPost, "/api/v1/enrollments", map[string]string{"learner_id": "learner-2", "course_id": "am-101"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[enrollment.Enrollment](t, w)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, enrollment.StatusActive, created.Status)

	w = do(t, r, http.MethodPost, "/api/v1/enrollments", map[string]string{"id": "enr-1", "learner_id": "learner-1", "course_id": "am-101"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/enrollments", map[string]string{"learner_id": "learner-1", "course_id": "unknown"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	hash, err := handlers.HashAPIKey("s3cret-key")
	require.NoError(t, err)

	cfg := noLimits()
	cfg.APIKeyHashes = []string{hash}
	r := newTestApp(t).router(cfg)

	w := do(t, r, http.MethodGet, "/api/v1/enrollments/enr-1/progress", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/enrollments/enr-1/progress", nil, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/enrollments/enr-1/progress", nil, "X-API-Key", "s3cret-key")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/enrollments/enr-1/progress", nil, "Authorization", "Bearer s3cret-key")
	assert.Equal(t, http.StatusOK, w.Code)

	// probes stay open
	w = do(t, r, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = handlers.RateLimitConfig{RequestsPerMinute: 1, BurstSize: 2}
	r := newTestApp(t).router(cfg)

	for i := 0; i < 2; i++ {
		w := do(t, r, http.MethodGet, "/api/v1/enrollments/enr-1/progress", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := do(t, r, http.MethodGet, "/api/v1/enrollments/enr-1/progress", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestOpsEndpoints(t *testing.T) {
	app := newTestApp(t)
	r := app.router(noLimits())

	app.dlq.Add(messaging.DeadLetterEntry{
		Event:       shared.NewCourseCompletedEvent("enr-1", "learner-1", "am-101", time.Now()),
		HandlerName: "issue_certificate",
		Error:       errors.New("issuer down"),
		Attempts:    3,
		FailedAt:    time.Now(),
	})

	w := do(t, r, http.MethodGet, "/api/v1/ops/dead-letters", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Count   int `json:"count"`
		Entries []struct {
			Handler string `json:"handler"`
			Error   string `json:"error"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "issue_certificate", body.Entries[0].Handler)
	assert.Equal(t, "issuer down", body.Entries[0].Error)

	w = do(t, r, http.MethodGet, "/api/v1/ops/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), config.FeatureTutorGeneration)
}

func TestOpsJobs_ReconcileCertificates(t *testing.T) {
	app := newTestApp(t)
	r := app.router(noLimits())
	ctx := context.Background()

	// A completion whose certificate request was lost.
	completedAt := time.Now().UTC()
	_, err := app.store.Transact(ctx, "enr-1", func(e *enrollment.Enrollment) (bool, error) {
		e.Status = enrollment.StatusCompleted
		e.CompletedAt = &completedAt
		e.CompetenciesAchieved = []enrollment.Achievement{
			{CompetencyID: "A", Title: "Core Principles", AchievedAt: completedAt},
		}
		return true, nil
	})
	require.NoError(t, err)

	w := do(t, r, http.MethodGet, "/api/v1/ops/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), jobs.ReconcileCertificatesJobName)

	w = do(t, r, http.MethodPost, "/api/v1/ops/jobs/"+jobs.ReconcileCertificatesJobName+"/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[scheduler.JobResult](t, w)
	assert.True(t, result.Success)

	got, err := app.store.Get(ctx, "enr-1")
	require.NoError(t, err)
	assert.NotEmpty(t, got.CertificateID)

	w = do(t, r, http.MethodPost, "/api/v1/ops/jobs/nope/run", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProgressStream(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.router(noLimits()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/enrollments/enr-1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := make(chan query.EnrollmentProgressDTO, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var dto query.EnrollmentProgressDTO
			if json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &dto) == nil {
				events <- dto
			}
		}
		close(events)
	}()

	first := <-events
	assert.Equal(t, int64(1), first.Version)
	assert.Empty(t, first.CompetenciesAchieved)

	_, err = app.store.Transact(context.Background(), "enr-1", func(e *enrollment.Enrollment) (bool, error) {
		e.CurrentCompetencyID = "B"
		e.CurrentCompetencyStatus = enrollment.CompetencyDeveloping
		return true, nil
	})
	require.NoError(t, err)

	select {
	case next := <-events:
		assert.Equal(t, int64(2), next.Version)
		assert.Equal(t, "B", next.CurrentCompetencyID)
	case <-ctx.Done():
		t.Fatal("no progress event after commit")
	}
}

func TestProgressStream_Disabled(t *testing.T) {
	app := newTestApp(t)
	require.NoError(t, app.features.DisableFeature(config.FeatureProgressStream))

	w := do(t, app.router(noLimits()), http.MethodGet, "/api/v1/enrollments/enr-1/stream", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{shared.ErrEnrollmentNotFound, http.StatusNotFound},
		{shared.ErrInvalidMilestone, http.StatusBadRequest},
		{shared.ErrEnrollmentAlreadyExists, http.StatusConflict},
		{shared.ErrEnrollmentConflict, http.StatusConflict},
		{fmt.Errorf("record_milestone: %w", shared.WrapError("enrollment", "Transact", shared.ErrTransactionFailed,
			"transaction failed", errors.New("could not serialize access"))), http.StatusConflict},
		{shared.ErrTutorRateLimited, http.StatusTooManyRequests},
		{shared.ErrTutorUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		got, _ := handlers.StatusFor(c.err)
		assert.Equal(t, c.code, got, c.err.Error())
	}
}

func TestCertificateVerify(t *testing.T) {
	app := newTestApp(t)
	router := app.router(noLimits())

	issuedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	token, err := app.signer.Sign(&certificate.Certificate{
		ID:           "cert-1",
		EnrollmentID: "enr-1",
		LearnerName:  "Sipho Dlamini",
		CourseID:     "am-101",
		CourseTitle:  "Asset Management Foundations",
		Competencies: []certificate.Competency{{CompetencyID: "A"}, {CompetencyID: "B"}, {CompetencyID: "C"}},
		IssuedAt:     issuedAt,
	})
	require.NoError(t, err)

	// Public: no API key header is sent.
	w := do(t, router, http.MethodGet, "/certificates/verify?token="+token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := decode[map[string]any](t, w)
	assert.Equal(t, true, got["valid"])
	assert.Equal(t, "cert-1", got["certificate_id"])
	assert.Equal(t, "Sipho Dlamini", got["learner_name"])
	assert.Equal(t, float64(3), got["competencies"])
	assert.Equal(t, issuedAt.Format(time.RFC3339), got["issued_at"])

	w = do(t, router, http.MethodGet, "/certificates/verify", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/certificates/verify?token="+token+"x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
