package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/curriculum"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/enrollment"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/learner"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/milestone"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/persistence/memory"
)

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURES
// ══════════════════════════════════════════════════════════════════════════════

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []shared.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]shared.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType())
	}
	return out
}

type fakeIssuer struct {
	mu       sync.Mutex
	requests []certificate.Request
	err      error
}

func (f *fakeIssuer) Issue(_ context.Context, req certificate.Request) (*certificate.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &certificate.Certificate{ID: "cert-1", EnrollmentID: req.EnrollmentID, IssuedAt: time.Now()}, nil
}

func (f *fakeIssuer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fixture struct {
	store     *memory.EnrollmentStore
	catalog   *memory.Catalog
	learners  *memory.LearnerDirectory
	issuer    *fakeIssuer
	publisher *recordingPublisher
	certs     *CertificateService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	catalog := memory.NewCatalog()
	catalog.PutCourse(
		curriculum.Course{ID: "am-101", Title: "Asset Management Foundations", RequiredModuleIDs: []string{"m1", "m2"}},
		curriculum.Module{ID: "m1", Title: "Principles", RequiredCompetencyIDs: []string{"A", "B"}},
		curriculum.Module{ID: "m2", Title: "Risk", RequiredCompetencyIDs: []string{"C"}},
	)
	catalog.PutCourse(
		curriculum.Course{ID: "other", Title: "Other", RequiredModuleIDs: []string{"x1"}},
		curriculum.Module{ID: "x1", RequiredCompetencyIDs: []string{"X"}},
	)

	store := memory.NewEnrollmentStore()
	e, err := enrollment.NewEnrollment(enrollment.NewEnrollmentParams{ID: "enr-1", LearnerID: "learner-1", CourseID: "am-101"})
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), e))

	learners := memory.NewLearnerDirectory(learner.Profile{ID: "learner-1", DisplayName: "Thandi Mokoena"})
	issuer := &fakeIssuer{}
	publisher := &recordingPublisher{}

	return &fixture{
		store:     store,
		catalog:   catalog,
		learners:  learners,
		issuer:    issuer,
		publisher: publisher,
		certs:     NewCertificateService(store, learners, catalog, issuer, publisher, nil),
	}
}

func (f *fixture) handler(mode CertificateMode) *RecordMilestoneHandler {
	return NewRecordMilestoneHandler(f.store, f.catalog, f.certs, f.publisher, nil, RecordMilestoneConfig{CertificateMode: mode})
}

func completeCmd(competencyID, moduleID string) RecordMilestoneCommand {
	return RecordMilestoneCommand{
		EnrollmentID:   "enr-1",
		Milestone:      milestone.NewComplete(competencyID, "Title "+competencyID),
		ConversationID: "conv-7",
		ModuleID:       moduleID,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// TESTS
// ══════════════════════════════════════════════════════════════════════════════

func TestRecordMilestone_Idempotent(t *testing.T) {
	f := newFixture(t)
	h := f.handler(CertificateModeSync)
	ctx := context.Background()

	first, err := h.Handle(ctx, completeCmd("A", "m1"))
	require.NoError(t, err)
	assert.True(t, first.Achieved)

	second, err := h.Handle(ctx, completeCmd("A", "m1"))
	require.NoError(t, err)
	assert.False(t, second.Achieved)
	assert.False(t, second.IsModuleComplete)
	assert.False(t, second.IsCourseComplete)
	assert.Empty(t, second.Events)

	assert.Equal(t, first.Enrollment, second.Enrollment)
	assert.Len(t, second.Enrollment.CompetenciesAchieved, 1)
}

func TestRecordMilestone_ModuleBoundary(t *testing.T) {
	f := newFixture(t)
	h := f.handler(CertificateModeSync)
	ctx := context.Background()

	res, err := h.Handle(ctx, completeCmd("A", "m1"))
	require.NoError(t, err)
	assert.False(t, res.IsModuleComplete)
	assert.NotContains(t, res.Enrollment.ModulesCompleted, "m1")

	res, err = h.Handle(ctx, completeCmd("B", "m1"))
	require.NoError(t, err)
	assert.True(t, res.IsModuleComplete)
	assert.Equal(t, []string{"m1"}, res.Enrollment.ModulesCompleted)
}

func TestRecordMilestone_CourseBoundaryIssuesOneCertificate(t *testing.T) {
	f := newFixture(t)
	h := f.handler(CertificateModeSync)
	ctx := context.Background()

	_, err := h.Handle(ctx, completeCmd("A", "m1"))
	require.NoError(t, err)
	res, err := h.Handle(ctx, completeCmd("B", "m1"))
	require.NoError(t, err)
	assert.False(t, res.IsCourseComplete)
	assert.Equal(t, enrollment.StatusActive, res.Enrollment.Status)
	assert.Zero(t, f.issuer.calls())

	res, err = h.Handle(ctx, completeCmd("C", "m2"))
	require.NoError(t, err)
	assert.True(t, res.IsModuleComplete)
	assert.True(t, res.IsCourseComplete)
	assert.Equal(t, enrollment.StatusCompleted, res.Enrollment.Status)
	assert.NotNil(t, res.Enrollment.CompletedAt)
	assert.True(t, res.CertificateRequested)
	assert.True(t, res.CertificateGenerated)
	assert.Equal(t, "cert-1", res.CertificateID)
	require.Equal(t, 1, f.issuer.calls())

	req := f.issuer.requests[0]
	assert.Equal(t, "Thandi Mokoena", req.LearnerName)
	assert.Equal(t, "Asset Management Foundations", req.CourseTitle)
	assert.Len(t, req.Competencies, 3)

	// replaying the last milestone does not request another certificate
	_, err = h.Handle(ctx, completeCmd("C", "m2"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.issuer.calls())

	stored, err := f.store.Get(ctx, "enr-1")
	require.NoError(t, err)
	assert.Equal(t, "cert-1", stored.CertificateID)
}

func TestRecordMilestone_CertificateFailureDoesNotFailRecording(t *testing.T) {
	f := newFixture(t)
	f.issuer.err = errors.New("signing service down")
	h := f.handler(CertificateModeSync)
	ctx := context.Background()

	for _, c := range []RecordMilestoneCommand{completeCmd("A", "m1"), completeCmd("B", "m1")} {
		_, err := h.Handle(ctx, c)
		require.NoError(t, err)
	}
	res, err := h.Handle(ctx, completeCmd("C", "m2"))
	require.NoError(t, err)

	assert.True(t, res.IsCourseComplete)
	assert.True(t, res.CertificateRequested)
	assert.False(t, res.CertificateGenerated)
	assert.Equal(t, enrollment.StatusCompleted, res.Enrollment.Status)
	assert.Contains(t, f.publisher.types(), shared.EventCertificateFailed)
}

func TestRecordMilestone_AsyncModePublishesCourseCompleted(t *testing.T) {
	f := newFixture(t)
	h := f.handler(CertificateModeAsync)
	ctx := context.Background()

	for _, c := range []RecordMilestoneCommand{completeCmd("A", "m1"), completeCmd("B", "m1"), completeCmd("C", "m2")} {
		_, err := h.Handle(ctx, c)
		require.NoError(t, err)
	}

	courseCompleted := 0
	for _, typ := range f.publisher.types() {
		if typ == shared.EventCourseCompleted {
			courseCompleted++
		}
	}
	assert.Equal(t, 1, courseCompleted)
	assert.Zero(t, f.issuer.calls())
}

func TestRecordMilestone_Progress(t *testing.T) {
	f := newFixture(t)
	h := f.handler(CertificateModeSync)

	res, err := h.Handle(context.Background(), RecordMilestoneCommand{
		EnrollmentID: "enr-1",
		Milestone:    milestone.NewProgress("B"),
	})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Enrollment.CurrentCompetencyID)
	assert.Equal(t, enrollment.CompetencyDeveloping, res.Enrollment.CurrentCompetencyStatus)
	assert.False(t, res.IsModuleComplete)
	assert.Equal(t, []shared.EventType{shared.EventCompetencyProgressed}, f.publisher.types())
}

func TestRecordMilestone_Errors(t *testing.T) {
	f := newFixture(t)
	h := f.handler(CertificateModeSync)
	ctx := context.Background()

	cmd := completeCmd("A", "m1")
	cmd.EnrollmentID = "missing"
	_, err := h.Handle(ctx, cmd)
	assert.True(t, shared.IsNotFound(err))

	_, err = h.Handle(ctx, completeCmd("A", "nope"))
	assert.True(t, shared.IsNotFound(err))

	_, err = h.Handle(ctx, completeCmd("A", ""))
	assert.True(t, shared.IsValidation(err))

	_, err = h.Handle(ctx, completeCmd("X", "x1"))
	assert.True(t, shared.IsValidation(err))

	stored, _ := f.store.Get(ctx, "enr-1")
	assert.Empty(t, stored.CompetenciesAchieved)
}

func TestRecordMilestone_ConcurrentSameEnrollment(t *testing.T) {
	f := newFixture(t)
	h := f.handler(CertificateModeSync)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, c := range []RecordMilestoneCommand{
		completeCmd("A", "m1"), completeCmd("B", "m1"), completeCmd("C", "m2"),
		completeCmd("A", "m1"), completeCmd("B", "m1"), completeCmd("C", "m2"),
	} {
		wg.Add(1)
		go func(c RecordMilestoneCommand) {
			defer wg.Done()
			_, err := h.Handle(ctx, c)
			assert.NoError(t, err)
		}(c)
	}
	wg.Wait()

	stored, err := f.store.Get(ctx, "enr-1")
	require.NoError(t, err)
	assert.Len(t, stored.CompetenciesAchieved, 3)
	assert.ElementsMatch(t, []string{"m1", "m2"}, stored.ModulesCompleted)
	assert.Equal(t, enrollment.StatusCompleted, stored.Status)
	assert.Equal(t, 1, f.issuer.calls())
}

// contendedStore runs the update function but never manages to commit.
type contendedStore struct {
	*memory.EnrollmentStore
	attempts int
}

func (s *contendedStore) Transact(ctx context.Context, id string, fn enrollment.UpdateFunc) (*enrollment.Enrollment, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := 0; i < 3; i++ {
		s.attempts++
		if _, err := fn(current.Clone()); err != nil {
			return nil, err
		}
	}
	return nil, shared.WrapError("enrollment", "Transact", shared.ErrTransactionFailed, "transaction failed",
		errors.New("could not serialize access due to concurrent update"))
}

func TestRecordMilestone_TransactionFailedLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok := f.handler(CertificateModeSync)
	for _, c := range []RecordMilestoneCommand{completeCmd("A", "m1"), completeCmd("B", "m1")} {
		_, err := ok.Handle(ctx, c)
		require.NoError(t, err)
	}
	before, err := f.store.Get(ctx, "enr-1")
	require.NoError(t, err)

	store := &contendedStore{EnrollmentStore: f.store}
	publisher := &recordingPublisher{}
	h := NewRecordMilestoneHandler(store, f.catalog, f.certs, publisher, nil, RecordMilestoneConfig{CertificateMode: CertificateModeSync})

	res, err := h.Handle(ctx, completeCmd("C", "m2"))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, shared.IsTransactionFailed(err))
	assert.False(t, shared.IsNotFound(err))
	assert.Equal(t, 3, store.attempts)

	assert.Empty(t, publisher.types())
	assert.Zero(t, f.issuer.calls())

	after, err := f.store.Get(ctx, "enr-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApplyTutorReply_UnstorableCompetencyIDStaysInText(t *testing.T) {
	f := newFixture(t)
	replies := NewApplyTutorReplyHandler(f.handler(CertificateModeSync), nil)

	for _, reply := range []string{
		"Well done [MILESTONE_COMPLETE:am/1:Title]",
		"Well done [MILESTONE_COMPLETE:-am-1:Title]",
		"Well done [MILESTONE_COMPLETE:é-1:Title]",
	} {
		res, err := replies.Handle(context.Background(), ApplyTutorReplyCommand{
			EnrollmentID: "enr-1",
			ModuleID:     "m1",
			Reply:        reply,
		})
		require.NoError(t, err)
		assert.Equal(t, reply, res.CleanText)
		assert.Nil(t, res.Milestone)
		assert.NoError(t, res.RecordingError)
	}
}
