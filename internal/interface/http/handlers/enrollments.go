package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/config"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/application/command"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/application/query"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/curriculum"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/enrollment"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/milestone"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/tutor"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// MilestoneRecorder records a structured milestone.
type MilestoneRecorder interface {
	Handle(ctx context.Context, cmd command.RecordMilestoneCommand) (*command.RecordMilestoneResult, error)
}

// ReplyApplier parses a tutor reply and records its milestone.
type ReplyApplier interface {
	Handle(ctx context.Context, cmd command.ApplyTutorReplyCommand) (*command.ApplyTutorReplyResult, error)
}

// TutorTurner generates a tutor reply and applies it.
type TutorTurner interface {
	Handle(ctx context.Context, cmd command.TutorTurnCommand) (*command.ApplyTutorReplyResult, error)
}

// ProgressReader builds progress views.
type ProgressReader interface {
	Handle(ctx context.Context, q query.GetEnrollmentProgressQuery) (*query.EnrollmentProgressDTO, error)
	Project(ctx context.Context, e *enrollment.Enrollment) (*query.EnrollmentProgressDTO, error)
}

// EnrollmentCreator stores new enrollments.
type EnrollmentCreator interface {
	Create(ctx context.Context, e *enrollment.Enrollment) error
}

// FeatureGate answers feature flag checks for one subject.
type FeatureGate interface {
	Enabled(feature, subjectID string) bool
}

// EnrollmentHandlerConfig contains configuration for EnrollmentHandler.
type EnrollmentHandlerConfig struct {
	// Heartbeat is the comment interval on progress streams.
	Heartbeat time.Duration
}

// DefaultEnrollmentHandlerConfig returns default configuration.
func DefaultEnrollmentHandlerConfig() EnrollmentHandlerConfig {
	return EnrollmentHandlerConfig{Heartbeat: 15 * time.Second}
}

// EnrollmentHandler serves the /enrollments routes.
type EnrollmentHandler struct {
	Enrollments EnrollmentCreator
	Catalog     curriculum.Catalog
	Recorder    MilestoneRecorder
	Replies     ReplyApplier
	// Tutor may be nil when no model is configured.
	Tutor TutorTurner
	Views ProgressReader
	// Watcher may be nil; the stream route then answers 501.
	Watcher  enrollment.Watcher
	Features FeatureGate
	Log      *logger.Logger
	Config   EnrollmentHandlerConfig
}

func (h *EnrollmentHandler) log() *logger.Logger {
	if h.Log == nil {
		return logger.Nop()
	}
	return h.Log
}

func (h *EnrollmentHandler) enabled(feature, subjectID string) bool {
	return h.Features == nil || h.Features.Enabled(feature, subjectID)
}

// ══════════════════════════════════════════════════════════════════════════════
// CREATE
// ══════════════════════════════════════════════════════════════════════════════

type createEnrollmentRequest struct {
	ID        string `json:"id"`
	LearnerID string `json:"learner_id" binding:"required"`
	CourseID  string `json:"course_id" binding:"required"`
}

// Create handles POST /enrollments.
func (h *EnrollmentHandler) Create(c *gin.Context) {
	var req createEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}
	ctx := c.Request.Context()

	if h.Catalog != nil {
		if _, err := h.Catalog.GetCourse(ctx, req.CourseID); err != nil {
			RespondDomainError(c, err)
			return
		}
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	e, err := enrollment.NewEnrollment(enrollment.NewEnrollmentParams{
		ID:        id,
		LearnerID: req.LearnerID,
		CourseID:  req.CourseID,
	})
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	if err := h.Enrollments.Create(ctx, e); err != nil {
		RespondDomainError(c, err)
		return
	}

	h.log().Info("enrollment created",
		logger.EnrollmentID(e.ID),
		logger.LearnerID(e.LearnerID),
		logger.CourseID(e.CourseID),
	)
	c.JSON(http.StatusCreated, e)
}

// ══════════════════════════════════════════════════════════════════════════════
// MILESTONES
// ══════════════════════════════════════════════════════════════════════════════

type recordMilestoneRequest struct {
	Type            string `json:"type" binding:"required"`
	CompetencyID    string `json:"competency_id" binding:"required"`
	CompetencyTitle string `json:"competency_title"`
	ModuleID        string `json:"module_id"`
	ConversationID  string `json:"conversation_id"`
}

func (r recordMilestoneRequest) milestone() milestone.Milestone {
	switch milestone.Type(r.Type) {
	case milestone.TypeComplete:
		return milestone.NewComplete(r.CompetencyID, r.CompetencyTitle)
	case milestone.TypeProgress:
		return milestone.NewProgress(r.CompetencyID)
	default:
		// rejected by command validation
		return milestone.Milestone{Type: milestone.Type(r.Type), CompetencyID: r.CompetencyID}
	}
}

// RecordingResponse is the JSON form of a recording result.
type RecordingResponse struct {
	Achieved             bool                   `json:"achieved"`
	IsModuleComplete     bool                   `json:"is_module_complete"`
	IsCourseComplete     bool                   `json:"is_course_complete"`
	CertificateRequested bool                   `json:"certificate_requested"`
	CertificateGenerated bool                   `json:"certificate_generated"`
	CertificateID        string                 `json:"certificate_id,omitempty"`
	Enrollment           *enrollment.Enrollment `json:"enrollment"`
}

func toRecordingResponse(r *command.RecordMilestoneResult) *RecordingResponse {
	if r == nil {
		return nil
	}
	return &RecordingResponse{
		Achieved:             r.Achieved,
		IsModuleComplete:     r.IsModuleComplete,
		IsCourseComplete:     r.IsCourseComplete,
		CertificateRequested: r.CertificateRequested,
		CertificateGenerated: r.CertificateGenerated,
		CertificateID:        r.CertificateID,
		Enrollment:           r.Enrollment,
	}
}

// RecordMilestone handles POST /enrollments/:id/milestones.
func (h *EnrollmentHandler) RecordMilestone(c *gin.Context) {
	var req recordMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}

	result, err := h.Recorder.Handle(c.Request.Context(), command.RecordMilestoneCommand{
		EnrollmentID:   c.Param("id"),
		Milestone:      req.milestone(),
		ModuleID:       req.ModuleID,
		ConversationID: req.ConversationID,
		CorrelationID:  GetRequestID(c),
	})
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, toRecordingResponse(result))
}

// ══════════════════════════════════════════════════════════════════════════════
// TUTOR REPLIES
// ══════════════════════════════════════════════════════════════════════════════

// ReplyResponse is what the chat surface renders.
type ReplyResponse struct {
	CleanText      string               `json:"clean_text"`
	Milestone      *milestone.Milestone `json:"milestone"`
	Recording      *RecordingResponse   `json:"recording,omitempty"`
	RecordingError string               `json:"recording_error,omitempty"`
}

func toReplyResponse(r *command.ApplyTutorReplyResult) ReplyResponse {
	resp := ReplyResponse{
		CleanText: r.CleanText,
		Milestone: r.Milestone,
		Recording: toRecordingResponse(r.Recording),
	}
	if r.RecordingError != nil {
		resp.RecordingError = r.RecordingError.Error()
	}
	return resp
}

type applyReplyRequest struct {
	Reply          string `json:"reply" binding:"required"`
	ModuleID       string `json:"module_id"`
	ConversationID string `json:"conversation_id"`
}

// ApplyReply handles POST /enrollments/:id/replies.
func (h *EnrollmentHandler) ApplyReply(c *gin.Context) {
	var req applyReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}

	result, err := h.Replies.Handle(c.Request.Context(), command.ApplyTutorReplyCommand{
		EnrollmentID:   c.Param("id"),
		ModuleID:       req.ModuleID,
		ConversationID: req.ConversationID,
		Reply:          req.Reply,
		CorrelationID:  GetRequestID(c),
	})
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, toReplyResponse(result))
}

type tutorTurnRequest struct {
	ModuleID       string          `json:"module_id" binding:"required"`
	ConversationID string          `json:"conversation_id"`
	History        []tutor.Message `json:"history"`
	Message        string          `json:"message" binding:"required"`
}

// TutorTurn handles POST /enrollments/:id/tutor.
func (h *EnrollmentHandler) TutorTurn(c *gin.Context) {
	id := c.Param("id")
	if h.Tutor == nil || !h.enabled(config.FeatureTutorGeneration, id) {
		RespondError(c, http.StatusNotImplemented, CodeDisabled, errors.New("tutor generation is disabled"))
		return
	}

	var req tutorTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}

	result, err := h.Tutor.Handle(c.Request.Context(), command.TutorTurnCommand{
		EnrollmentID:   id,
		ModuleID:       req.ModuleID,
		ConversationID: req.ConversationID,
		History:        req.History,
		Message:        req.Message,
		CorrelationID:  GetRequestID(c),
	})
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, toReplyResponse(result))
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// Progress handles GET /enrollments/:id/progress.
func (h *EnrollmentHandler) Progress(c *gin.Context) {
	dto, err := h.Views.Handle(c.Request.Context(), query.GetEnrollmentProgressQuery{EnrollmentID: c.Param("id")})
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, dto)
}

// Stream handles GET /enrollments/:id/stream: the current progress view, then
// a new one after every committed change, as server-sent "progress" events.
func (h *EnrollmentHandler) Stream(c *gin.Context) {
	id := c.Param("id")
	if h.Watcher == nil || !h.enabled(config.FeatureProgressStream, id) {
		RespondError(c, http.StatusNotImplemented, CodeDisabled, errors.New("progress stream is disabled"))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// subscribe before reading so no commit between the two is lost
	updates, err := h.Watcher.Watch(ctx, id)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	current, err := h.Views.Handle(ctx, query.GetEnrollmentProgressQuery{EnrollmentID: id})
	if err != nil {
		RespondDomainError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	lastVersion := current.Version
	c.SSEvent("progress", current)
	c.Writer.Flush()

	heartbeat := h.Config.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultEnrollmentHandlerConfig().Heartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	log := h.log().With(logger.EnrollmentID(id))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = c.Writer.WriteString(": ping\n\n")
			c.Writer.Flush()
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap.Version <= lastVersion {
				continue
			}
			dto, err := h.Views.Project(ctx, snap)
			if err != nil {
				log.Warn("progress projection failed", logger.Err(err))
				continue
			}
			lastVersion = snap.Version
			c.SSEvent("progress", dto)
			c.Writer.Flush()
		}
	}
}
