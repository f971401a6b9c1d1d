package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/curriculum"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/enrollment"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/tutor"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// TUTOR TURN COMMAND
// Sends the learner's message to the tutor model and applies the reply.
// ══════════════════════════════════════════════════════════════════════════════

// TutorTurnCommand is one learner message within a tutoring conversation.
type TutorTurnCommand struct {
	EnrollmentID   string
	ModuleID       string
	ConversationID string
	History        []tutor.Message
	Message        string
	CorrelationID  string
}

// Validate validates the command.
func (c TutorTurnCommand) Validate() error {
	if _, err := shared.NewEnrollmentID(c.EnrollmentID); err != nil {
		return err
	}
	if strings.TrimSpace(c.ModuleID) == "" {
		return shared.NewDomainError("tutor_turn", "Validate", shared.ErrEmptyValue, "module_id is required")
	}
	if strings.TrimSpace(c.Message) == "" {
		return shared.NewDomainError("tutor_turn", "Validate", shared.ErrEmptyValue, "message is required")
	}
	return nil
}

// TutorTurnHandler handles the TutorTurnCommand.
type TutorTurnHandler struct {
	enrollments enrollment.Repository
	catalog     curriculum.Catalog
	generator   tutor.Generator
	replies     *ApplyTutorReplyHandler
	log         *logger.Logger
}

// NewTutorTurnHandler creates a new TutorTurnHandler.
func NewTutorTurnHandler(
	enrollments enrollment.Repository,
	catalog curriculum.Catalog,
	generator tutor.Generator,
	replies *ApplyTutorReplyHandler,
	log *logger.Logger,
) *TutorTurnHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &TutorTurnHandler{
		enrollments: enrollments,
		catalog:     catalog,
		generator:   generator,
		replies:     replies,
		log:         log.With(logger.Component("tutor_turn")),
	}
}

// Handle generates the tutor reply and applies it.
func (h *TutorTurnHandler) Handle(ctx context.Context, cmd TutorTurnCommand) (*ApplyTutorReplyResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("tutor_turn: %w", err)
	}

	e, err := h.enrollments.Get(ctx, cmd.EnrollmentID)
	if err != nil {
		return nil, fmt.Errorf("tutor_turn: %w", err)
	}
	module, err := h.catalog.GetModule(ctx, cmd.ModuleID)
	if err != nil {
		return nil, fmt.Errorf("tutor_turn: %w", err)
	}
	course, err := h.catalog.GetCourse(ctx, e.CourseID)
	if err != nil {
		return nil, fmt.Errorf("tutor_turn: %w", err)
	}

	messages := make([]tutor.Message, 0, len(cmd.History)+1)
	messages = append(messages, cmd.History...)
	messages = append(messages, tutor.Message{Role: tutor.RoleLearner, Content: cmd.Message})

	start := time.Now()
	reply, err := h.generator.Generate(ctx, tutor.Prompt{
		System:   tutor.SystemPrompt(course, module, e.HasAchieved),
		Messages: messages,
	})
	if err != nil {
		h.log.Error("tutor generation failed",
			logger.EnrollmentID(cmd.EnrollmentID),
			logger.ConversationID(cmd.ConversationID),
			logger.Err(err),
		)
		return nil, fmt.Errorf("tutor_turn: %w", err)
	}
	h.log.Debug("tutor reply generated",
		logger.EnrollmentID(cmd.EnrollmentID),
		logger.Latency(time.Since(start)),
		logger.Int("reply_len", len(reply)),
	)

	return h.replies.Handle(ctx, ApplyTutorReplyCommand{
		EnrollmentID:   cmd.EnrollmentID,
		ModuleID:       cmd.ModuleID,
		ConversationID: cmd.ConversationID,
		Reply:          reply,
		CorrelationID:  cmd.CorrelationID,
	})
}
