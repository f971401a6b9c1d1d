package command

import (
	"context"
	"fmt"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/milestone"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// APPLY TUTOR REPLY COMMAND
// Strips milestone tags from a tutor reply and records the selected milestone.
// The learner always gets the clean text; recording failures are logged and
// reported next to it, never instead of it.
// ══════════════════════════════════════════════════════════════════════════════

// ApplyTutorReplyCommand contains a raw tutor reply.
type ApplyTutorReplyCommand struct {
	EnrollmentID   string
	ModuleID       string
	ConversationID string
	Reply          string
	CorrelationID  string
}

// Validate validates the command.
func (c ApplyTutorReplyCommand) Validate() error {
	if _, err := shared.NewEnrollmentID(c.EnrollmentID); err != nil {
		return err
	}
	return nil
}

// ApplyTutorReplyResult is what the chat surface shows and logs.
type ApplyTutorReplyResult struct {
	CleanText string
	Milestone *milestone.Milestone

	// Recording is nil when the reply had no milestone or recording failed.
	Recording *RecordMilestoneResult

	// RecordingError is set when the milestone could not be recorded.
	RecordingError error
}

// ApplyTutorReplyHandler handles the ApplyTutorReplyCommand.
type ApplyTutorReplyHandler struct {
	recorder *RecordMilestoneHandler
	log      *logger.Logger
}

// NewApplyTutorReplyHandler creates a new ApplyTutorReplyHandler.
func NewApplyTutorReplyHandler(recorder *RecordMilestoneHandler, log *logger.Logger) *ApplyTutorReplyHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &ApplyTutorReplyHandler{
		recorder: recorder,
		log:      log.With(logger.Component("apply_tutor_reply")),
	}
}

// Handle parses the reply and records its milestone. The returned error is
// only non-nil for an invalid command.
func (h *ApplyTutorReplyHandler) Handle(ctx context.Context, cmd ApplyTutorReplyCommand) (*ApplyTutorReplyResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("apply_tutor_reply: %w", err)
	}

	parsed := milestone.Parse(cmd.Reply)
	result := &ApplyTutorReplyResult{
		CleanText: parsed.CleanText,
		Milestone: parsed.Milestone,
	}
	if parsed.Milestone == nil {
		return result, nil
	}

	recording, err := h.recorder.Handle(ctx, RecordMilestoneCommand{
		EnrollmentID:   cmd.EnrollmentID,
		Milestone:      *parsed.Milestone,
		ConversationID: cmd.ConversationID,
		ModuleID:       cmd.ModuleID,
		CorrelationID:  cmd.CorrelationID,
	})
	if err != nil {
		h.log.Error("failed to record milestone from tutor reply",
			logger.EnrollmentID(cmd.EnrollmentID),
			logger.ConversationID(cmd.ConversationID),
			logger.CompetencyID(parsed.Milestone.CompetencyID),
			logger.Err(err),
		)
		result.RecordingError = err
		return result, nil
	}

	result.Recording = recording
	return result, nil
}
