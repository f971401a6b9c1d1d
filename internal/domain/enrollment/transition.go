package enrollment

import (
	"time"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/curriculum"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/milestone"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

// Change is one milestone applied to an enrollment together with the course
// structure it is judged against.
type Change struct {
	Milestone      milestone.Milestone
	ConversationID string
	// Module is the module the learner is currently in. Required for
	// complete milestones.
	Module *curriculum.Module
	// Course is the enrollment's course. Required for complete milestones.
	Course *curriculum.Course
	At     time.Time
}

// Outcome reports what Apply changed.
type Outcome struct {
	// Changed is false when the milestone was a no-op.
	Changed bool

	Achieved   bool
	Progressed bool

	// ModuleCompleted and CourseCompleted are true only when this change
	// newly completed them.
	ModuleCompleted bool
	CourseCompleted bool
}

// Validate checks the change is well formed before it is applied.
func (c Change) Validate() error {
	if _, err := shared.NewCompetencyID(c.Milestone.CompetencyID); err != nil {
		return err
	}
	switch c.Milestone.Type {
	case milestone.TypeComplete:
		if c.Module == nil || c.Course == nil {
			return shared.NewDomainError("enrollment", "Apply", shared.ErrInvalidInput, "complete milestone requires module and course")
		}
	case milestone.TypeProgress:
	default:
		return shared.ErrInvalidMilestone
	}
	return nil
}

// Apply runs the competency state machine for one milestone. It mutates e
// in place and never fails; callers validate the change first.
func Apply(e *Enrollment, c Change) Outcome {
	at := c.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch c.Milestone.Type {
	case milestone.TypeProgress:
		return applyProgress(e, c.Milestone.CompetencyID)
	case milestone.TypeComplete:
		return applyComplete(e, c, at)
	default:
		return Outcome{}
	}
}

func applyProgress(e *Enrollment, competencyID string) Outcome {
	// competent is terminal for a competency
	if e.HasAchieved(competencyID) {
		return Outcome{}
	}
	if e.CurrentCompetencyID == competencyID && e.CurrentCompetencyStatus == CompetencyDeveloping {
		return Outcome{}
	}
	e.CurrentCompetencyID = competencyID
	e.CurrentCompetencyStatus = CompetencyDeveloping
	return Outcome{Changed: true, Progressed: true}
}

func applyComplete(e *Enrollment, c Change, at time.Time) Outcome {
	m := c.Milestone
	if e.HasAchieved(m.CompetencyID) {
		return Outcome{}
	}

	out := Outcome{Changed: true, Achieved: true}

	e.CompetenciesAchieved = append(e.CompetenciesAchieved, Achievement{
		CompetencyID:   m.CompetencyID,
		Title:          m.CompetencyTitle,
		AchievedAt:     at,
		ConversationID: c.ConversationID,
		ModuleID:       c.Module.ID,
	})
	e.CurrentCompetencyID = m.CompetencyID
	e.CurrentCompetencyStatus = CompetencyCompetent

	if !e.HasCompletedModule(c.Module.ID) && c.Module.IsSatisfiedBy(e.HasAchieved) {
		e.ModulesCompleted = append(e.ModulesCompleted, c.Module.ID)
		out.ModuleCompleted = true
	}

	if e.Status == StatusActive && c.Course.IsSatisfiedBy(e.HasCompletedModule) {
		e.Status = StatusCompleted
		completedAt := at
		e.CompletedAt = &completedAt
		out.CourseCompleted = true
	}

	return out
}
