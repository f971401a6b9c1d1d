// Package tutor describes one tutoring turn sent to the language model and
// the instructions that make it emit milestone tags.
package tutor

import (
	"context"
	"fmt"
	"strings"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/curriculum"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/milestone"
)

// Role is the message sender role.
type Role string

const (
	RoleLearner Role = "learner"
	RoleTutor   Role = "tutor"
)

// Message is a single message in the tutoring conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Prompt is what the generator sends to the model.
type Prompt struct {
	System   string
	Messages []Message
}

// Generator produces the tutor's next reply.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// SystemPrompt builds the tutor instructions for a module. It lists the
// module's competencies and tells the model how to mark progress.
func SystemPrompt(course *curriculum.Course, module *curriculum.Module, achieved func(string) bool) string {
	var b strings.Builder

	b.WriteString("You are a Socratic tutor for the Asset Management University.\n")
	if course != nil {
		fmt.Fprintf(&b, "Course: %s\n", course.Title)
	}
	if module != nil {
		fmt.Fprintf(&b, "Module: %s\n", module.Title)
		b.WriteString("Competencies in this module:\n")
		for _, id := range module.RequiredCompetencyIDs {
			state := "not yet demonstrated"
			if achieved != nil && achieved(id) {
				state = "already competent"
			}
			fmt.Fprintf(&b, "- %s (%s)\n", id, state)
		}
	}

	b.WriteString("\nWhen the learner clearly demonstrates a competency, end your reply with ")
	b.WriteString(milestone.NewComplete("<competencyId>", "<competency title>").Tag())
	b.WriteString(".\nWhen the learner is working towards a competency but is not there yet, end your reply with ")
	b.WriteString(milestone.NewProgress("<competencyId>").Tag())
	b.WriteString(".\nUse at most one tag per reply and never explain the tag to the learner.\n")

	return b.String()
}
