// Package milestone extracts competency milestone tags that the AI tutor
// embeds in its replies.
//
// Two tag forms are recognised:
//
//	[MILESTONE_COMPLETE:<competencyId>:<title>]
//	[MILESTONE_PROGRESS:<competencyId>:<note>]
//
// Tags are always removed from the text shown to the learner. Anything that
// looks like a tag but does not follow the grammar is left in place; that
// includes tags whose competency ID is not a valid document key, since the
// recorder could never store them.
package milestone

import (
	"fmt"
	"strings"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

// Type is the kind of milestone a tag carries.
type Type string

const (
	TypeComplete Type = "complete"
	TypeProgress Type = "progress"
)

// Status is the competency status a milestone moves the learner to.
type Status string

const (
	StatusCompetent  Status = "competent"
	StatusDeveloping Status = "developing"
)

// Milestone is one parsed tag.
type Milestone struct {
	Type         Type   `json:"type"`
	CompetencyID string `json:"competency_id"`
	// CompetencyTitle is set for complete milestones only.
	CompetencyTitle string `json:"competency_title,omitempty"`
	Status          Status `json:"status"`
}

// IsComplete reports whether the milestone marks the competency as achieved.
func (m Milestone) IsComplete() bool {
	return m.Type == TypeComplete
}

// Tag renders the milestone back into its inline tag form.
func (m Milestone) Tag() string {
	if m.Type == TypeComplete {
		return fmt.Sprintf("[%s:%s:%s]", keywordComplete, m.CompetencyID, m.CompetencyTitle)
	}
	return fmt.Sprintf("[%s:%s:%s]", keywordProgress, m.CompetencyID, StatusDeveloping)
}

// NewComplete builds a complete milestone.
func NewComplete(competencyID, title string) Milestone {
	return Milestone{
		Type:            TypeComplete,
		CompetencyID:    competencyID,
		CompetencyTitle: title,
		Status:          StatusCompetent,
	}
}

// NewProgress builds a progress milestone.
func NewProgress(competencyID string) Milestone {
	return Milestone{
		Type:         TypeProgress,
		CompetencyID: competencyID,
		Status:       StatusDeveloping,
	}
}

// Result is the outcome of parsing one block of text.
type Result struct {
	CleanText string     `json:"clean_text"`
	Milestone *Milestone `json:"milestone"`
}

// Parse extracts at most one milestone from text. When several tags are
// present the first complete tag is selected, or the first progress tag if
// there is no complete tag. Every recognised tag is stripped from CleanText.
// Text without any recognised tag is returned unchanged.
func Parse(text string) Result {
	tags := scan(text)
	if len(tags) == 0 {
		return Result{CleanText: text}
	}

	var selected *Milestone
	for i := range tags {
		if tags[i].milestone.Type == TypeComplete {
			m := tags[i].milestone
			selected = &m
			break
		}
	}
	if selected == nil {
		m := tags[0].milestone
		selected = &m
	}

	return Result{CleanText: strip(text, tags), Milestone: selected}
}

// ParseAll returns the clean text and every recognised milestone in
// document order.
func ParseAll(text string) (string, []Milestone) {
	tags := scan(text)
	if len(tags) == 0 {
		return text, nil
	}
	out := make([]Milestone, 0, len(tags))
	for _, t := range tags {
		out = append(out, t.milestone)
	}
	return strip(text, tags), out
}

// ═══════════════════════════════════════════════════════════════════════════
// Lexer
// ═══════════════════════════════════════════════════════════════════════════

const (
	tagPrefix       = "[MILESTONE_"
	keywordComplete = "MILESTONE_COMPLETE"
	keywordProgress = "MILESTONE_PROGRESS"
)

type tag struct {
	start, end int // text[start:end] is the whole bracketed tag
	milestone  Milestone
}

func scan(text string) []tag {
	var tags []tag
	pos := 0
	for pos < len(text) {
		idx := strings.Index(text[pos:], tagPrefix)
		if idx < 0 {
			break
		}
		start := pos + idx
		if t, ok := lexTag(text, start); ok {
			tags = append(tags, t)
			pos = t.end
			continue
		}
		pos = start + 1
	}
	return tags
}

// lexTag reads one tag starting at the '[' at text[start].
func lexTag(text string, start int) (tag, bool) {
	closing := strings.IndexByte(text[start:], ']')
	if closing < 0 {
		return tag{}, false
	}
	end := start + closing + 1
	body := text[start+1 : end-1]
	if strings.ContainsAny(body, "[\n\r") {
		return tag{}, false
	}

	parts := strings.SplitN(body, ":", 3)
	if len(parts) != 3 {
		return tag{}, false
	}
	keyword, competencyID, extra := parts[0], parts[1], strings.TrimSpace(parts[2])
	if !shared.CompetencyID(competencyID).IsValid() {
		return tag{}, false
	}

	switch keyword {
	case keywordComplete:
		if extra == "" {
			return tag{}, false
		}
		return tag{start: start, end: end, milestone: NewComplete(competencyID, extra)}, true
	case keywordProgress:
		return tag{start: start, end: end, milestone: NewProgress(competencyID)}, true
	default:
		return tag{}, false
	}
}

// strip removes every tag and trims the result. A space left doubled by a
// removed tag in the middle of a sentence is collapsed.
func strip(text string, tags []tag) string {
	var b strings.Builder
	b.Grow(len(text))

	pos := 0
	for _, t := range tags {
		b.WriteString(text[pos:t.start])
		pos = t.end
		if pos < len(text) && text[pos] == ' ' && strings.HasSuffix(b.String(), " ") {
			pos++
		}
	}
	b.WriteString(text[pos:])

	return strings.TrimSpace(b.String())
}
