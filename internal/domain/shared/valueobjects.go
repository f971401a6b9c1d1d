package shared

import (
	"regexp"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// Identifiers across the platform are opaque document keys: letters, digits,
// dash, underscore and dot, at most 128 characters.
var documentIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// EnrollmentID identifies one learner's enrollment in one course.
type EnrollmentID string

// IsValid checks if the enrollment ID is well formed.
func (e EnrollmentID) IsValid() bool {
	return documentIDRegex.MatchString(string(e))
}

// String returns the string representation.
func (e EnrollmentID) String() string {
	return string(e)
}

// NewEnrollmentID creates a new EnrollmentID with validation.
func NewEnrollmentID(id string) (EnrollmentID, error) {
	eid := EnrollmentID(strings.TrimSpace(id))
	if !eid.IsValid() {
		return "", ErrInvalidEnrollmentID
	}
	return eid, nil
}

// CompetencyID identifies a competency, e.g. "am-foundations-1".
type CompetencyID string

// IsValid checks if the competency ID is well formed.
func (c CompetencyID) IsValid() bool {
	return documentIDRegex.MatchString(string(c))
}

// String returns the string representation.
func (c CompetencyID) String() string {
	return string(c)
}

// NewCompetencyID creates a new CompetencyID with validation.
func NewCompetencyID(id string) (CompetencyID, error) {
	cid := CompetencyID(strings.TrimSpace(id))
	if !cid.IsValid() {
		return "", ErrInvalidCompetencyID
	}
	return cid, nil
}

// IsValidDocumentID reports whether id is usable as a module, course or
// learner key.
func IsValidDocumentID(id string) bool {
	return documentIDRegex.MatchString(id)
}

// ═══════════════════════════════════════════════════════════════════════════
// Ratio Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Ratio is a done/total fraction used by progress views.
type Ratio struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Percent returns the ratio as an integer percentage (0-100).
// An empty total counts as complete.
func (r Ratio) Percent() int {
	if r.Total <= 0 {
		return 100
	}
	done := r.Done
	if done > r.Total {
		done = r.Total
	}
	return done * 100 / r.Total
}

// IsComplete reports whether every item is done.
func (r Ratio) IsComplete() bool {
	return r.Done >= r.Total
}
