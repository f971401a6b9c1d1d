// Package learner exposes the read-only learner profile lookup used when a
// certificate request is composed.
package learner

import (
	"context"
	"strings"
)

// Profile is the subset of a learner's account this service reads.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// Name returns the name printed on certificates. It falls back to the email
// local part when no display name is set.
func (p Profile) Name() string {
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(p.Email, "@"); ok && local != "" {
		return local
	}
	return p.ID
}

// Directory looks up learner profiles.
// GetProfile returns shared.ErrLearnerNotFound for unknown learners.
type Directory interface {
	GetProfile(ctx context.Context, learnerID string) (*Profile, error)
}
