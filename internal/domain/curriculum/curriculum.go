// Package curriculum holds the read-only course structure that decides when
// a module or a course is complete. Content is owned by content management;
// this service only reads it.
package curriculum

import (
	"context"
	"slices"
)

// Module is a unit of a course made of required competencies.
type Module struct {
	ID                    string   `json:"id"`
	CourseID              string   `json:"course_id"`
	Title                 string   `json:"title"`
	RequiredCompetencyIDs []string `json:"required_competency_ids"`
}

// IsSatisfiedBy reports whether every required competency is in achieved.
func (m Module) IsSatisfiedBy(achieved func(competencyID string) bool) bool {
	for _, id := range m.RequiredCompetencyIDs {
		if !achieved(id) {
			return false
		}
	}
	return true
}

// Requires reports whether competencyID is one of the module's competencies.
func (m Module) Requires(competencyID string) bool {
	return slices.Contains(m.RequiredCompetencyIDs, competencyID)
}

// Course is a set of required modules.
type Course struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	RequiredModuleIDs []string `json:"required_module_ids"`
}

// IsSatisfiedBy reports whether every required module is in completed.
func (c Course) IsSatisfiedBy(completed func(moduleID string) bool) bool {
	for _, id := range c.RequiredModuleIDs {
		if !completed(id) {
			return false
		}
	}
	return true
}

// Catalog is the read-only lookup of modules and courses.
// Both methods return shared.ErrModuleNotFound / shared.ErrCourseNotFound
// when the document does not exist.
type Catalog interface {
	GetModule(ctx context.Context, moduleID string) (*Module, error)
	GetCourse(ctx context.Context, courseID string) (*Course, error)
}

// ModuleLister is implemented by catalogs that can enumerate a course's
// modules. Progress views use it.
type ModuleLister interface {
	ListModules(ctx context.Context, courseID string) ([]*Module, error)
}
