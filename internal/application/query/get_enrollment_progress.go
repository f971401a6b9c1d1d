// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"time"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/curriculum"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/enrollment"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET ENROLLMENT PROGRESS QUERY
// Read-only view of an enrollment: what is achieved, which modules are done
// and how far along each module is.
// ══════════════════════════════════════════════════════════════════════════════

// GetEnrollmentProgressQuery contains the query parameters.
type GetEnrollmentProgressQuery struct {
	EnrollmentID string
}

// Validate checks the query.
func (q GetEnrollmentProgressQuery) Validate() error {
	_, err := shared.NewEnrollmentID(q.EnrollmentID)
	return err
}

// ModuleProgressDTO is the progress through one module.
type ModuleProgressDTO struct {
	ModuleID  string       `json:"module_id"`
	Title     string       `json:"title"`
	Completed bool         `json:"completed"`
	Progress  shared.Ratio `json:"progress"`
	Percent   int          `json:"percent"`
	// Remaining lists required competencies not yet achieved, in module order.
	Remaining []string `json:"remaining,omitempty"`
}

// EnrollmentProgressDTO is the progress view of one enrollment.
type EnrollmentProgressDTO struct {
	EnrollmentID string `json:"enrollment_id"`
	LearnerID    string `json:"learner_id"`
	CourseID     string `json:"course_id"`
	CourseTitle  string `json:"course_title,omitempty"`
	Status       string `json:"status"`

	CompetenciesAchieved    []enrollment.Achievement `json:"competencies_achieved"`
	CurrentCompetencyID     string                   `json:"current_competency_id,omitempty"`
	CurrentCompetencyStatus string                   `json:"current_competency_status,omitempty"`

	ModulesCompleted []string            `json:"modules_completed"`
	Modules          []ModuleProgressDTO `json:"modules,omitempty"`
	Course           shared.Ratio        `json:"course"`
	Percent          int                 `json:"percent"`

	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CertificateID string     `json:"certificate_id,omitempty"`
	Version       int64      `json:"version"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// GetEnrollmentProgressHandler handles the query.
type GetEnrollmentProgressHandler struct {
	enrollments enrollment.Reader
	catalog     curriculum.Catalog
}

// NewGetEnrollmentProgressHandler creates a new handler. When catalog also
// implements curriculum.ModuleLister, per-module progress is included.
func NewGetEnrollmentProgressHandler(enrollments enrollment.Reader, catalog curriculum.Catalog) *GetEnrollmentProgressHandler {
	return &GetEnrollmentProgressHandler{enrollments: enrollments, catalog: catalog}
}

// Handle executes the query.
func (h *GetEnrollmentProgressHandler) Handle(ctx context.Context, q GetEnrollmentProgressQuery) (*EnrollmentProgressDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	e, err := h.enrollments.Get(ctx, q.EnrollmentID)
	if err != nil {
		return nil, err
	}
	return h.Project(ctx, e)
}

// Project builds the view for an enrollment snapshot the caller already holds,
// e.g. one received from a progress feed.
func (h *GetEnrollmentProgressHandler) Project(ctx context.Context, e *enrollment.Enrollment) (*EnrollmentProgressDTO, error) {
	dto := &EnrollmentProgressDTO{
		EnrollmentID:            e.ID,
		LearnerID:               e.LearnerID,
		CourseID:                e.CourseID,
		Status:                  string(e.Status),
		CompetenciesAchieved:    e.CompetenciesAchieved,
		CurrentCompetencyID:     e.CurrentCompetencyID,
		CurrentCompetencyStatus: string(e.CurrentCompetencyStatus),
		ModulesCompleted:        e.ModulesCompleted,
		CompletedAt:             e.CompletedAt,
		CertificateID:           e.CertificateID,
		Version:                 e.Version,
		UpdatedAt:               e.UpdatedAt,
	}
	if h.catalog == nil {
		return dto, nil
	}

	course, err := h.catalog.GetCourse(ctx, e.CourseID)
	if err != nil {
		if shared.IsNotFound(err) {
			// retired course: the raw record is still meaningful
			return dto, nil
		}
		return nil, err
	}
	dto.CourseTitle = course.Title
	dto.Course = shared.Ratio{Total: len(course.RequiredModuleIDs)}
	for _, id := range course.RequiredModuleIDs {
		if e.HasCompletedModule(id) {
			dto.Course.Done++
		}
	}
	dto.Percent = dto.Course.Percent()

	lister, ok := h.catalog.(curriculum.ModuleLister)
	if !ok {
		return dto, nil
	}
	modules, err := lister.ListModules(ctx, e.CourseID)
	if err != nil {
		return nil, err
	}
	for _, m := range modules {
		mp := ModuleProgressDTO{
			ModuleID:  m.ID,
			Title:     m.Title,
			Completed: e.HasCompletedModule(m.ID),
			Progress:  shared.Ratio{Total: len(m.RequiredCompetencyIDs)},
		}
		for _, cid := range m.RequiredCompetencyIDs {
			if e.HasAchieved(cid) {
				mp.Progress.Done++
			} else {
				mp.Remaining = append(mp.Remaining, cid)
			}
		}
		mp.Percent = mp.Progress.Percent()
		dto.Modules = append(dto.Modules, mp)
	}
	return dto, nil
}
