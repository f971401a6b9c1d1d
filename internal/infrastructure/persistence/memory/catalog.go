package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/certificate"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/curriculum"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/learner"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// Catalog
// ═══════════════════════════════════════════════════════════════════════════

// Catalog is a curriculum.Catalog held in memory.
type Catalog struct {
	mu      sync.RWMutex
	modules map[string]curriculum.Module
	courses map[string]curriculum.Course
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		modules: make(map[string]curriculum.Module),
		courses: make(map[string]curriculum.Course),
	}
}

// PutCourse stores a course and its modules.
func (c *Catalog) PutCourse(course curriculum.Course, modules ...curriculum.Module) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.courses[course.ID] = course
	for _, m := range modules {
		if m.CourseID == "" {
			m.CourseID = course.ID
		}
		c.modules[m.ID] = m
	}
}

// GetModule implements curriculum.Catalog.
func (c *Catalog) GetModule(_ context.Context, moduleID string) (*curriculum.Module, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.modules[moduleID]
	if !ok {
		return nil, shared.ErrModuleNotFound
	}
	m.RequiredCompetencyIDs = slices.Clone(m.RequiredCompetencyIDs)
	return &m, nil
}

// GetCourse implements curriculum.Catalog.
func (c *Catalog) GetCourse(_ context.Context, courseID string) (*curriculum.Course, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	course, ok := c.courses[courseID]
	if !ok {
		return nil, shared.ErrCourseNotFound
	}
	course.RequiredModuleIDs = slices.Clone(course.RequiredModuleIDs)
	return &course, nil
}

// ListModules implements curriculum.ModuleLister in course order.
func (c *Catalog) ListModules(_ context.Context, courseID string) ([]*curriculum.Module, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	course, ok := c.courses[courseID]
	if !ok {
		return nil, shared.ErrCourseNotFound
	}
	out := make([]*curriculum.Module, 0, len(course.RequiredModuleIDs))
	for _, id := range course.RequiredModuleIDs {
		m, ok := c.modules[id]
		if !ok {
			continue
		}
		m.RequiredCompetencyIDs = slices.Clone(m.RequiredCompetencyIDs)
		out = append(out, &m)
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Learner Directory
// ═══════════════════════════════════════════════════════════════════════════

// LearnerDirectory is a learner.Directory held in memory.
type LearnerDirectory struct {
	mu       sync.RWMutex
	profiles map[string]learner.Profile
}

// NewLearnerDirectory creates a directory with the given profiles.
func NewLearnerDirectory(profiles ...learner.Profile) *LearnerDirectory {
	d := &LearnerDirectory{profiles: make(map[string]learner.Profile)}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

// Put stores a profile.
func (d *LearnerDirectory) Put(p learner.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
}

// GetProfile implements learner.Directory.
func (d *LearnerDirectory) GetProfile(_ context.Context, learnerID string) (*learner.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.profiles[learnerID]
	if !ok {
		return nil, shared.ErrLearnerNotFound
	}
	return &p, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Certificates
// ═══════════════════════════════════════════════════════════════════════════

// CertificateStore is a certificate.Repository held in memory.
type CertificateStore struct {
	mu           sync.RWMutex
	byEnrollment map[string]certificate.Certificate
}

// NewCertificateStore creates an empty store.
func NewCertificateStore() *CertificateStore {
	return &CertificateStore{byEnrollment: make(map[string]certificate.Certificate)}
}

// Save implements certificate.Repository. One certificate per enrollment.
func (s *CertificateStore) Save(_ context.Context, cert *certificate.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEnrollment[cert.EnrollmentID]; ok {
		return shared.NewDomainError("certificate", "Save", shared.ErrAlreadyExists, "certificate already issued for enrollment")
	}
	c := *cert
	c.Competencies = slices.Clone(cert.Competencies)
	s.byEnrollment[cert.EnrollmentID] = c
	return nil
}

// GetByEnrollment implements certificate.Repository.
func (s *CertificateStore) GetByEnrollment(_ context.Context, enrollmentID string) (*certificate.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byEnrollment[enrollmentID]
	if !ok {
		return nil, shared.NewDomainError("certificate", "GetByEnrollment", shared.ErrNotFound, "certificate not found")
	}
	return &c, nil
}

var (
	_ curriculum.Catalog      = (*Catalog)(nil)
	_ curriculum.ModuleLister = (*Catalog)(nil)
	_ learner.Directory       = (*LearnerDirectory)(nil)
	_ certificate.Repository  = (*CertificateStore)(nil)
)
