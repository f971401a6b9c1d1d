package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/curriculum"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/learner"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// CatalogRepository implements curriculum.Catalog and curriculum.ModuleLister.
type CatalogRepository struct {
	conn *Connection
}

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository(conn *Connection) *CatalogRepository {
	return &CatalogRepository{conn: conn}
}

// GetModule implements curriculum.Catalog.
func (r *CatalogRepository) GetModule(ctx context.Context, moduleID string) (*curriculum.Module, error) {
	var m curriculum.Module
	err := r.conn.QueryRow(ctx,
		`SELECT id, course_id, title, required_competency_ids FROM modules WHERE id = $1`, moduleID,
	).Scan(&m.ID, &m.CourseID, &m.Title, &m.RequiredCompetencyIDs)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrModuleNotFound
		}
		return nil, fmt.Errorf("failed to get module: %w", err)
	}
	return &m, nil
}

// GetCourse implements curriculum.Catalog.
func (r *CatalogRepository) GetCourse(ctx context.Context, courseID string) (*curriculum.Course, error) {
	var c curriculum.Course
	err := r.conn.QueryRow(ctx,
		`SELECT id, title, required_module_ids FROM courses WHERE id = $1`, courseID,
	).Scan(&c.ID, &c.Title, &c.RequiredModuleIDs)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrCourseNotFound
		}
		return nil, fmt.Errorf("failed to get course: %w", err)
	}
	return &c, nil
}

// ListModules implements curriculum.ModuleLister, in the course's required
// module order.
func (r *CatalogRepository) ListModules(ctx context.Context, courseID string) ([]*curriculum.Module, error) {
	course, err := r.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}

	rows, err := r.conn.Query(ctx, `
		SELECT m.id, m.course_id, m.title, m.required_competency_ids
		FROM unnest($1::text[]) WITH ORDINALITY AS o(id, pos)
		JOIN modules m ON m.id = o.id
		ORDER BY o.pos`, course.RequiredModuleIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}

	modules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*curriculum.Module, error) {
		var m curriculum.Module
		err := row.Scan(&m.ID, &m.CourseID, &m.Title, &m.RequiredCompetencyIDs)
		return &m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan modules: %w", err)
	}
	return modules, nil
}

// PutCourse upserts a course and its modules in one transaction.
func (r *CatalogRepository) PutCourse(ctx context.Context, course curriculum.Course, modules ...curriculum.Module) error {
	return r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO courses (id, title, required_module_ids) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, required_module_ids = EXCLUDED.required_module_ids`,
			course.ID, course.Title, nonNilStrings(course.RequiredModuleIDs),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert course: %w", err)
		}

		for _, m := range modules {
			if m.CourseID == "" {
				m.CourseID = course.ID
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO modules (id, course_id, title, required_competency_ids) VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE SET
					course_id = EXCLUDED.course_id,
					title = EXCLUDED.title,
					required_competency_ids = EXCLUDED.required_competency_ids`,
				m.ID, m.CourseID, m.Title, nonNilStrings(m.RequiredCompetencyIDs),
			)
			if err != nil {
				return fmt.Errorf("failed to upsert module %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// LEARNER REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// LearnerRepository implements learner.Directory.
type LearnerRepository struct {
	conn *Connection
}

// NewLearnerRepository creates a new LearnerRepository.
func NewLearnerRepository(conn *Connection) *LearnerRepository {
	return &LearnerRepository{conn: conn}
}

// GetProfile implements learner.Directory.
func (r *LearnerRepository) GetProfile(ctx context.Context, learnerID string) (*learner.Profile, error) {
	var p learner.Profile
	err := r.conn.QueryRow(ctx,
		`SELECT id, display_name, email FROM learners WHERE id = $1`, learnerID,
	).Scan(&p.ID, &p.DisplayName, &p.Email)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrLearnerNotFound
		}
		return nil, fmt.Errorf("failed to get learner: %w", err)
	}
	return &p, nil
}

// Put upserts a learner profile.
func (r *LearnerRepository) Put(ctx context.Context, p learner.Profile) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO learners (id, display_name, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, email = EXCLUDED.email`,
		p.ID, p.DisplayName, p.Email,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert learner: %w", err)
	}
	return nil
}

var (
	_ curriculum.Catalog      = (*CatalogRepository)(nil)
	_ curriculum.ModuleLister = (*CatalogRepository)(nil)
	_ learner.Directory       = (*LearnerRepository)(nil)
)
