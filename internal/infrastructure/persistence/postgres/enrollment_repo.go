package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/enrollment"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENROLLMENT REPOSITORY IMPLEMENTATION
// Transact locks the row with SELECT ... FOR UPDATE, so concurrent writers on
// one enrollment queue behind each other. Deadlocks and serialization
// failures restart the whole read-modify-write.
// ══════════════════════════════════════════════════════════════════════════════

// EnrollmentRepository implements enrollment.Repository for PostgreSQL.
type EnrollmentRepository struct {
	conn    *Connection
	retrier *retry.Retrier
	now     func() time.Time
}

// NewEnrollmentRepository creates a new EnrollmentRepository. maxAttempts
// bounds how often a conflicting transaction is restarted.
func NewEnrollmentRepository(conn *Connection, maxAttempts int) *EnrollmentRepository {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &EnrollmentRepository{
		conn:    conn,
		retrier: retry.TransactionRetrier(maxAttempts, IsSerializationFailure),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

const enrollmentColumns = `
	id, learner_id, course_id, status, competencies_achieved,
	current_competency_id, current_competency_status, modules_completed,
	completed_at, certificate_id, certificate_requested_at, version, created_at, updated_at
`

// Create implements enrollment.Repository.
func (r *EnrollmentRepository) Create(ctx context.Context, e *enrollment.Enrollment) error {
	achieved, err := json.Marshal(nonNilAchievements(e.CompetenciesAchieved))
	if err != nil {
		return fmt.Errorf("failed to marshal achievements: %w", err)
	}
	if e.Version == 0 {
		e.Version = 1
	}

	_, err = r.conn.Exec(ctx, `INSERT INTO enrollments (`+enrollmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.LearnerID, e.CourseID, string(e.Status), achieved,
		e.CurrentCompetencyID, string(e.CurrentCompetencyStatus), nonNilStrings(e.ModulesCompleted),
		e.CompletedAt, e.CertificateID, e.CertificateRequestedAt, e.Version, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrEnrollmentAlreadyExists
		}
		return fmt.Errorf("failed to create enrollment: %w", err)
	}
	return nil
}

// Get implements enrollment.Repository.
func (r *EnrollmentRepository) Get(ctx context.Context, id string) (*enrollment.Enrollment, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id)
	e, err := scanEnrollment(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	return e, nil
}

// ListAwaitingCertificate implements enrollment.CertificateBacklog.
func (r *EnrollmentRepository) ListAwaitingCertificate(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.conn.Query(ctx, `
		SELECT id FROM enrollments
		WHERE status = 'completed' AND certificate_id = ''
		ORDER BY completed_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments awaiting certificate: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan enrollment ids: %w", err)
	}
	return ids, nil
}

// callbackError carries an UpdateFunc error out of the transaction untouched.
type callbackError struct{ err error }

func (c *callbackError) Error() string { return c.err.Error() }
func (c *callbackError) Unwrap() error { return c.err }

// Transact implements enrollment.Repository.
func (r *EnrollmentRepository) Transact(ctx context.Context, id string, fn enrollment.UpdateFunc) (*enrollment.Enrollment, error) {
	var result *enrollment.Enrollment

	err := commit(ctx, r.retrier, func(ctx context.Context) error {
		return r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1 FOR UPDATE`, id)
			current, err := scanEnrollment(row)
			if err != nil {
				if IsNoRows(err) {
					return &callbackError{err: shared.ErrEnrollmentNotFound}
				}
				return err
			}

			changed, err := fn(current)
			if err != nil {
				return &callbackError{err: err}
			}
			if !changed {
				result = current
				return nil
			}

			previous := current.Version
			current.Version++
			current.UpdatedAt = r.now()
			if err := r.update(ctx, tx, current, previous); err != nil {
				return err
			}
			result = current
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// commit runs attempt under retrier. Errors raised by the caller's UpdateFunc
// come back unchanged; anything else that survives the retries is reported
// as shared.ErrTransactionFailed.
func commit(ctx context.Context, retrier *retry.Retrier, attempt func(ctx context.Context) error) error {
	err := retrier.Do(ctx, attempt)
	if err == nil {
		return nil
	}
	var cbErr *callbackError
	if errors.As(err, &cbErr) {
		return cbErr.err
	}
	return shared.WrapError("enrollment", "Transact", shared.ErrTransactionFailed, "transaction failed", err)
}

func (r *EnrollmentRepository) update(ctx context.Context, q Querier, e *enrollment.Enrollment, previousVersion int64) error {
	achieved, err := json.Marshal(nonNilAchievements(e.CompetenciesAchieved))
	if err != nil {
		return &callbackError{err: fmt.Errorf("failed to marshal achievements: %w", err)}
	}

	tag, err := q.Exec(ctx, `
		UPDATE enrollments SET
			status = $2,
			competencies_achieved = $3,
			current_competency_id = $4,
			current_competency_status = $5,
			modules_completed = $6,
			completed_at = $7,
			certificate_id = $8,
			certificate_requested_at = $9,
			version = $10,
			updated_at = $11
		WHERE id = $1 AND version = $12`,
		e.ID, string(e.Status), achieved, e.CurrentCompetencyID, string(e.CurrentCompetencyStatus),
		nonNilStrings(e.ModulesCompleted), e.CompletedAt, e.CertificateID, e.CertificateRequestedAt,
		e.Version, e.UpdatedAt, previousVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return shared.ErrEnrollmentConflict
	}
	return nil
}

func scanEnrollment(row pgx.Row) (*enrollment.Enrollment, error) {
	var (
		e                enrollment.Enrollment
		status           string
		competency       string
		achievedJSON     []byte
		modulesCompleted []string
	)
	err := row.Scan(
		&e.ID, &e.LearnerID, &e.CourseID, &status, &achievedJSON,
		&e.CurrentCompetencyID, &competency, &modulesCompleted,
		&e.CompletedAt, &e.CertificateID, &e.CertificateRequestedAt, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = enrollment.Status(status)
	e.CurrentCompetencyStatus = enrollment.CompetencyStatus(competency)
	e.ModulesCompleted = nonNilStrings(modulesCompleted)
	e.CompetenciesAchieved = []enrollment.Achievement{}
	if len(achievedJSON) > 0 {
		if err := json.Unmarshal(achievedJSON, &e.CompetenciesAchieved); err != nil {
			return nil, fmt.Errorf("failed to unmarshal achievements: %w", err)
		}
	}
	return &e, nil
}

func nonNilAchievements(a []enrollment.Achievement) []enrollment.Achievement {
	if a == nil {
		return []enrollment.Achievement{}
	}
	return a
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ enrollment.Repository = (*EnrollmentRepository)(nil)
