package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-core-api/internal/models"
	appErrors "github.com/noah-isme/sis-core-api/pkg/errors"
)

// GradeRepository handles grade persistence. Regrades run inside a
// transaction that locks the grade row, so the derived percentage and
// letter columns can never drift from the points columns.
type GradeRepository struct {
	db *sqlx.DB
}

// NewGradeRepository creates a new grade repository.
func NewGradeRepository(db *sqlx.DB) *GradeRepository {
	return &GradeRepository{db: db}
}

const gradeColumns = `id, submission_id, student_id, assignment_id, class_id,
        points_earned, points_possible, percentage, letter_grade, comments, graded_by, graded_at, updated_at`

// FindByID returns a grade by its ID.
func (r *GradeRepository) FindByID(ctx context.Context, id string) (*models.Grade, error) {
	query := fmt.Sprintf(`SELECT %s FROM grades WHERE id = $1`, gradeColumns)
	var grade models.Grade
	if err := r.db.GetContext(ctx, &grade, query, id); err != nil {
		return nil, err
	}
	return &grade, nil
}

// Insert persists a new grade row with its derived fields precomputed.
func (r *GradeRepository) Insert(ctx context.Context, grade *models.Grade) error {
	if grade.ID == "" {
		grade.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if grade.GradedAt.IsZero() {
		grade.GradedAt = now
	}
	grade.UpdatedAt = now
	const query = `INSERT INTO grades (id, submission_id, student_id, assignment_id, class_id,
        points_earned, points_possible, percentage, letter_grade, comments, graded_by, graded_at, updated_at)
        VALUES (:id, :submission_id, :student_id, :assignment_id, :class_id,
        :points_earned, :points_possible, :percentage, :letter_grade, :comments, :graded_by, :graded_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, grade); err != nil {
		return fmt.Errorf("insert grade: %w", err)
	}
	return nil
}

// ApplyUpdate regrades in one transaction: it locks the grade row,
// re-reads points possible from the assignment when the earned points
// change, recomputes the derived fields, and writes everything together.
func (r *GradeRepository) ApplyUpdate(ctx context.Context, gradeID string, update models.GradeUpdate) (grade *models.Grade, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin regrade transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	lockQuery := fmt.Sprintf(`SELECT %s FROM grades WHERE id = $1 FOR UPDATE`, gradeColumns)
	var current models.Grade
	if err = tx.GetContext(ctx, &current, lockQuery, gradeID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrGradeNotFound
		}
		return nil, fmt.Errorf("lock grade row: %w", err)
	}

	if update.PointsEarned != nil {
		var pointsPossible float64
		const assignmentQuery = `SELECT points_possible FROM assignments WHERE id = $1`
		if err = tx.GetContext(ctx, &pointsPossible, assignmentQuery, current.AssignmentID); err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.ErrAssignmentNotFound
			}
			return nil, fmt.Errorf("read assignment points: %w", err)
		}
		current.PointsEarned = *update.PointsEarned
		current.PointsPossible = pointsPossible
		current.RecomputeDerived()
	}
	if update.Comments != nil {
		current.Comments = update.Comments
	}
	current.UpdatedAt = time.Now().UTC()

	const writeQuery = `UPDATE grades
        SET points_earned = :points_earned, points_possible = :points_possible,
            percentage = :percentage, letter_grade = :letter_grade,
            comments = :comments, updated_at = :updated_at
        WHERE id = :id`
	if _, err = tx.NamedExecContext(ctx, writeQuery, current); err != nil {
		return nil, fmt.Errorf("write regrade: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit regrade: %w", err)
	}
	return &current, nil
}

// ListByClass returns all grades recorded for a class.
func (r *GradeRepository) ListByClass(ctx context.Context, classID string) ([]models.Grade, error) {
	query := fmt.Sprintf(`SELECT %s FROM grades WHERE class_id = $1`, gradeColumns)
	var grades []models.Grade
	if err := r.db.SelectContext(ctx, &grades, query, classID); err != nil {
		return nil, fmt.Errorf("list class grades: %w", err)
	}
	return grades, nil
}

// ListChronological returns a student's grades in a class ordered by
// graded time, oldest first, for rolling progress views.
func (r *GradeRepository) ListChronological(ctx context.Context, studentID, classID string) ([]models.Grade, error) {
	query := fmt.Sprintf(`SELECT %s FROM grades WHERE student_id = $1 AND class_id = $2 ORDER BY graded_at ASC`, gradeColumns)
	var grades []models.Grade
	if err := r.db.SelectContext(ctx, &grades, query, studentID, classID); err != nil {
		return nil, fmt.Errorf("list chronological grades: %w", err)
	}
	return grades, nil
}

// ListForScope returns grades scoped by student plus optional class and
// academic year, for GPA computation.
func (r *GradeRepository) ListForScope(ctx context.Context, filter models.GradeFilter) ([]models.Grade, error) {
	query := `SELECT g.id, g.submission_id, g.student_id, g.assignment_id, g.class_id,
        g.points_earned, g.points_possible, g.percentage, g.letter_grade, g.comments, g.graded_by, g.graded_at, g.updated_at
        FROM grades g
        JOIN classes c ON c.id = g.class_id
        WHERE g.student_id = $1`
	args := []interface{}{filter.StudentID}
	if filter.ClassID != "" {
		query += fmt.Sprintf(" AND g.class_id = $%d", len(args)+1)
		args = append(args, filter.ClassID)
	}
	if filter.AcademicYear != "" {
		query += fmt.Sprintf(" AND c.academic_year = $%d", len(args)+1)
		args = append(args, filter.AcademicYear)
	}
	var grades []models.Grade
	if err := r.db.SelectContext(ctx, &grades, query, args...); err != nil {
		return nil, fmt.Errorf("list grades for scope: %w", err)
	}
	return grades, nil
}

// StudentStandings returns one row per actively enrolled student with
// their mean percentage and grade count. Students without grades come
// back with a NULL average rather than being dropped or zeroed.
func (r *GradeRepository) StudentStandings(ctx context.Context, classID string) ([]models.StudentStanding, error) {
	const query = `SELECT e.student_id, u.full_name AS student_name,
        AVG(g.percentage) AS average, COUNT(g.id) AS grade_count
        FROM enrollments e
        JOIN users u ON u.id = e.student_id
        LEFT JOIN grades g ON g.student_id = e.student_id AND g.class_id = e.class_id
        WHERE e.class_id = $1 AND e.status = $2
        GROUP BY e.student_id, u.full_name`
	var standings []models.StudentStanding
	if err := r.db.SelectContext(ctx, &standings, query, classID, models.EnrollmentStatusActive); err != nil {
		return nil, fmt.Errorf("list student standings: %w", err)
	}
	return standings, nil
}

// TranscriptEntries returns per-class averages for a student, optionally
// limited to one academic year.
func (r *GradeRepository) TranscriptEntries(ctx context.Context, studentID, academicYear string) ([]models.TranscriptEntry, error) {
	query := `SELECT g.class_id, c.name AS class_name, c.academic_year,
        AVG(g.percentage) AS average, COUNT(g.id) AS grade_count
        FROM grades g
        JOIN classes c ON c.id = g.class_id
        WHERE g.student_id = $1`
	args := []interface{}{studentID}
	if academicYear != "" {
		query += fmt.Sprintf(" AND c.academic_year = $%d", len(args)+1)
		args = append(args, academicYear)
	}
	query += " GROUP BY g.class_id, c.name, c.academic_year ORDER BY c.name ASC"
	var entries []models.TranscriptEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("list transcript entries: %w", err)
	}
	return entries, nil
}
