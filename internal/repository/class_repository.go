package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-core-api/internal/models"
)

// ClassRepository handles persistence of class sections.
type ClassRepository struct {
	db *sqlx.DB
}

// NewClassRepository constructs the repository.
func NewClassRepository(db *sqlx.DB) *ClassRepository {
	return &ClassRepository{db: db}
}

// FindByID returns a class section by its ID.
func (r *ClassRepository) FindByID(ctx context.Context, id string) (*models.ClassSection, error) {
	const query = `SELECT id, name, teacher_id, capacity, academic_year, active, created_at, updated_at
        FROM classes WHERE id = $1`
	var class models.ClassSection
	if err := r.db.GetContext(ctx, &class, query, id); err != nil {
		return nil, err
	}
	return &class, nil
}

// FindDetailByID returns a class with teacher name and current seat usage.
func (r *ClassRepository) FindDetailByID(ctx context.Context, id string) (*models.ClassSectionDetail, error) {
	const query = `SELECT c.id, c.name, c.teacher_id, c.capacity, c.academic_year, c.active, c.created_at, c.updated_at,
        u.full_name AS teacher_name,
        (SELECT COUNT(*) FROM enrollments e WHERE e.class_id = c.id AND e.status = 'ACTIVE') AS active_count
        FROM classes c
        LEFT JOIN users u ON u.id = c.teacher_id
        WHERE c.id = $1`
	var detail models.ClassSectionDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// CountActiveEnrollments returns the number of seats currently taken.
// Unlocked read; mutating paths re-count inside their own transaction.
func (r *ClassRepository) CountActiveEnrollments(ctx context.Context, classID string) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollments WHERE class_id = $1 AND status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, classID, models.EnrollmentStatusActive); err != nil {
		return 0, fmt.Errorf("count active enrollments: %w", err)
	}
	return count, nil
}
