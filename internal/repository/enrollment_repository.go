package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-core-api/internal/models"
	appErrors "github.com/noah-isme/sis-core-api/pkg/errors"
)

// EnrollmentRepository handles persistence of enrollments. The write
// paths that touch class capacity run inside a transaction that locks
// the class row, so the active count can never exceed capacity under
// concurrent callers.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN users s ON s.id = e.student_id
LEFT JOIN classes c ON c.id = e.class_id
LEFT JOIN users t ON t.id = c.teacher_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.ClassID != "" {
		conditions = append(conditions, fmt.Sprintf("e.class_id = $%d", len(args)+1))
		args = append(args, filter.ClassID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"enrolled_at":  "e.enrolled_at",
		"student_name": "s.full_name",
		"class_name":   "c.name",
	}
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "enrolled_at"
	}
	orderBy := allowedSorts[sortBy]
	if orderBy == "" {
		orderBy = "e.enrolled_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.class_id, e.status, e.enrolled_at, e.unenrolled_at,
        e.enrolled_by, e.unenrolled_by, e.reason,
        s.full_name AS student_name, c.name AS class_name, t.full_name AS teacher_name
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindDetailByID returns an enrollment with contextual info.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.class_id, e.status, e.enrolled_at, e.unenrolled_at,
        e.enrolled_by, e.unenrolled_by, e.reason,
        s.full_name AS student_name, c.name AS class_name, t.full_name AS teacher_name
        FROM enrollments e
        LEFT JOIN users s ON s.id = e.student_id
        LEFT JOIN classes c ON c.id = e.class_id
        LEFT JOIN users t ON t.id = c.teacher_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// FindActivePair returns the active enrollment for a (student, class) pair.
func (r *EnrollmentRepository) FindActivePair(ctx context.Context, studentID, classID string) (*models.Enrollment, error) {
	const query = `SELECT id, student_id, class_id, status, enrolled_at, unenrolled_at, enrolled_by, unenrolled_by, reason
        FROM enrollments WHERE student_id = $1 AND class_id = $2 AND status = $3`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, studentID, classID, models.EnrollmentStatusActive); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// ExistsActive checks if an active enrollment exists for the pair.
func (r *EnrollmentRepository) ExistsActive(ctx context.Context, studentID, classID string) (bool, error) {
	const query = `SELECT 1 FROM enrollments WHERE student_id = $1 AND class_id = $2 AND status = $3 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, studentID, classID, models.EnrollmentStatusActive); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check active enrollment: %w", err)
	}
	return true, nil
}

// EnrollParams carries the inputs for an enrollment write.
type EnrollParams struct {
	StudentID string
	ClassID   string
	ActorID   string
}

// Enroll creates or reactivates an enrollment. The class row is locked
// for the duration of the transaction and the active count re-read under
// that lock, so two concurrent last-seat attempts cannot both succeed.
func (r *EnrollmentRepository) Enroll(ctx context.Context, params EnrollParams) (enrollment *models.Enrollment, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enroll transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	enrollment, err = enrollInTx(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enrollment: %w", err)
	}
	return enrollment, nil
}

// enrollInTx performs the locked capacity check plus insert/reactivate
// using the caller's transaction.
func enrollInTx(ctx context.Context, tx *sqlx.Tx, params EnrollParams) (*models.Enrollment, error) {
	var class struct {
		Capacity int  `db:"capacity"`
		Active   bool `db:"active"`
	}
	const lockQuery = `SELECT capacity, active FROM classes WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &class, lockQuery, params.ClassID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrClassNotFound
		}
		return nil, fmt.Errorf("lock class row: %w", err)
	}
	if !class.Active {
		return nil, appErrors.ErrClassNotFound
	}

	var activeCount int
	const countQuery = `SELECT COUNT(*) FROM enrollments WHERE class_id = $1 AND status = $2`
	if err := tx.GetContext(ctx, &activeCount, countQuery, params.ClassID, models.EnrollmentStatusActive); err != nil {
		return nil, fmt.Errorf("count active enrollments: %w", err)
	}
	if activeCount >= class.Capacity {
		return nil, appErrors.ErrClassAtCapacity
	}

	now := time.Now().UTC()
	var existing models.Enrollment
	const pairQuery = `SELECT id, student_id, class_id, status, enrolled_at, unenrolled_at, enrolled_by, unenrolled_by, reason
        FROM enrollments WHERE student_id = $1 AND class_id = $2
        ORDER BY enrolled_at DESC LIMIT 1 FOR UPDATE`
	err := tx.GetContext(ctx, &existing, pairQuery, params.StudentID, params.ClassID)
	switch {
	case err == sql.ErrNoRows:
		enrollment := &models.Enrollment{
			ID:         uuid.NewString(),
			StudentID:  params.StudentID,
			ClassID:    params.ClassID,
			Status:     models.EnrollmentStatusActive,
			EnrolledAt: now,
			EnrolledBy: params.ActorID,
		}
		const insertQuery = `INSERT INTO enrollments (id, student_id, class_id, status, enrolled_at, enrolled_by)
            VALUES (:id, :student_id, :class_id, :status, :enrolled_at, :enrolled_by)`
		if _, err := tx.NamedExecContext(ctx, insertQuery, enrollment); err != nil {
			return nil, fmt.Errorf("insert enrollment: %w", err)
		}
		return enrollment, nil
	case err != nil:
		return nil, fmt.Errorf("find enrollment pair: %w", err)
	}

	if existing.Status == models.EnrollmentStatusActive {
		return nil, appErrors.ErrStudentAlreadyEnrolled
	}

	// Reactivate the historical row in place rather than duplicating it.
	const reactivateQuery = `UPDATE enrollments
        SET status = $2, enrolled_at = $3, enrolled_by = $4, unenrolled_at = NULL, unenrolled_by = NULL, reason = NULL
        WHERE id = $1`
	if _, err := tx.ExecContext(ctx, reactivateQuery, existing.ID, models.EnrollmentStatusActive, now, params.ActorID); err != nil {
		return nil, fmt.Errorf("reactivate enrollment: %w", err)
	}
	existing.Status = models.EnrollmentStatusActive
	existing.EnrolledAt = now
	existing.EnrolledBy = params.ActorID
	existing.UnenrolledAt = nil
	existing.UnenrolledBy = nil
	existing.Reason = nil
	return &existing, nil
}

// UnenrollParams carries the inputs for closing an enrollment.
type UnenrollParams struct {
	StudentID string
	ClassID   string
	ActorID   string
	Reason    *string
}

// Unenroll marks the active enrollment for the pair inactive.
func (r *EnrollmentRepository) Unenroll(ctx context.Context, params UnenrollParams) (*models.Enrollment, error) {
	now := time.Now().UTC()
	const query = `UPDATE enrollments
        SET status = $3, unenrolled_at = $4, unenrolled_by = $5, reason = $6
        WHERE student_id = $1 AND class_id = $2 AND status = $7
        RETURNING id, student_id, class_id, status, enrolled_at, unenrolled_at, enrolled_by, unenrolled_by, reason`
	var enrollment models.Enrollment
	err := r.db.GetContext(ctx, &enrollment, query,
		params.StudentID, params.ClassID,
		models.EnrollmentStatusInactive, now, params.ActorID, params.Reason,
		models.EnrollmentStatusActive)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrActiveEnrollmentNotFound
		}
		return nil, fmt.Errorf("unenroll: %w", err)
	}
	return &enrollment, nil
}

// TransferParams carries the inputs for an atomic class transfer.
type TransferParams struct {
	StudentID   string
	FromClassID string
	ToClassID   string
	ActorID     string
	Reason      *string
}

// Transfer moves a student between classes in one transaction. The
// unenroll and enroll halves commit together or not at all: when the
// target class is full the student stays active in the source class.
func (r *EnrollmentRepository) Transfer(ctx context.Context, params TransferParams) (enrollment *models.Enrollment, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transfer transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	const closeQuery = `UPDATE enrollments
        SET status = $3, unenrolled_at = $4, unenrolled_by = $5, reason = $6
        WHERE student_id = $1 AND class_id = $2 AND status = $7
        RETURNING id`
	var closedID string
	err = tx.GetContext(ctx, &closedID, closeQuery,
		params.StudentID, params.FromClassID,
		models.EnrollmentStatusInactive, now, params.ActorID, params.Reason,
		models.EnrollmentStatusActive)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrActiveEnrollmentNotFound
		}
		return nil, fmt.Errorf("close source enrollment: %w", err)
	}

	enrollment, err = enrollInTx(ctx, tx, EnrollParams{
		StudentID: params.StudentID,
		ClassID:   params.ToClassID,
		ActorID:   params.ActorID,
	})
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transfer: %w", err)
	}
	return enrollment, nil
}

// CheckBulkCapacity verifies, under the class row lock, that the class
// has room for the requested number of additional students. The lock is
// released on commit; per-student processing afterwards is deliberately
// not covered by it.
func (r *EnrollmentRepository) CheckBulkCapacity(ctx context.Context, classID string, requested int) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin capacity check: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var capacity int
	const lockQuery = `SELECT capacity FROM classes WHERE id = $1 FOR UPDATE`
	if err = tx.GetContext(ctx, &capacity, lockQuery, classID); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.ErrClassNotFound
		}
		return fmt.Errorf("lock class row: %w", err)
	}

	var activeCount int
	const countQuery = `SELECT COUNT(*) FROM enrollments WHERE class_id = $1 AND status = $2`
	if err = tx.GetContext(ctx, &activeCount, countQuery, classID, models.EnrollmentStatusActive); err != nil {
		return fmt.Errorf("count active enrollments: %w", err)
	}
	if activeCount+requested > capacity {
		err = appErrors.ErrBulkExceedsCapacity
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit capacity check: %w", err)
	}
	return nil
}
