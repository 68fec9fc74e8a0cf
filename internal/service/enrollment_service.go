package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-core-api/internal/models"
	"github.com/noah-isme/sis-core-api/internal/repository"
	appErrors "github.com/noah-isme/sis-core-api/pkg/errors"
)

type enrollmentRepository interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	ExistsActive(ctx context.Context, studentID, classID string) (bool, error)
	Enroll(ctx context.Context, params repository.EnrollParams) (*models.Enrollment, error)
	Unenroll(ctx context.Context, params repository.UnenrollParams) (*models.Enrollment, error)
	Transfer(ctx context.Context, params repository.TransferParams) (*models.Enrollment, error)
	CheckBulkCapacity(ctx context.Context, classID string, requested int) error
}

type studentReader interface {
	FindStudentByID(ctx context.Context, id string) (*models.User, error)
}

type classReader interface {
	FindByID(ctx context.Context, id string) (*models.ClassSection, error)
	CountActiveEnrollments(ctx context.Context, classID string) (int, error)
}

// EnrollRequest describes an enrollment creation request.
type EnrollRequest struct {
	StudentID string       `json:"student_id" validate:"required"`
	ClassID   string       `json:"class_id" validate:"required"`
	Actor     models.Actor `json:"-"`
}

// UnenrollRequest describes an unenrollment request.
type UnenrollRequest struct {
	StudentID string       `json:"student_id" validate:"required"`
	ClassID   string       `json:"class_id" validate:"required"`
	Actor     models.Actor `json:"-"`
	Reason    *string      `json:"reason,omitempty"`
}

// TransferRequest describes an atomic class transfer.
type TransferRequest struct {
	StudentID   string       `json:"student_id" validate:"required"`
	FromClassID string       `json:"from_class_id" validate:"required"`
	ToClassID   string       `json:"to_class_id" validate:"required,nefield=FromClassID"`
	Actor       models.Actor `json:"-"`
	Reason      *string      `json:"reason,omitempty"`
}

// BulkEnrollRequest enrolls several students into one class.
type BulkEnrollRequest struct {
	ClassID    string       `json:"class_id" validate:"required"`
	StudentIDs []string     `json:"student_ids" validate:"required,min=1,dive,required"`
	Actor      models.Actor `json:"-"`
}

// EnrollmentService owns the enrollment state machine: join, leave,
// transfer, bulk join and eligibility. Capacity and uniqueness are
// enforced by the repository's locked transactions; this layer holds
// the remaining preconditions and failure shaping.
type EnrollmentService struct {
	repo      enrollmentRepository
	students  studentReader
	classes   classReader
	access    classAccess
	validator *validator.Validate
	logger    *zap.Logger
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentRepository, students studentReader, classes classReader, access classAccess, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{repo: repo, students: students, classes: classes, access: access, validator: validate, logger: logger}
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return enrollments, pagination, nil
}

// Enroll registers a student into a class, reactivating a historical
// enrollment row when one exists.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	if err := s.checkStudent(ctx, req.StudentID); err != nil {
		return nil, err
	}
	if err := s.checkClass(ctx, req.ClassID); err != nil {
		return nil, err
	}
	if err := s.access.RequireClassOwnership(ctx, req.Actor, req.ClassID); err != nil {
		return nil, err
	}

	enrollment, err := s.repo.Enroll(ctx, repository.EnrollParams{
		StudentID: req.StudentID,
		ClassID:   req.ClassID,
		ActorID:   req.Actor.ID,
	})
	if err != nil {
		return nil, passthrough(err, "failed to enroll student")
	}

	detail, err := s.repo.FindDetailByID(ctx, enrollment.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

// Unenroll closes the student's active enrollment in a class.
func (s *EnrollmentService) Unenroll(ctx context.Context, req UnenrollRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid unenrollment payload")
	}
	if err := s.access.RequireClassOwnership(ctx, req.Actor, req.ClassID); err != nil {
		return nil, err
	}
	enrollment, err := s.repo.Unenroll(ctx, repository.UnenrollParams{
		StudentID: req.StudentID,
		ClassID:   req.ClassID,
		ActorID:   req.Actor.ID,
		Reason:    req.Reason,
	})
	if err != nil {
		return nil, passthrough(err, "failed to unenroll student")
	}
	return enrollment, nil
}

// Transfer moves a student between classes atomically. When the target
// class rejects the enrollment nothing changes: the student remains
// active in the source class.
func (s *EnrollmentService) Transfer(ctx context.Context, req TransferRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transfer payload")
	}
	if err := s.checkStudent(ctx, req.StudentID); err != nil {
		return nil, err
	}
	if err := s.checkClass(ctx, req.ToClassID); err != nil {
		return nil, err
	}
	if err := s.access.RequireClassOwnership(ctx, req.Actor, req.FromClassID); err != nil {
		return nil, err
	}
	if err := s.access.RequireClassOwnership(ctx, req.Actor, req.ToClassID); err != nil {
		return nil, err
	}

	enrollment, err := s.repo.Transfer(ctx, repository.TransferParams{
		StudentID:   req.StudentID,
		FromClassID: req.FromClassID,
		ToClassID:   req.ToClassID,
		ActorID:     req.Actor.ID,
		Reason:      req.Reason,
	})
	if err != nil {
		return nil, passthrough(err, "failed to transfer student")
	}

	detail, err := s.repo.FindDetailByID(ctx, enrollment.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

// BulkEnroll enrolls a roster of students into one class. Capacity for
// the whole batch is verified once, atomically, before any student is
// processed; after that, per-student failures are collected rather than
// aborting the batch.
func (s *EnrollmentService) BulkEnroll(ctx context.Context, req BulkEnrollRequest) (*models.BulkEnrollResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid bulk enrollment payload")
	}
	if err := s.checkClass(ctx, req.ClassID); err != nil {
		return nil, err
	}
	if err := s.access.RequireClassOwnership(ctx, req.Actor, req.ClassID); err != nil {
		return nil, err
	}
	if err := s.repo.CheckBulkCapacity(ctx, req.ClassID, len(req.StudentIDs)); err != nil {
		return nil, passthrough(err, "failed bulk capacity check")
	}

	result := &models.BulkEnrollResult{}
	for _, studentID := range req.StudentIDs {
		detail, err := s.Enroll(ctx, EnrollRequest{
			StudentID: studentID,
			ClassID:   req.ClassID,
			Actor:     req.Actor,
		})
		if err != nil {
			appErr := appErrors.FromError(err)
			result.Failed = append(result.Failed, models.BulkEnrollFailure{
				StudentID: studentID,
				Code:      appErr.Code,
				Reason:    appErr.Message,
			})
			continue
		}
		result.Successful = append(result.Successful, *detail)
	}
	return result, nil
}

// Eligibility reports each enrollment precondition without mutating
// anything. The answer is advisory: the authoritative checks rerun
// inside the enrollment transaction.
func (s *EnrollmentService) Eligibility(ctx context.Context, studentID, classID string) (*models.EligibilityResult, error) {
	result := &models.EligibilityResult{}

	student, err := s.students.FindStudentByID(ctx, studentID)
	switch {
	case err == sql.ErrNoRows:
		// leave both student flags false
	case err != nil:
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	default:
		result.StudentExists = true
		result.StudentActive = student.Active
	}

	class, err := s.classes.FindByID(ctx, classID)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	default:
		result.ClassExists = true
		result.ClassActive = class.Active

		count, err := s.classes.CountActiveEnrollments(ctx, classID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count enrollments")
		}
		result.SeatsAvailable = class.Capacity - count
		result.HasCapacity = result.SeatsAvailable > 0
	}

	enrolled, err := s.repo.ExistsActive(ctx, studentID, classID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check enrollment")
	}
	result.NotYetEnrolled = !enrolled

	result.Eligible = result.StudentExists && result.StudentActive &&
		result.ClassExists && result.ClassActive &&
		result.HasCapacity && result.NotYetEnrolled
	return result, nil
}

func (s *EnrollmentService) checkStudent(ctx context.Context, studentID string) error {
	student, err := s.students.FindStudentByID(ctx, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.ErrStudentNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return appErrors.Clone(appErrors.ErrStudentNotFound, "student account inactive")
	}
	return nil
}

func (s *EnrollmentService) checkClass(ctx context.Context, classID string) error {
	class, err := s.classes.FindByID(ctx, classID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.ErrClassNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}
	if !class.Active {
		return appErrors.Clone(appErrors.ErrClassNotFound, "class inactive")
	}
	return nil
}

// passthrough preserves tagged domain errors and wraps everything else
// as internal.
func passthrough(err error, message string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}
