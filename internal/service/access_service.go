package service

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/noah-isme/sis-core-api/internal/models"
	appErrors "github.com/noah-isme/sis-core-api/pkg/errors"
)

type classOwnershipReader interface {
	FindByID(ctx context.Context, id string) (*models.ClassSection, error)
}

type activeEnrollmentChecker interface {
	ExistsActive(ctx context.Context, studentID, classID string) (bool, error)
}

// AccessService provides the authorization predicates gating enrollment
// and grade mutations. It never mutates state itself.
type AccessService struct {
	classes     classOwnershipReader
	enrollments activeEnrollmentChecker
	logger      *zap.Logger
}

// NewAccessService constructs AccessService.
func NewAccessService(classes classOwnershipReader, enrollments activeEnrollmentChecker, logger *zap.Logger) *AccessService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessService{classes: classes, enrollments: enrollments, logger: logger}
}

// RequireClassOwnership fails unless the class belongs to the actor.
// Admins pass once the class is known to exist.
func (s *AccessService) RequireClassOwnership(ctx context.Context, actor models.Actor, classID string) error {
	class, err := s.classes.FindByID(ctx, classID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.ErrClassNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}
	if actor.IsAdmin() {
		return nil
	}
	if class.TeacherID != actor.ID {
		s.logger.Warn("class ownership check failed",
			zap.String("class_id", classID),
			zap.String("actor_id", actor.ID))
		return appErrors.ErrUnauthorizedClassAccess
	}
	return nil
}

// RequireActiveEnrollment fails unless the student is actively enrolled
// in the class.
func (s *AccessService) RequireActiveEnrollment(ctx context.Context, studentID, classID string) error {
	enrolled, err := s.enrollments.ExistsActive(ctx, studentID, classID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check enrollment")
	}
	if !enrolled {
		return appErrors.ErrStudentNotEnrolled
	}
	return nil
}
