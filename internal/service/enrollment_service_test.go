package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sis-core-api/internal/models"
	"github.com/noah-isme/sis-core-api/internal/repository"
	appErrors "github.com/noah-isme/sis-core-api/pkg/errors"
)

type mockEnrollmentRepo struct {
	enrollments  map[string]*models.Enrollment
	active       map[string]bool
	enrollErr    error
	unenrollErr  error
	transferErr  error
	bulkErr      error
	enrollCalls  int
	lastEnroll   repository.EnrollParams
	lastUnenroll repository.UnenrollParams
	lastTransfer repository.TransferParams
}

func newMockEnrollmentRepo() *mockEnrollmentRepo {
	return &mockEnrollmentRepo{
		enrollments: map[string]*models.Enrollment{},
		active:      map[string]bool{},
	}
}

func (m *mockEnrollmentRepo) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	return nil, 0, nil
}

func (m *mockEnrollmentRepo) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	enrollment, ok := m.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &models.EnrollmentDetail{Enrollment: *enrollment, StudentName: "Ana Silva"}, nil
}

func (m *mockEnrollmentRepo) ExistsActive(ctx context.Context, studentID, classID string) (bool, error) {
	return m.active[studentID+"/"+classID], nil
}

func (m *mockEnrollmentRepo) Enroll(ctx context.Context, params repository.EnrollParams) (*models.Enrollment, error) {
	m.enrollCalls++
	m.lastEnroll = params
	if m.enrollErr != nil {
		return nil, m.enrollErr
	}
	enrollment := &models.Enrollment{
		ID:         "enr-" + params.StudentID,
		StudentID:  params.StudentID,
		ClassID:    params.ClassID,
		Status:     models.EnrollmentStatusActive,
		EnrolledBy: params.ActorID,
	}
	m.enrollments[enrollment.ID] = enrollment
	return enrollment, nil
}

func (m *mockEnrollmentRepo) Unenroll(ctx context.Context, params repository.UnenrollParams) (*models.Enrollment, error) {
	m.lastUnenroll = params
	if m.unenrollErr != nil {
		return nil, m.unenrollErr
	}
	return &models.Enrollment{
		ID:        "enr-" + params.StudentID,
		StudentID: params.StudentID,
		ClassID:   params.ClassID,
		Status:    models.EnrollmentStatusInactive,
	}, nil
}

func (m *mockEnrollmentRepo) Transfer(ctx context.Context, params repository.TransferParams) (*models.Enrollment, error) {
	m.lastTransfer = params
	if m.transferErr != nil {
		return nil, m.transferErr
	}
	enrollment := &models.Enrollment{
		ID:        "enr-" + params.StudentID,
		StudentID: params.StudentID,
		ClassID:   params.ToClassID,
		Status:    models.EnrollmentStatusActive,
	}
	m.enrollments[enrollment.ID] = enrollment
	return enrollment, nil
}

func (m *mockEnrollmentRepo) CheckBulkCapacity(ctx context.Context, classID string, requested int) error {
	return m.bulkErr
}

type mockStudentReader struct {
	students map[string]*models.User
}

func (m *mockStudentReader) FindStudentByID(ctx context.Context, id string) (*models.User, error) {
	student, ok := m.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return student, nil
}

type mockClassReader struct {
	classes map[string]*models.ClassSection
	counts  map[string]int
}

func (m *mockClassReader) FindByID(ctx context.Context, id string) (*models.ClassSection, error) {
	class, ok := m.classes[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return class, nil
}

func (m *mockClassReader) CountActiveEnrollments(ctx context.Context, classID string) (int, error) {
	return m.counts[classID], nil
}

type mockClassAccess struct {
	err           error
	enrollmentErr error
	calls         []string
}

func (m *mockClassAccess) RequireClassOwnership(ctx context.Context, actor models.Actor, classID string) error {
	m.calls = append(m.calls, classID)
	return m.err
}

func (m *mockClassAccess) RequireActiveEnrollment(ctx context.Context, studentID, classID string) error {
	return m.enrollmentErr
}

func activeStudent(id string) *models.User {
	return &models.User{ID: id, FullName: "Ana Silva", Role: models.RoleStudent, Active: true}
}

func activeClass(id, teacherID string, capacity int) *models.ClassSection {
	return &models.ClassSection{ID: id, Name: "Math 7A", TeacherID: teacherID, Capacity: capacity, Active: true}
}

func newEnrollmentFixture() (*EnrollmentService, *mockEnrollmentRepo, *mockStudentReader, *mockClassReader, *mockClassAccess) {
	repo := newMockEnrollmentRepo()
	students := &mockStudentReader{students: map[string]*models.User{"stu-1": activeStudent("stu-1")}}
	classes := &mockClassReader{
		classes: map[string]*models.ClassSection{"class-1": activeClass("class-1", "teacher-1", 30)},
		counts:  map[string]int{},
	}
	access := &mockClassAccess{}
	svc := NewEnrollmentService(repo, students, classes, access, nil, nil)
	return svc, repo, students, classes, access
}

func teacherActor(id string) models.Actor {
	return models.Actor{ID: id, Role: models.RoleTeacher}
}

func TestEnrollSuccess(t *testing.T) {
	svc, repo, _, _, _ := newEnrollmentFixture()

	detail, err := svc.Enroll(context.Background(), EnrollRequest{
		StudentID: "stu-1",
		ClassID:   "class-1",
		Actor:     teacherActor("teacher-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "stu-1", detail.StudentID)
	assert.Equal(t, models.EnrollmentStatusActive, detail.Status)
	assert.Equal(t, "teacher-1", repo.lastEnroll.ActorID)
}

func TestEnrollValidatesPayload(t *testing.T) {
	svc, repo, _, _, _ := newEnrollmentFixture()

	_, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: "stu-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	assert.Zero(t, repo.enrollCalls)
}

func TestEnrollUnknownStudent(t *testing.T) {
	svc, _, _, _, _ := newEnrollmentFixture()

	_, err := svc.Enroll(context.Background(), EnrollRequest{
		StudentID: "ghost",
		ClassID:   "class-1",
		Actor:     teacherActor("teacher-1"),
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrStudentNotFound))
}

func TestEnrollInactiveStudent(t *testing.T) {
	svc, _, students, _, _ := newEnrollmentFixture()
	students.students["stu-2"] = &models.User{ID: "stu-2", Role: models.RoleStudent, Active: false}

	_, err := svc.Enroll(context.Background(), EnrollRequest{
		StudentID: "stu-2",
		ClassID:   "class-1",
		Actor:     teacherActor("teacher-1"),
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrStudentNotFound))
}

func TestEnrollUnknownClass(t *testing.T) {
	svc, _, _, _, _ := newEnrollmentFixture()

	_, err := svc.Enroll(context.Background(), EnrollRequest{
		StudentID: "stu-1",
		ClassID:   "ghost",
		Actor:     teacherActor("teacher-1"),
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrClassNotFound))
}

func TestEnrollOwnershipRejected(t *testing.T) {
	svc, repo, _, _, access := newEnrollmentFixture()
	access.err = appErrors.ErrUnauthorizedClassAccess

	_, err := svc.Enroll(context.Background(), EnrollRequest{
		StudentID: "stu-1",
		ClassID:   "class-1",
		Actor:     teacherActor("teacher-2"),
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorizedClassAccess))
	assert.Zero(t, repo.enrollCalls)
}

func TestEnrollPassesThroughCapacityError(t *testing.T) {
	svc, repo, _, _, _ := newEnrollmentFixture()
	repo.enrollErr = appErrors.ErrClassAtCapacity

	_, err := svc.Enroll(context.Background(), EnrollRequest{
		StudentID: "stu-1",
		ClassID:   "class-1",
		Actor:     teacherActor("teacher-1"),
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrClassAtCapacity))
}

func TestEnrollPassesThroughDuplicateError(t *testing.T) {
	svc, repo, _, _, _ := newEnrollmentFixture()
	repo.enrollErr = appErrors.ErrStudentAlreadyEnrolled

	_, err := svc.Enroll(context.Background(), EnrollRequest{
		StudentID: "stu-1",
		ClassID:   "class-1",
		Actor:     teacherActor("teacher-1"),
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrStudentAlreadyEnrolled))
}

func TestUnenrollMissingActiveEnrollment(t *testing.T) {
	svc, repo, _, _, _ := newEnrollmentFixture()
	repo.unenrollErr = appErrors.ErrActiveEnrollmentNotFound

	_, err := svc.Unenroll(context.Background(), UnenrollRequest{
		StudentID: "stu-1",
		ClassID:   "class-1",
		Actor:     teacherActor("teacher-1"),
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrActiveEnrollmentNotFound))
}

func TestUnenrollRecordsActorAndReason(t *testing.T) {
	svc, repo, _, _, _ := newEnrollmentFixture()

	reason := "moved school"
	enrollment, err := svc.Unenroll(context.Background(), UnenrollRequest{
		StudentID: "stu-1",
		ClassID:   "class-1",
		Actor:     teacherActor("teacher-1"),
		Reason:    &reason,
	})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusInactive, enrollment.Status)
	assert.Equal(t, "teacher-1", repo.lastUnenroll.ActorID)
	require.NotNil(t, repo.lastUnenroll.Reason)
	assert.Equal(t, reason, *repo.lastUnenroll.Reason)
}

func TestTransferRejectsSameClass(t *testing.T) {
	svc, _, _, _, _ := newEnrollmentFixture()

	_, err := svc.Transfer(context.Background(), TransferRequest{
		StudentID:   "stu-1",
		FromClassID: "class-1",
		ToClassID:   "class-1",
		Actor:       teacherActor("teacher-1"),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestTransferChecksOwnershipOfBothClasses(t *testing.T) {
	svc, _, _, classes, access := newEnrollmentFixture()
	classes.classes["class-2"] = activeClass("class-2", "teacher-1", 30)

	_, err := svc.Transfer(context.Background(), TransferRequest{
		StudentID:   "stu-1",
		FromClassID: "class-1",
		ToClassID:   "class-2",
		Actor:       teacherActor("teacher-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"class-1", "class-2"}, access.calls)
}

func TestTransferFullTargetSurfacesCapacityError(t *testing.T) {
	svc, repo, _, classes, _ := newEnrollmentFixture()
	classes.classes["class-2"] = activeClass("class-2", "teacher-1", 1)
	repo.transferErr = appErrors.ErrClassAtCapacity

	_, err := svc.Transfer(context.Background(), TransferRequest{
		StudentID:   "stu-1",
		FromClassID: "class-1",
		ToClassID:   "class-2",
		Actor:       teacherActor("teacher-1"),
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrClassAtCapacity))
}

func TestBulkEnrollAbortsWhenBatchExceedsCapacity(t *testing.T) {
	svc, repo, students, _, _ := newEnrollmentFixture()
	students.students["stu-2"] = activeStudent("stu-2")
	repo.bulkErr = appErrors.ErrBulkExceedsCapacity

	_, err := svc.BulkEnroll(context.Background(), BulkEnrollRequest{
		ClassID:    "class-1",
		StudentIDs: []string{"stu-1", "stu-2"},
		Actor:      teacherActor("teacher-1"),
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrBulkExceedsCapacity))
	assert.Zero(t, repo.enrollCalls)
}

func TestBulkEnrollCollectsPerStudentFailures(t *testing.T) {
	svc, _, students, _, _ := newEnrollmentFixture()
	students.students["stu-2"] = activeStudent("stu-2")

	result, err := svc.BulkEnroll(context.Background(), BulkEnrollRequest{
		ClassID:    "class-1",
		StudentIDs: []string{"stu-1", "ghost", "stu-2"},
		Actor:      teacherActor("teacher-1"),
	})
	require.NoError(t, err)
	assert.Len(t, result.Successful, 2)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "ghost", result.Failed[0].StudentID)
	assert.Equal(t, appErrors.ErrStudentNotFound.Code, result.Failed[0].Code)
}

func TestEligibilityAllChecksPass(t *testing.T) {
	svc, _, _, classes, _ := newEnrollmentFixture()
	classes.counts["class-1"] = 12

	result, err := svc.Eligibility(context.Background(), "stu-1", "class-1")
	require.NoError(t, err)
	assert.True(t, result.Eligible)
	assert.True(t, result.StudentExists)
	assert.True(t, result.StudentActive)
	assert.True(t, result.ClassExists)
	assert.True(t, result.ClassActive)
	assert.True(t, result.HasCapacity)
	assert.True(t, result.NotYetEnrolled)
	assert.Equal(t, 18, result.SeatsAvailable)
}

func TestEligibilityFullClassAndExistingEnrollment(t *testing.T) {
	svc, repo, _, classes, _ := newEnrollmentFixture()
	classes.counts["class-1"] = 30
	repo.active["stu-1/class-1"] = true

	result, err := svc.Eligibility(context.Background(), "stu-1", "class-1")
	require.NoError(t, err)
	assert.False(t, result.Eligible)
	assert.False(t, result.HasCapacity)
	assert.False(t, result.NotYetEnrolled)
	assert.Equal(t, 0, result.SeatsAvailable)
}

func TestEligibilityUnknownStudentAndClass(t *testing.T) {
	svc, _, _, _, _ := newEnrollmentFixture()

	result, err := svc.Eligibility(context.Background(), "ghost", "nowhere")
	require.NoError(t, err)
	assert.False(t, result.Eligible)
	assert.False(t, result.StudentExists)
	assert.False(t, result.ClassExists)
}
