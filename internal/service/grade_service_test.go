package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sis-core-api/internal/models"
	"github.com/noah-isme/sis-core-api/pkg/config"
	appErrors "github.com/noah-isme/sis-core-api/pkg/errors"
)

type mockGradeRepo struct {
	grades      map[string]*models.Grade
	byClass     map[string][]models.Grade
	chrono      []models.Grade
	scoped      []models.Grade
	standings   []models.StudentStanding
	entries     []models.TranscriptEntry
	applyResult *models.Grade
	applyErr    error
	inserted    *models.Grade
}

func newMockGradeRepo() *mockGradeRepo {
	return &mockGradeRepo{
		grades:  map[string]*models.Grade{},
		byClass: map[string][]models.Grade{},
	}
}

func (m *mockGradeRepo) FindByID(ctx context.Context, id string) (*models.Grade, error) {
	grade, ok := m.grades[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return grade, nil
}

func (m *mockGradeRepo) Insert(ctx context.Context, grade *models.Grade) error {
	m.inserted = grade
	return nil
}

func (m *mockGradeRepo) ApplyUpdate(ctx context.Context, gradeID string, update models.GradeUpdate) (*models.Grade, error) {
	if m.applyErr != nil {
		return nil, m.applyErr
	}
	return m.applyResult, nil
}

func (m *mockGradeRepo) ListByClass(ctx context.Context, classID string) ([]models.Grade, error) {
	return m.byClass[classID], nil
}

func (m *mockGradeRepo) ListChronological(ctx context.Context, studentID, classID string) ([]models.Grade, error) {
	return m.chrono, nil
}

func (m *mockGradeRepo) ListForScope(ctx context.Context, filter models.GradeFilter) ([]models.Grade, error) {
	return m.scoped, nil
}

func (m *mockGradeRepo) StudentStandings(ctx context.Context, classID string) ([]models.StudentStanding, error) {
	return m.standings, nil
}

func (m *mockGradeRepo) TranscriptEntries(ctx context.Context, studentID, academicYear string) ([]models.TranscriptEntry, error) {
	return m.entries, nil
}

type mockAssignmentReader struct {
	assignments map[string]*models.Assignment
	submissions map[string]*models.Submission
}

func (m *mockAssignmentReader) FindByID(ctx context.Context, id string) (*models.Assignment, error) {
	assignment, ok := m.assignments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return assignment, nil
}

func (m *mockAssignmentReader) FindSubmission(ctx context.Context, id string) (*models.Submission, error) {
	submission, ok := m.submissions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return submission, nil
}

type mockStatsCache struct {
	store          map[string][]byte
	deleted        []string
	deletedPattern []string
}

func (m *mockStatsCache) Get(ctx context.Context, key string, dest interface{}) error {
	raw, ok := m.store[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *mockStatsCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.store[key] = raw
	return nil
}

func (m *mockStatsCache) Delete(ctx context.Context, key string) error {
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *mockStatsCache) DeleteByPattern(ctx context.Context, pattern string) error {
	m.deletedPattern = append(m.deletedPattern, pattern)
	return nil
}

func newGradeFixture() (*GradeService, *mockGradeRepo, *mockAssignmentReader, *mockClassAccess, *mockStatsCache) {
	grades := newMockGradeRepo()
	assignments := &mockAssignmentReader{
		assignments: map[string]*models.Assignment{
			"asg-1": {ID: "asg-1", ClassID: "class-1", Title: "Algebra quiz", PointsPossible: 100},
		},
		submissions: map[string]*models.Submission{
			"sub-1": {ID: "sub-1", AssignmentID: "asg-1", StudentID: "stu-1"},
		},
	}
	access := &mockClassAccess{}
	cache := &mockStatsCache{store: map[string][]byte{}}
	svc := NewGradeService(grades, assignments, access, cache, config.GradingConfig{}, nil, nil)
	return svc, grades, assignments, access, cache
}

func gradeOf(percentage float64) models.Grade {
	grade := models.Grade{PointsEarned: percentage, PointsPossible: 100}
	grade.RecomputeDerived()
	return grade
}

func floatPtr(v float64) *float64 { return &v }

func TestRecordGradeComputesDerivedFields(t *testing.T) {
	svc, grades, _, _, cache := newGradeFixture()

	grade, err := svc.RecordGrade(context.Background(), teacherActor("teacher-1"), RecordGradeRequest{
		SubmissionID: "sub-1",
		StudentID:    "stu-1",
		AssignmentID: "asg-1",
		ClassID:      "class-1",
		PointsEarned: 85,
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, grade.PointsPossible)
	assert.Equal(t, 85.0, grade.Percentage)
	assert.Equal(t, "B", grade.LetterGrade)
	assert.Equal(t, "teacher-1", grade.GradedBy)
	assert.Same(t, grade, grades.inserted)
	assert.Contains(t, cache.deletedPattern, "grades:transcript:stu-1:*")
}

func TestRecordGradeUnknownAssignment(t *testing.T) {
	svc, _, _, _, _ := newGradeFixture()

	_, err := svc.RecordGrade(context.Background(), teacherActor("teacher-1"), RecordGradeRequest{
		SubmissionID: "sub-1",
		StudentID:    "stu-1",
		AssignmentID: "ghost",
		ClassID:      "class-1",
		PointsEarned: 85,
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrAssignmentNotFound))
}

func TestRecordGradeOwnershipRejected(t *testing.T) {
	svc, grades, _, access, _ := newGradeFixture()
	access.err = appErrors.ErrUnauthorizedClassAccess

	_, err := svc.RecordGrade(context.Background(), teacherActor("teacher-2"), RecordGradeRequest{
		SubmissionID: "sub-1",
		StudentID:    "stu-1",
		AssignmentID: "asg-1",
		ClassID:      "class-1",
		PointsEarned: 85,
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorizedClassAccess))
	assert.Nil(t, grades.inserted)
}

func TestRecordGradeRejectsUnenrolledStudent(t *testing.T) {
	svc, grades, _, access, _ := newGradeFixture()
	access.enrollmentErr = appErrors.ErrStudentNotEnrolled

	_, err := svc.RecordGrade(context.Background(), teacherActor("teacher-1"), RecordGradeRequest{
		SubmissionID: "sub-1",
		StudentID:    "stu-9",
		AssignmentID: "asg-1",
		ClassID:      "class-1",
		PointsEarned: 85,
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrStudentNotEnrolled))
	assert.Nil(t, grades.inserted)
}

func TestRecordGradeRejectsNegativePoints(t *testing.T) {
	svc, _, _, _, _ := newGradeFixture()

	_, err := svc.RecordGrade(context.Background(), teacherActor("teacher-1"), RecordGradeRequest{
		SubmissionID: "sub-1",
		StudentID:    "stu-1",
		AssignmentID: "asg-1",
		ClassID:      "class-1",
		PointsEarned: -5,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestRecordGradeUnknownSubmission(t *testing.T) {
	svc, grades, _, _, _ := newGradeFixture()

	_, err := svc.RecordGrade(context.Background(), teacherActor("teacher-1"), RecordGradeRequest{
		SubmissionID: "ghost",
		StudentID:    "stu-1",
		AssignmentID: "asg-1",
		ClassID:      "class-1",
		PointsEarned: 85,
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
	assert.Nil(t, grades.inserted)
}

func TestRecordGradeSubmissionMismatch(t *testing.T) {
	svc, grades, assignments, _, _ := newGradeFixture()
	assignments.submissions["sub-2"] = &models.Submission{ID: "sub-2", AssignmentID: "asg-1", StudentID: "stu-2"}

	_, err := svc.RecordGrade(context.Background(), teacherActor("teacher-1"), RecordGradeRequest{
		SubmissionID: "sub-2",
		StudentID:    "stu-1",
		AssignmentID: "asg-1",
		ClassID:      "class-1",
		PointsEarned: 85,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	assert.Nil(t, grades.inserted)
}

func TestUpdateGradeEmptyPayload(t *testing.T) {
	svc, _, _, _, _ := newGradeFixture()

	_, err := svc.UpdateGrade(context.Background(), teacherActor("teacher-1"), "grade-1", models.GradeUpdate{})
	assert.True(t, appErrors.Is(err, appErrors.ErrNoValidFieldsToUpdate))
}

func TestUpdateGradeMissingGrade(t *testing.T) {
	svc, _, _, _, _ := newGradeFixture()

	points := 50.0
	_, err := svc.UpdateGrade(context.Background(), teacherActor("teacher-1"), "ghost", models.GradeUpdate{PointsEarned: &points})
	assert.True(t, appErrors.Is(err, appErrors.ErrGradeNotFound))
}

func TestUpdateGradeRejectsNegativePoints(t *testing.T) {
	svc, grades, _, _, _ := newGradeFixture()
	current := gradeOf(60)
	current.ID = "grade-1"
	grades.grades["grade-1"] = &current

	points := -50.0
	_, err := svc.UpdateGrade(context.Background(), teacherActor("teacher-1"), "grade-1", models.GradeUpdate{PointsEarned: &points})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestUpdateGradeRegradesAndInvalidates(t *testing.T) {
	svc, grades, _, access, cache := newGradeFixture()
	current := gradeOf(60)
	current.ID = "grade-1"
	current.StudentID = "stu-1"
	current.ClassID = "class-1"
	grades.grades["grade-1"] = &current

	regraded := gradeOf(95)
	regraded.ID = "grade-1"
	regraded.StudentID = "stu-1"
	regraded.ClassID = "class-1"
	grades.applyResult = &regraded

	points := 95.0
	grade, err := svc.UpdateGrade(context.Background(), teacherActor("teacher-1"), "grade-1", models.GradeUpdate{PointsEarned: &points})
	require.NoError(t, err)
	assert.Equal(t, "A", grade.LetterGrade)
	assert.Equal(t, []string{"class-1"}, access.calls)
	assert.NotEmpty(t, cache.deleted)
}

func TestClassStatistics(t *testing.T) {
	svc, grades, _, _, _ := newGradeFixture()
	grades.byClass["class-1"] = []models.Grade{gradeOf(70), gradeOf(80), gradeOf(90)}

	stats, cacheHit, err := svc.ClassStatistics(context.Background(), teacherActor("teacher-1"), "class-1")
	require.NoError(t, err)
	assert.False(t, cacheHit)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 80.0, stats.Mean)
	assert.Equal(t, 70.0, stats.Min)
	assert.Equal(t, 90.0, stats.Max)
	assert.InDelta(t, 8.16, stats.StdDev, 0.01)
	assert.Len(t, stats.Distribution, len(models.LetterGrades()))
	assert.InDelta(t, 33.33, stats.Distribution["C-"], 0.01)
	assert.InDelta(t, 33.33, stats.Distribution["B-"], 0.01)
	assert.InDelta(t, 33.33, stats.Distribution["A-"], 0.01)
	assert.Equal(t, 0.0, stats.Distribution["F"])
}

func TestClassStatisticsEmptyClass(t *testing.T) {
	svc, _, _, _, _ := newGradeFixture()

	stats, _, err := svc.ClassStatistics(context.Background(), teacherActor("teacher-1"), "class-1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)
	assert.Equal(t, 0.0, stats.Mean)
	assert.Len(t, stats.Distribution, len(models.LetterGrades()))
}

func TestClassStatisticsSecondReadHitsCache(t *testing.T) {
	svc, grades, _, _, _ := newGradeFixture()
	grades.byClass["class-1"] = []models.Grade{gradeOf(70), gradeOf(80), gradeOf(90)}

	_, cacheHit, err := svc.ClassStatistics(context.Background(), teacherActor("teacher-1"), "class-1")
	require.NoError(t, err)
	assert.False(t, cacheHit)

	stats, cacheHit, err := svc.ClassStatistics(context.Background(), teacherActor("teacher-1"), "class-1")
	require.NoError(t, err)
	assert.True(t, cacheHit)
	assert.Equal(t, 80.0, stats.Mean)
}

func TestStudentGPAUndefinedWithoutGrades(t *testing.T) {
	svc, _, _, _, _ := newGradeFixture()

	result, err := svc.StudentGPA(context.Background(), "stu-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, 0, result.GradeCount)
	assert.Nil(t, result.GPA)
	assert.Nil(t, result.LetterGrade)
}

func TestStudentGPAAveragesPercentages(t *testing.T) {
	svc, grades, _, _, _ := newGradeFixture()
	grades.scoped = []models.Grade{gradeOf(90), gradeOf(80), gradeOf(85)}

	result, err := svc.StudentGPA(context.Background(), "stu-1", "class-1", "2025/2026")
	require.NoError(t, err)
	assert.Equal(t, 3, result.GradeCount)
	require.NotNil(t, result.GPA)
	assert.Equal(t, 85.0, *result.GPA)
	require.NotNil(t, result.LetterGrade)
	assert.Equal(t, "B", *result.LetterGrade)
}

func TestRollingProgressCumulativeMeans(t *testing.T) {
	svc, grades, _, _, _ := newGradeFixture()
	grades.chrono = []models.Grade{gradeOf(60), gradeOf(90), gradeOf(90)}

	points, err := svc.RollingProgress(context.Background(), "stu-1", "class-1")
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 60.0, points[0].CumulativeMean)
	assert.Equal(t, 75.0, points[1].CumulativeMean)
	assert.Equal(t, 80.0, points[2].CumulativeMean)
}

func TestFailingStudentsSplitsUngraded(t *testing.T) {
	svc, grades, _, _, _ := newGradeFixture()
	grades.standings = []models.StudentStanding{
		{StudentID: "stu-1", Average: floatPtr(72), GradeCount: 3},
		{StudentID: "stu-2", Average: floatPtr(50), GradeCount: 2},
		{StudentID: "stu-3", Average: floatPtr(40), GradeCount: 1},
		{StudentID: "stu-4", Average: nil, GradeCount: 0},
	}

	ranking, err := svc.FailingStudents(context.Background(), teacherActor("teacher-1"), "class-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 65.0, ranking.Threshold)
	require.Len(t, ranking.Students, 2)
	assert.Equal(t, "stu-3", ranking.Students[0].StudentID)
	assert.Equal(t, "stu-2", ranking.Students[1].StudentID)
	require.Len(t, ranking.NoGrades, 1)
	assert.Equal(t, "stu-4", ranking.NoGrades[0].StudentID)
	assert.Equal(t, models.StandingNoGrades, ranking.NoGrades[0].Status)
}

func TestFailingStudentsExplicitZeroThreshold(t *testing.T) {
	svc, grades, _, _, _ := newGradeFixture()
	grades.standings = []models.StudentStanding{
		{StudentID: "stu-1", Average: floatPtr(50), GradeCount: 2},
		{StudentID: "stu-2", Average: floatPtr(10), GradeCount: 1},
	}

	ranking, err := svc.FailingStudents(context.Background(), teacherActor("teacher-1"), "class-1", floatPtr(0))
	require.NoError(t, err)
	assert.Equal(t, 0.0, ranking.Threshold)
	assert.Empty(t, ranking.Students)
}

func TestTopPerformersSortsAndLimits(t *testing.T) {
	svc, grades, _, _, _ := newGradeFixture()
	grades.standings = []models.StudentStanding{
		{StudentID: "stu-1", Average: floatPtr(72)},
		{StudentID: "stu-2", Average: floatPtr(95)},
		{StudentID: "stu-3", Average: floatPtr(88)},
		{StudentID: "stu-4", Average: nil},
	}

	ranking, err := svc.TopPerformers(context.Background(), teacherActor("teacher-1"), "class-1", 2)
	require.NoError(t, err)
	require.Len(t, ranking.Students, 2)
	assert.Equal(t, "stu-2", ranking.Students[0].StudentID)
	assert.Equal(t, "stu-3", ranking.Students[1].StudentID)
	require.Len(t, ranking.NoGrades, 1)
}

func TestTranscriptWeightedGPA(t *testing.T) {
	svc, grades, _, _, _ := newGradeFixture()
	grades.entries = []models.TranscriptEntry{
		{ClassID: "class-1", ClassName: "Math 7A", AcademicYear: "2025/2026", Average: 90, GradeCount: 4},
		{ClassID: "class-2", ClassName: "Science 7A", AcademicYear: "2025/2026", Average: 80, GradeCount: 1},
	}

	transcript, cacheHit, err := svc.Transcript(context.Background(), "stu-1", "2025/2026")
	require.NoError(t, err)
	assert.False(t, cacheHit)
	require.Len(t, transcript.Entries, 2)
	assert.Equal(t, "A-", transcript.Entries[0].LetterGrade)
	require.NotNil(t, transcript.GPA)
	assert.Equal(t, 88.0, *transcript.GPA)
	require.NotNil(t, transcript.LetterGrade)
	assert.Equal(t, "B+", *transcript.LetterGrade)
}

func TestTranscriptEmpty(t *testing.T) {
	svc, _, _, _, _ := newGradeFixture()

	transcript, _, err := svc.Transcript(context.Background(), "stu-1", "")
	require.NoError(t, err)
	assert.Empty(t, transcript.Entries)
	assert.Nil(t, transcript.GPA)
	assert.Nil(t, transcript.LetterGrade)
}
