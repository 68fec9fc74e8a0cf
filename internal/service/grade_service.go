package service

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-core-api/internal/models"
	"github.com/noah-isme/sis-core-api/internal/repository"
	"github.com/noah-isme/sis-core-api/pkg/config"
	appErrors "github.com/noah-isme/sis-core-api/pkg/errors"
)

type gradeRepo interface {
	FindByID(ctx context.Context, id string) (*models.Grade, error)
	Insert(ctx context.Context, grade *models.Grade) error
	ApplyUpdate(ctx context.Context, gradeID string, update models.GradeUpdate) (*models.Grade, error)
	ListByClass(ctx context.Context, classID string) ([]models.Grade, error)
	ListChronological(ctx context.Context, studentID, classID string) ([]models.Grade, error)
	ListForScope(ctx context.Context, filter models.GradeFilter) ([]models.Grade, error)
	StudentStandings(ctx context.Context, classID string) ([]models.StudentStanding, error)
	TranscriptEntries(ctx context.Context, studentID, academicYear string) ([]models.TranscriptEntry, error)
}

type assignmentReader interface {
	FindByID(ctx context.Context, id string) (*models.Assignment, error)
	FindSubmission(ctx context.Context, id string) (*models.Submission, error)
}

type classAccess interface {
	RequireClassOwnership(ctx context.Context, actor models.Actor, classID string) error
	RequireActiveEnrollment(ctx context.Context, studentID, classID string) error
}

type statsCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// RecordGradeRequest scores one submission. Points possible is read
// from the assignment at grading time, never taken from the caller.
type RecordGradeRequest struct {
	SubmissionID string  `json:"submission_id" validate:"required"`
	StudentID    string  `json:"student_id" validate:"required"`
	AssignmentID string  `json:"assignment_id" validate:"required"`
	ClassID      string  `json:"class_id" validate:"required"`
	PointsEarned float64 `json:"points_earned" validate:"gte=0"`
	Comments     *string `json:"comments,omitempty"`
}

// ClassRanking reports ranked students plus the ones that cannot be
// ranked because they have no grades yet.
type ClassRanking struct {
	ClassID   string                   `json:"class_id"`
	Threshold float64                  `json:"threshold,omitempty"`
	Students  []models.StudentStanding `json:"students"`
	NoGrades  []models.StudentStanding `json:"no_grades"`
}

// GradeService owns grade computation: recording, regrading and every
// derived aggregate. All percentage-to-letter conversion goes through
// models.LetterGradeFor.
type GradeService struct {
	grades      gradeRepo
	assignments assignmentReader
	access      classAccess
	cache       statsCache
	cfg         config.GradingConfig
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewGradeService constructs GradeService. The cache is optional.
func NewGradeService(grades gradeRepo, assignments assignmentReader, access classAccess, cache statsCache, cfg config.GradingConfig, validate *validator.Validate, logger *zap.Logger) *GradeService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailingThreshold <= 0 {
		cfg.FailingThreshold = 65
	}
	if cfg.TopPerformersLimit <= 0 {
		cfg.TopPerformersLimit = 10
	}
	return &GradeService{
		grades:      grades,
		assignments: assignments,
		access:      access,
		cache:       cache,
		cfg:         cfg,
		validator:   validate,
		logger:      logger,
	}
}

// RecordGrade scores a submission and inserts the grade with its
// derived fields computed.
func (s *GradeService) RecordGrade(ctx context.Context, actor models.Actor, req RecordGradeRequest) (*models.Grade, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid grade payload")
	}
	if err := s.access.RequireClassOwnership(ctx, actor, req.ClassID); err != nil {
		return nil, err
	}
	if err := s.access.RequireActiveEnrollment(ctx, req.StudentID, req.ClassID); err != nil {
		return nil, err
	}

	assignment, err := s.assignments.FindByID(ctx, req.AssignmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrAssignmentNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignment")
	}

	submission, err := s.assignments.FindSubmission(ctx, req.SubmissionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "submission not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load submission")
	}
	if submission.StudentID != req.StudentID || submission.AssignmentID != req.AssignmentID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "submission does not belong to this student and assignment")
	}

	grade := &models.Grade{
		SubmissionID:   req.SubmissionID,
		StudentID:      req.StudentID,
		AssignmentID:   req.AssignmentID,
		ClassID:        req.ClassID,
		PointsEarned:   req.PointsEarned,
		PointsPossible: assignment.PointsPossible,
		Comments:       req.Comments,
		GradedBy:       actor.ID,
	}
	grade.RecomputeDerived()

	if err := s.grades.Insert(ctx, grade); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to insert grade")
	}
	s.invalidate(ctx, req.ClassID, req.StudentID)
	return grade, nil
}

// UpdateGrade applies a regrade. Only the fields in models.GradeUpdate
// are settable; derived fields are recomputed inside the repository's
// transaction together with the write.
func (s *GradeService) UpdateGrade(ctx context.Context, actor models.Actor, gradeID string, update models.GradeUpdate) (*models.Grade, error) {
	if update.Empty() {
		return nil, appErrors.ErrNoValidFieldsToUpdate
	}
	if update.PointsEarned != nil && *update.PointsEarned < 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "points_earned must be >= 0")
	}

	current, err := s.grades.FindByID(ctx, gradeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrGradeNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load grade")
	}
	if err := s.access.RequireClassOwnership(ctx, actor, current.ClassID); err != nil {
		return nil, err
	}

	grade, err := s.grades.ApplyUpdate(ctx, gradeID, update)
	if err != nil {
		return nil, passthrough(err, "failed to update grade")
	}
	s.invalidate(ctx, grade.ClassID, grade.StudentID)
	return grade, nil
}

// ClassStatistics aggregates grade percentages for one class. The bool
// reports whether the answer came from cache.
func (s *GradeService) ClassStatistics(ctx context.Context, actor models.Actor, classID string) (*models.ClassStatistics, bool, error) {
	if err := s.access.RequireClassOwnership(ctx, actor, classID); err != nil {
		return nil, false, err
	}

	if s.cache != nil {
		var cached models.ClassStatistics
		if err := s.cache.Get(ctx, repository.ClassStatsKey(classID), &cached); err == nil {
			return &cached, true, nil
		}
	}

	grades, err := s.grades.ListByClass(ctx, classID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list class grades")
	}

	stats := computeStatistics(classID, grades)
	if s.cache != nil {
		if err := s.cache.Set(ctx, repository.ClassStatsKey(classID), stats, s.cfg.StatsCacheTTL); err != nil {
			s.logger.Warn("failed to cache class statistics", zap.Error(err))
		}
	}
	return stats, false, nil
}

// StudentGPA returns the mean percentage across matching grades. With
// zero matching grades the GPA is nil: undefined, not zero.
func (s *GradeService) StudentGPA(ctx context.Context, studentID, classID, academicYear string) (*models.StudentGPA, error) {
	if studentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student required")
	}
	grades, err := s.grades.ListForScope(ctx, models.GradeFilter{
		StudentID:    studentID,
		ClassID:      classID,
		AcademicYear: academicYear,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list grades")
	}

	result := &models.StudentGPA{
		StudentID:    studentID,
		ClassID:      classID,
		AcademicYear: academicYear,
		GradeCount:   len(grades),
	}
	if len(grades) == 0 {
		return result, nil
	}

	sum := 0.0
	for _, grade := range grades {
		sum += grade.Percentage
	}
	gpa := round2(sum / float64(len(grades)))
	letter := models.LetterGradeFor(gpa)
	result.GPA = &gpa
	result.LetterGrade = &letter
	return result, nil
}

// RollingProgress returns a student's grades in chronological order,
// each annotated with the cumulative mean up to that point.
func (s *GradeService) RollingProgress(ctx context.Context, studentID, classID string) ([]models.ProgressPoint, error) {
	grades, err := s.grades.ListChronological(ctx, studentID, classID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list grades")
	}

	points := make([]models.ProgressPoint, 0, len(grades))
	runningTotal := 0.0
	for i, grade := range grades {
		runningTotal += grade.Percentage
		points = append(points, models.ProgressPoint{
			Grade:          grade,
			CumulativeMean: round2(runningTotal / float64(i+1)),
		})
	}
	return points, nil
}

// FailingStudents lists students whose mean percentage is below the
// threshold. A nil threshold means the configured default; an explicit
// value, including 0, is honoured. Students with zero grades are
// reported separately, never counted as failing at 0%.
func (s *GradeService) FailingStudents(ctx context.Context, actor models.Actor, classID string, threshold *float64) (*ClassRanking, error) {
	if err := s.access.RequireClassOwnership(ctx, actor, classID); err != nil {
		return nil, err
	}
	cutoff := s.cfg.FailingThreshold
	if threshold != nil {
		cutoff = *threshold
	}

	standings, err := s.grades.StudentStandings(ctx, classID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list standings")
	}

	ranking := &ClassRanking{ClassID: classID, Threshold: cutoff}
	for _, standing := range standings {
		if standing.Average == nil {
			standing.Status = models.StandingNoGrades
			ranking.NoGrades = append(ranking.NoGrades, standing)
			continue
		}
		if *standing.Average < cutoff {
			standing.Status = models.StandingGraded
			ranking.Students = append(ranking.Students, standing)
		}
	}
	sortByAverage(ranking.Students, true)
	return ranking, nil
}

// TopPerformers ranks the class by mean percentage, highest first.
func (s *GradeService) TopPerformers(ctx context.Context, actor models.Actor, classID string, limit int) (*ClassRanking, error) {
	if err := s.access.RequireClassOwnership(ctx, actor, classID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.TopPerformersLimit
	}

	standings, err := s.grades.StudentStandings(ctx, classID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list standings")
	}

	ranking := &ClassRanking{ClassID: classID}
	for _, standing := range standings {
		if standing.Average == nil {
			standing.Status = models.StandingNoGrades
			ranking.NoGrades = append(ranking.NoGrades, standing)
			continue
		}
		standing.Status = models.StandingGraded
		ranking.Students = append(ranking.Students, standing)
	}
	sortByAverage(ranking.Students, false)
	if len(ranking.Students) > limit {
		ranking.Students = ranking.Students[:limit]
	}
	return ranking, nil
}

// Transcript returns per-class averages plus the overall GPA for the
// student and period. The bool reports whether the answer came from
// cache.
func (s *GradeService) Transcript(ctx context.Context, studentID, academicYear string) (*models.Transcript, bool, error) {
	if studentID == "" {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "student required")
	}

	if s.cache != nil {
		var cached models.Transcript
		if err := s.cache.Get(ctx, repository.TranscriptKey(studentID, academicYear), &cached); err == nil {
			return &cached, true, nil
		}
	}

	entries, err := s.grades.TranscriptEntries(ctx, studentID, academicYear)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list transcript entries")
	}

	transcript := &models.Transcript{
		StudentID:    studentID,
		AcademicYear: academicYear,
		Entries:      make([]models.TranscriptEntry, 0, len(entries)),
	}
	weightedSum := 0.0
	totalCount := 0
	for _, entry := range entries {
		entry.Average = round2(entry.Average)
		entry.LetterGrade = models.LetterGradeFor(entry.Average)
		transcript.Entries = append(transcript.Entries, entry)
		weightedSum += entry.Average * float64(entry.GradeCount)
		totalCount += entry.GradeCount
	}
	if totalCount > 0 {
		gpa := round2(weightedSum / float64(totalCount))
		letter := models.LetterGradeFor(gpa)
		transcript.GPA = &gpa
		transcript.LetterGrade = &letter
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, repository.TranscriptKey(studentID, academicYear), transcript, s.cfg.StatsCacheTTL); err != nil {
			s.logger.Warn("failed to cache transcript", zap.Error(err))
		}
	}
	return transcript, false, nil
}

func (s *GradeService) invalidate(ctx context.Context, classID, studentID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, repository.ClassStatsKey(classID)); err != nil {
		s.logger.Warn("failed to invalidate class stats cache", zap.Error(err))
	}
	if err := s.cache.DeleteByPattern(ctx, "grades:transcript:"+studentID+":*"); err != nil {
		s.logger.Warn("failed to invalidate transcript cache", zap.Error(err))
	}
}

func computeStatistics(classID string, grades []models.Grade) *models.ClassStatistics {
	stats := &models.ClassStatistics{
		ClassID:      classID,
		Count:        len(grades),
		Distribution: make(map[string]float64, 13),
	}
	for _, letter := range models.LetterGrades() {
		stats.Distribution[letter] = 0
	}
	if len(grades) == 0 {
		return stats
	}

	sum := 0.0
	stats.Min = grades[0].Percentage
	stats.Max = grades[0].Percentage
	for _, grade := range grades {
		sum += grade.Percentage
		if grade.Percentage < stats.Min {
			stats.Min = grade.Percentage
		}
		if grade.Percentage > stats.Max {
			stats.Max = grade.Percentage
		}
		stats.Distribution[models.LetterGradeFor(grade.Percentage)]++
	}
	mean := sum / float64(len(grades))
	stats.Mean = round2(mean)

	variance := 0.0
	for _, grade := range grades {
		diff := grade.Percentage - mean
		variance += diff * diff
	}
	stats.StdDev = round2(math.Sqrt(variance / float64(len(grades))))

	for letter, count := range stats.Distribution {
		stats.Distribution[letter] = round2(count / float64(len(grades)) * 100)
	}
	return stats
}

func sortByAverage(standings []models.StudentStanding, ascending bool) {
	sort.SliceStable(standings, func(i, j int) bool {
		if ascending {
			return *standings[i].Average < *standings[j].Average
		}
		return *standings[i].Average > *standings[j].Average
	})
}

func round2(v float64) float64 {
	return math.RoundToEven(v*100) / 100
}
