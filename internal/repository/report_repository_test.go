package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sis-core-api/internal/models"
)

func TestReportCreateGeneratesDefaults(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewReportRepository(db)

	mock.ExpectExec("INSERT INTO report_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &models.ReportJob{
		StudentID: "stu-1",
		Format:    models.ReportFormatCSV,
		CreatedBy: "teacher-1",
	}
	err := repo.Create(context.Background(), job)
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, models.ReportStatusQueued, job.Status)
	require.False(t, job.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportGetByID(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewReportRepository(db)

	createdAt := time.Now().Add(-time.Minute)
	mock.ExpectQuery("SELECT id, student_id, academic_year, format, status").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "academic_year", "format", "status", "progress", "result_url", "error_message", "created_by", "created_at", "finished_at"}).
			AddRow("job-1", "stu-1", "2025/2026", models.ReportFormatCSV, models.ReportStatusProcessing, 10, nil, nil, "teacher-1", createdAt, nil))

	job, err := repo.GetByID(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "stu-1", job.StudentID)
	require.Equal(t, models.ReportStatusProcessing, job.Status)
	require.Equal(t, 10, job.Progress)
	require.Nil(t, job.ResultURL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportUpdateBuildsPartialSet(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewReportRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE report_jobs SET status = $1, progress = $2 WHERE id = $3")).
		WithArgs(models.ReportStatusProcessing, 10, "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	status := models.ReportStatusProcessing
	progress := 10
	err := repo.Update(context.Background(), "job-1", UpdateReportJobParams{
		Status:   &status,
		Progress: &progress,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportUpdateNoFieldsIsNoop(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewReportRepository(db)

	err := repo.Update(context.Background(), "job-1", UpdateReportJobParams{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportListQueued(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewReportRepository(db)

	createdAt := time.Now().Add(-time.Hour)
	mock.ExpectQuery("SELECT id, student_id, academic_year, format, status").
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "academic_year", "format", "status", "progress", "result_url", "error_message", "created_by", "created_at", "finished_at"}).
			AddRow("job-1", "stu-1", "", models.ReportFormatCSV, models.ReportStatusQueued, 0, nil, nil, "teacher-1", createdAt, nil))

	queued, err := repo.ListQueued(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, models.ReportStatusQueued, queued[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
