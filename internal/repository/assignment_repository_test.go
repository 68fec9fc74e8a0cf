package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindSubmissionScansRow(t *testing.T) {
	db, mock, closeFn := newEnrollmentRepoMock(t)
	defer closeFn()

	submittedAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, assignment_id, student_id, submitted_at, late FROM submissions WHERE id = $1")).
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "assignment_id", "student_id", "submitted_at", "late"}).
			AddRow("sub-1", "asg-1", "stu-1", submittedAt, false))

	repo := NewAssignmentRepository(db)
	submission, err := repo.FindSubmission(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "asg-1", submission.AssignmentID)
	assert.Equal(t, "stu-1", submission.StudentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSubmissionMissing(t *testing.T) {
	db, mock, closeFn := newEnrollmentRepoMock(t)
	defer closeFn()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, assignment_id, student_id, submitted_at, late FROM submissions WHERE id = $1")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	repo := NewAssignmentRepository(db)
	_, err := repo.FindSubmission(context.Background(), "ghost")
	assert.Equal(t, sql.ErrNoRows, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
