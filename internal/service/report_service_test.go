package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sis-core-api/internal/models"
	"github.com/noah-isme/sis-core-api/internal/repository"
	appErrors "github.com/noah-isme/sis-core-api/pkg/errors"
	"github.com/noah-isme/sis-core-api/pkg/jobs"
)

type mockReportJobStore struct {
	jobs    map[string]*models.ReportJob
	created *models.ReportJob
	updates []repository.UpdateReportJobParams
	queued  []models.ReportJob
}

func newMockReportJobStore() *mockReportJobStore {
	return &mockReportJobStore{jobs: map[string]*models.ReportJob{}}
}

func (m *mockReportJobStore) Create(ctx context.Context, job *models.ReportJob) error {
	if job.ID == "" {
		job.ID = "job-1"
	}
	m.created = job
	m.jobs[job.ID] = job
	return nil
}

func (m *mockReportJobStore) GetByID(ctx context.Context, id string) (*models.ReportJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return job, nil
}

func (m *mockReportJobStore) Update(ctx context.Context, id string, params repository.UpdateReportJobParams) error {
	m.updates = append(m.updates, params)
	if job, ok := m.jobs[id]; ok {
		if params.Status != nil {
			job.Status = *params.Status
		}
		if params.Progress != nil {
			job.Progress = *params.Progress
		}
		if params.ResultURL != nil {
			job.ResultURL = params.ResultURL
		}
	}
	return nil
}

func (m *mockReportJobStore) ListQueued(ctx context.Context, limit int) ([]models.ReportJob, error) {
	return m.queued, nil
}

func (m *mockReportJobStore) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ReportJob, error) {
	return nil, nil
}

type mockDispatcher struct {
	enqueued []jobs.Job
	err      error
}

func (m *mockDispatcher) Enqueue(job jobs.Job) error {
	if m.err != nil {
		return m.err
	}
	m.enqueued = append(m.enqueued, job)
	return nil
}

type failingExporter struct {
	result *ExportResult
	err    error
}

func (f *failingExporter) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newReportFixture() (*ReportService, *mockReportJobStore, *mockDispatcher) {
	store := newMockReportJobStore()
	dispatcher := &mockDispatcher{}
	svc := NewReportService(store, studentNameStub{}, dispatcher, nil, nil, ReportServiceConfig{})
	return svc, store, dispatcher
}

func TestCreateJobEnqueues(t *testing.T) {
	svc, store, dispatcher := newReportFixture()

	job, err := svc.CreateJob(context.Background(), teacherActor("teacher-1"), TranscriptExportRequest{
		StudentID: "stu-1",
		Format:    models.ReportFormatCSV,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusQueued, job.Status)
	assert.Equal(t, "teacher-1", job.CreatedBy)
	require.Len(t, dispatcher.enqueued, 1)
	assert.Equal(t, job.ID, dispatcher.enqueued[0].ID)
	assert.Equal(t, "transcript_export", dispatcher.enqueued[0].Type)
	assert.Same(t, job, store.created)
}

func TestCreateJobRejectsUnknownFormat(t *testing.T) {
	svc, _, _ := newReportFixture()

	_, err := svc.CreateJob(context.Background(), teacherActor("teacher-1"), TranscriptExportRequest{
		StudentID: "stu-1",
		Format:    "xml",
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestCreateJobStudentCanOnlyExportSelf(t *testing.T) {
	svc, _, _ := newReportFixture()

	actor := models.Actor{ID: "stu-2", Role: models.RoleStudent}
	_, err := svc.CreateJob(context.Background(), actor, TranscriptExportRequest{
		StudentID: "stu-1",
		Format:    models.ReportFormatCSV,
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	self := models.Actor{ID: "stu-1", Role: models.RoleStudent}
	_, err = svc.CreateJob(context.Background(), self, TranscriptExportRequest{
		StudentID: "stu-1",
		Format:    models.ReportFormatCSV,
	})
	require.NoError(t, err)
}

func TestCreateJobMarksFailedWhenEnqueueFails(t *testing.T) {
	svc, store, dispatcher := newReportFixture()
	dispatcher.err = errors.New("queue full")

	_, err := svc.CreateJob(context.Background(), teacherActor("teacher-1"), TranscriptExportRequest{
		StudentID: "stu-1",
		Format:    models.ReportFormatPDF,
	})
	require.Error(t, err)
	require.NotNil(t, store.created)
	assert.Equal(t, models.ReportStatusFailed, store.created.Status)
}

func TestGetStatusEnforcesOwnership(t *testing.T) {
	svc, store, _ := newReportFixture()
	store.jobs["job-1"] = &models.ReportJob{ID: "job-1", CreatedBy: "teacher-1", Status: models.ReportStatusQueued}

	_, err := svc.GetStatus(context.Background(), teacherActor("teacher-2"), "job-1")
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	job, err := svc.GetStatus(context.Background(), teacherActor("teacher-1"), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)

	admin := models.Actor{ID: "admin-1", Role: models.RoleAdmin}
	_, err = svc.GetStatus(context.Background(), admin, "job-1")
	require.NoError(t, err)
}

func TestGetStatusMissingJob(t *testing.T) {
	svc, _, _ := newReportFixture()

	_, err := svc.GetStatus(context.Background(), teacherActor("teacher-1"), "ghost")
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestRecoverPendingJobsRequeues(t *testing.T) {
	svc, store, dispatcher := newReportFixture()
	store.queued = []models.ReportJob{
		{ID: "job-1", Status: models.ReportStatusQueued},
		{ID: "job-2", Status: models.ReportStatusQueued},
	}

	svc.RecoverPendingJobs(context.Background())
	require.Len(t, dispatcher.enqueued, 2)
}

func TestReportWorkerSuccess(t *testing.T) {
	store := newMockReportJobStore()
	store.jobs["job-1"] = &models.ReportJob{ID: "job-1", StudentID: "stu-1", Format: models.ReportFormatCSV, Status: models.ReportStatusQueued}
	exporter := &failingExporter{result: &ExportResult{URL: "/api/v1/export/tok", RelativePath: "f.csv", Format: models.ReportFormatCSV}}
	worker := NewReportWorker(store, exporter, 3, nil)

	err := worker.Handle(context.Background(), jobs.Job{ID: "job-1", Type: "transcript_export", Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusFinished, store.jobs["job-1"].Status)
	assert.Equal(t, 100, store.jobs["job-1"].Progress)
	require.NotNil(t, store.jobs["job-1"].ResultURL)
	assert.Equal(t, "/api/v1/export/tok", *store.jobs["job-1"].ResultURL)
}

func TestReportWorkerRequeuesBeforeMaxRetries(t *testing.T) {
	store := newMockReportJobStore()
	store.jobs["job-1"] = &models.ReportJob{ID: "job-1", StudentID: "stu-1", Format: models.ReportFormatCSV, Status: models.ReportStatusQueued}
	exporter := &failingExporter{err: errors.New("render failed")}
	worker := NewReportWorker(store, exporter, 3, nil)

	err := worker.Handle(context.Background(), jobs.Job{ID: "job-1", Attempt: 1})
	require.Error(t, err)
	assert.Equal(t, models.ReportStatusQueued, store.jobs["job-1"].Status)
}

func TestReportWorkerFailsAfterMaxRetries(t *testing.T) {
	store := newMockReportJobStore()
	store.jobs["job-1"] = &models.ReportJob{ID: "job-1", StudentID: "stu-1", Format: models.ReportFormatCSV, Status: models.ReportStatusQueued}
	exporter := &failingExporter{err: errors.New("render failed")}
	worker := NewReportWorker(store, exporter, 3, nil)

	err := worker.Handle(context.Background(), jobs.Job{ID: "job-1", Attempt: 3})
	require.Error(t, err)
	assert.Equal(t, models.ReportStatusFailed, store.jobs["job-1"].Status)
	assert.Equal(t, 100, store.jobs["job-1"].Progress)
}
