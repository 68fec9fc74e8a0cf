package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sis-core-api/internal/middleware"
	"github.com/noah-isme/sis-core-api/internal/models"
	"github.com/noah-isme/sis-core-api/internal/service"
	appErrors "github.com/noah-isme/sis-core-api/pkg/errors"
	"github.com/noah-isme/sis-core-api/pkg/response"
)

// GradeHandler exposes grade recording and aggregation endpoints.
type GradeHandler struct {
	grades  *service.GradeService
	metrics *service.MetricsService
}

// NewGradeHandler constructs GradeHandler.
func NewGradeHandler(grades *service.GradeService, metrics *service.MetricsService) *GradeHandler {
	return &GradeHandler{grades: grades, metrics: metrics}
}

// Record godoc
// @Summary Record a grade for a submission
// @Tags Grades
// @Accept json
// @Produce json
// @Param payload body service.RecordGradeRequest true "Grade payload"
// @Success 201 {object} response.Envelope
// @Router /grades [post]
func (h *GradeHandler) Record(c *gin.Context) {
	var req service.RecordGradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	grade, err := h.grades.RecordGrade(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.RecordGradeWrite()
	response.Created(c, grade)
}

// Update godoc
// @Summary Regrade a submission or amend comments
// @Tags Grades
// @Accept json
// @Produce json
// @Param id path string true "Grade ID"
// @Param payload body models.GradeUpdate true "Fields to update"
// @Success 200 {object} response.Envelope
// @Router /grades/{id} [patch]
func (h *GradeHandler) Update(c *gin.Context) {
	var update models.GradeUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	grade, err := h.grades.UpdateGrade(c.Request.Context(), actorFromContext(c), c.Param("id"), update)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.RecordGradeWrite()
	response.JSON(c, http.StatusOK, grade, nil)
}

// ClassStatistics godoc
// @Summary Aggregate statistics for a class
// @Tags Grades
// @Produce json
// @Param classId path string true "Class ID"
// @Success 200 {object} response.Envelope
// @Router /classes/{classId}/statistics [get]
func (h *GradeHandler) ClassStatistics(c *gin.Context) {
	start := time.Now()
	stats, cacheHit, err := h.grades.ClassStatistics(c.Request.Context(), actorFromContext(c), c.Param("classId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	meta := middleware.ExtractMeta(c)
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["processing_time_ms"] = time.Since(start).Milliseconds()
	response.JSON(c, http.StatusOK, stats, nil, meta)
}

// FailingStudents godoc
// @Summary List students below the failing threshold
// @Tags Grades
// @Produce json
// @Param classId path string true "Class ID"
// @Param threshold query number false "Failing threshold percentage"
// @Success 200 {object} response.Envelope
// @Router /classes/{classId}/failing [get]
func (h *GradeHandler) FailingStudents(c *gin.Context) {
	var threshold *float64
	if raw := c.Query("threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid threshold"))
			return
		}
		threshold = &parsed
	}

	ranking, err := h.grades.FailingStudents(c.Request.Context(), actorFromContext(c), c.Param("classId"), threshold)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, ranking, nil)
}

// TopPerformers godoc
// @Summary Rank a class by mean percentage
// @Tags Grades
// @Produce json
// @Param classId path string true "Class ID"
// @Param limit query int false "Maximum students to return"
// @Success 200 {object} response.Envelope
// @Router /classes/{classId}/top [get]
func (h *GradeHandler) TopPerformers(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid limit"))
			return
		}
		limit = parsed
	}

	ranking, err := h.grades.TopPerformers(c.Request.Context(), actorFromContext(c), c.Param("classId"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, ranking, nil)
}

// StudentGPA godoc
// @Summary Compute a student's mean percentage in scope
// @Tags Grades
// @Produce json
// @Param studentId path string true "Student ID"
// @Param classId query string false "Restrict to one class"
// @Param academicYear query string false "Restrict to one academic year"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/gpa [get]
func (h *GradeHandler) StudentGPA(c *gin.Context) {
	result, err := h.grades.StudentGPA(c.Request.Context(), c.Param("studentId"), c.Query("classId"), c.Query("academicYear"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Progress godoc
// @Summary Chronological grades with cumulative mean
// @Tags Grades
// @Produce json
// @Param studentId path string true "Student ID"
// @Param classId query string false "Restrict to one class"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/progress [get]
func (h *GradeHandler) Progress(c *gin.Context) {
	points, err := h.grades.RollingProgress(c.Request.Context(), c.Param("studentId"), c.Query("classId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, points, nil)
}

// Transcript godoc
// @Summary Per-class averages plus overall GPA
// @Tags Grades
// @Produce json
// @Param studentId path string true "Student ID"
// @Param academicYear query string false "Restrict to one academic year"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/transcript [get]
func (h *GradeHandler) Transcript(c *gin.Context) {
	start := time.Now()
	transcript, cacheHit, err := h.grades.Transcript(c.Request.Context(), c.Param("studentId"), c.Query("academicYear"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	meta := middleware.ExtractMeta(c)
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["processing_time_ms"] = time.Since(start).Milliseconds()
	response.JSON(c, http.StatusOK, transcript, nil, meta)
}
