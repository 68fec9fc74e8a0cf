package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/sis-core-api/api/swagger"
	"github.com/noah-isme/sis-core-api/internal/handler"
	"github.com/noah-isme/sis-core-api/internal/middleware"
	"github.com/noah-isme/sis-core-api/internal/models"
	"github.com/noah-isme/sis-core-api/internal/repository"
	"github.com/noah-isme/sis-core-api/internal/service"
	"github.com/noah-isme/sis-core-api/pkg/cache"
	"github.com/noah-isme/sis-core-api/pkg/config"
	"github.com/noah-isme/sis-core-api/pkg/database"
	"github.com/noah-isme/sis-core-api/pkg/jobs"
	"github.com/noah-isme/sis-core-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sis-core-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sis-core-api/pkg/middleware/requestid"
	"github.com/noah-isme/sis-core-api/pkg/storage"
)

// @title SIS Core API
// @version 1.0.0
// @description Enrollment and grading core for the student information system
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect redis", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	users := repository.NewUserRepository(db)
	classes := repository.NewClassRepository(db)
	assignments := repository.NewAssignmentRepository(db)
	enrollments := repository.NewEnrollmentRepository(db)
	grades := repository.NewGradeRepository(db)
	reportJobs := repository.NewReportRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck

	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(users, nil, logr, service.AuthConfig{
		Secret:     cfg.JWT.Secret,
		Expiration: cfg.JWT.Expiration,
		Issuer:     "sis-core-api",
	})
	accessSvc := service.NewAccessService(classes, enrollments, logr)
	enrollmentSvc := service.NewEnrollmentService(enrollments, users, classes, accessSvc, nil, logr)
	gradeSvc := service.NewGradeService(grades, assignments, accessSvc, cacheRepo, cfg.Grading, nil, logr)

	var reportSvc *service.ReportService
	if cfg.Reports.Enabled {
		store, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init export storage", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Reports.SigningSecret, cfg.Reports.ResultTTL)
		exportSvc := service.NewExportService(gradeSvc, users, store, signer, service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
			ResultTTL: cfg.Reports.ResultTTL,
		}, logr, nil, nil)
		worker := service.NewReportWorker(reportJobs, exportSvc, cfg.Reports.MaxRetries, logr)
		queue := jobs.NewQueue("transcript-exports", worker.Handle, jobs.QueueConfig{
			Workers:    cfg.Reports.Workers,
			MaxRetries: cfg.Reports.MaxRetries,
			Logger:     logr,
		})
		queue.Start(ctx)
		defer queue.Stop()

		reportSvc = service.NewReportService(reportJobs, users, queue, exportSvc, logr, service.ReportServiceConfig{
			ResultTTL:       cfg.Reports.ResultTTL,
			CleanupInterval: cfg.Reports.CleanupInterval,
			MaxRetries:      cfg.Reports.MaxRetries,
		})
		reportSvc.RecoverPendingJobs(ctx)
		reportSvc.StartCleanup(ctx)
	}

	authHandler := handler.NewAuthHandler(authSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc, metricsSvc)
	gradeHandler := handler.NewGradeHandler(gradeSvc, metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	api.POST("/auth/login", authHandler.Login)

	authed := api.Group("")
	authed.Use(middleware.JWT(authSvc))

	authed.GET("/auth/me", authHandler.Me)

	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher)

	authed.GET("/enrollments", staff, enrollmentHandler.List)
	authed.POST("/enrollments", staff, enrollmentHandler.Enroll)
	authed.POST("/enrollments/unenroll", staff, enrollmentHandler.Unenroll)
	authed.POST("/enrollments/transfer", staff, enrollmentHandler.Transfer)
	authed.POST("/enrollments/bulk", staff, enrollmentHandler.BulkEnroll)
	authed.GET("/enrollments/eligibility", staff, enrollmentHandler.Eligibility)

	authed.POST("/grades", middleware.RequireRoles(models.RoleTeacher), gradeHandler.Record)
	authed.PATCH("/grades/:id", middleware.RequireRoles(models.RoleTeacher), gradeHandler.Update)

	authed.GET("/classes/:classId/statistics", staff, gradeHandler.ClassStatistics)
	authed.GET("/classes/:classId/failing", staff, gradeHandler.FailingStudents)
	authed.GET("/classes/:classId/top", staff, gradeHandler.TopPerformers)

	selfOrStaff := middleware.RBAC(string(models.RoleAdmin), string(models.RoleTeacher), "SELF")
	authed.GET("/students/:studentId/gpa", selfOrStaff, gradeHandler.StudentGPA)
	authed.GET("/students/:studentId/progress", selfOrStaff, gradeHandler.Progress)
	authed.GET("/students/:studentId/transcript", selfOrStaff, gradeHandler.Transcript)

	if reportSvc != nil {
		reportHandler := handler.NewReportHandler(reportSvc)
		authed.POST("/reports/transcripts", reportHandler.Create)
		authed.GET("/reports/:id", reportHandler.Status)
		api.GET("/export/:token", reportHandler.Download)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
