package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/xtrack/internal/config"
	"github.com/ifuryst/xtrack/internal/models"
	"github.com/ifuryst/xtrack/internal/service"
	"github.com/ifuryst/xtrack/internal/service/llm"
	"github.com/ifuryst/xtrack/internal/service/notifier"
	"github.com/ifuryst/xtrack/internal/service/twitter"
	"github.com/ifuryst/xtrack/internal/store"
)

// Jobs is the job and history lookup used by the handlers.
type Jobs interface {
	GetJob(ctx context.Context, id uint) (*models.Job, error)
	ListExecutions(ctx context.Context, jobID uint, limit int) ([]models.JobExecution, error)
	ListSummaries(ctx context.Context, jobID uint) ([]models.Summary, error)
}

type Monitor interface {
	RunPlayground(ctx context.Context, req service.PlaygroundRequest) (*service.PlaygroundResult, error)
	SendSummaryEmail(ctx context.Context, job *models.Job, summaryID, address string) (bool, error)
}

type JobScheduler interface {
	Start(ctx context.Context) error
	Stop()
	ScheduleJob(ctx context.Context, jobID uint) error
	UnscheduleJob(jobID uint) bool
	ScheduledJobs() []service.ScheduledJob
	RunNow(ctx context.Context, jobID uint) (*models.Summary, error)
}

type Notifications interface {
	CreateBindToken(ctx context.Context, userID uint, channel models.NotificationChannel) (*notifier.BindToken, error)
	ListTargets(ctx context.Context, userID uint) ([]models.NotificationTarget, error)
	SetDefaultTarget(ctx context.Context, userID, targetID uint) (*models.NotificationTarget, error)
	HandleBindCommand(ctx context.Context, text, destination string, meta map[string]any) (bool, error)
}

// Webhook registers the bot's update endpoint.
type Webhook interface {
	SetWebhook(url string) error
}

// Background is a loop started and stopped with the server.
type Background interface {
	Start(ctx context.Context)
	Stop()
}

type Server struct {
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	// Services
	Jobs          Jobs
	Monitor       Monitor
	Scheduler     JobScheduler
	Notifications Notifications
	Webhook       Webhook
	Janitor       Background
}

// NewServer wires every service from cfg.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	db, err := store.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	st := store.New(db)

	limiter := twitter.NewLimiter(cfg.Twitter.MinInterval, nil)
	fetcher := twitter.NewClient(&cfg.Twitter, limiter, logger)

	generator, err := llm.New(&cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize llm: %w", err)
	}

	notifications := notifier.NewService(st, cfg.Notification.BindTokenTTL, logger)
	telegram, err := notifier.NewTelegramChannel(cfg.Telegram.BotToken, logger)
	if err != nil {
		// 机器人不可用时仍然启动，消息发送会失败并记录日志
		logger.Error("Telegram channel unavailable", zap.Error(err))
	}
	if err := notifications.RegisterChannel(telegram); err != nil {
		return nil, err
	}
	if err := notifications.RegisterChannel(notifier.NewEmailChannel(&cfg.Email, logger)); err != nil {
		return nil, err
	}

	monitoring := service.NewMonitoringService(st, fetcher, generator, notifications, logger,
		service.WithTweetLimit(cfg.Twitter.PageLimit))
	scheduler := service.NewScheduler(&cfg.Scheduler, st, monitoring, logger)

	srv := New(cfg, logger, Services{
		Jobs:          st,
		Monitor:       monitoring,
		Scheduler:     scheduler,
		Notifications: notifications,
		Webhook:       telegram,
		Janitor:       service.NewTokenJanitor(st, cfg.Notification.CleanupInterval, logger),
	})
	srv.DB = db
	return srv, nil
}

// Services groups the handler dependencies.
type Services struct {
	Jobs          Jobs
	Monitor       Monitor
	Scheduler     JobScheduler
	Notifications Notifications
	Webhook       Webhook
	Janitor       Background
}

// New builds a server around already constructed services.
func New(cfg *config.Config, logger *zap.Logger, services Services) *Server {
	gin.SetMode(cfg.Server.Mode)

	srv := &Server{
		Config:        cfg,
		Router:        gin.New(),
		Logger:        logger,
		Jobs:          services.Jobs,
		Monitor:       services.Monitor,
		Scheduler:     services.Scheduler,
		Notifications: services.Notifications,
		Webhook:       services.Webhook,
		Janitor:       services.Janitor,
	}

	srv.setupMiddleware()
	srv.setupRoutes()
	return srv
}

func (s *Server) setupMiddleware() {
	s.Router.Use(gin.Recovery())

	s.Router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	})

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", s.handleHealth)

	api := s.Router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/scheduler/jobs", s.handleListScheduled)

		jobs := api.Group("/jobs/:id")
		{
			jobs.POST("/schedule", s.handleScheduleJob)
			jobs.DELETE("/schedule", s.handleUnscheduleJob)
			jobs.POST("/run", s.handleRunJob)
			jobs.GET("/executions", s.handleListExecutions)
			jobs.GET("/summaries", s.handleListSummaries)
			jobs.POST("/summaries/send-email", s.handleSendSummaryEmail)
		}

		api.POST("/monitoring/test", s.handlePlayground)

		notifications := api.Group("/notifications")
		{
			notifications.POST("/telegram/bind-token", s.requireUser, s.handleCreateBindToken)
			notifications.POST("/telegram/webhook", s.handleTelegramWebhook)
			notifications.GET("/targets", s.requireUser, s.handleListTargets)
			notifications.PATCH("/targets/:id/default", s.requireUser, s.handleSetDefaultTarget)
		}
	}
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if s.Janitor != nil {
		s.Janitor.Start(ctx)
	}
	s.registerWebhook()

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) registerWebhook() {
	url := s.Config.Telegram.WebhookURL
	if url == "" || s.Webhook == nil {
		return
	}
	if err := s.Webhook.SetWebhook(url); err != nil {
		s.Logger.Error("Failed to register telegram webhook", zap.Error(err))
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.Server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		err = s.Server.Shutdown(shutdownCtx)
	}

	// in-flight runs finish before the database goes away
	s.Scheduler.Stop()
	if s.Janitor != nil {
		s.Janitor.Stop()
	}

	if s.DB != nil {
		if sqlDB, dbErr := s.DB.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
	}
	return err
}
