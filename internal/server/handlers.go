package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/ifuryst/xtrack/internal/models"
	"github.com/ifuryst/xtrack/internal/service"
	"github.com/ifuryst/xtrack/internal/service/notifier"
	"github.com/ifuryst/xtrack/internal/service/twitter"
	"github.com/ifuryst/xtrack/internal/store"
)

const (
	userIDHeader          = "X-User-ID"
	userIDKey             = "user_id"
	defaultExecutionLimit = 20
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// requireUser reads the caller id set by the upstream auth proxy.
func (s *Server) requireUser(c *gin.Context) {
	id, err := strconv.ParseUint(c.GetHeader(userIDHeader), 10, 64)
	if err != nil || id == 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
		return
	}
	c.Set(userIDKey, uint(id))
	c.Next()
}

func currentUser(c *gin.Context) uint {
	v, _ := c.Get(userIDKey)
	id, _ := v.(uint)
	return id
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

// loadJob writes the error response itself when it returns nil.
func (s *Server) loadJob(c *gin.Context) *models.Job {
	id, ok := paramID(c, "id")
	if !ok {
		return nil
	}
	job, err := s.Jobs.GetJob(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return nil
	}
	if err != nil {
		s.Logger.Error("Failed to load job", zap.Uint("job_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job"})
		return nil
	}
	return job
}

func (s *Server) handleListScheduled(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.Scheduler.ScheduledJobs()})
}

func (s *Server) handleScheduleJob(c *gin.Context) {
	job := s.loadJob(c)
	if job == nil {
		return
	}
	if !job.Schedulable() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job is not active"})
		return
	}

	err := s.Scheduler.ScheduleJob(c.Request.Context(), job.ID)
	if errors.Is(err, service.ErrSchedulerDisabled) {
		c.JSON(http.StatusConflict, gin.H{"error": "Scheduler is disabled"})
		return
	}
	if err != nil {
		s.Logger.Error("Failed to schedule job", zap.Uint("job_id", job.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "scheduled": true})
}

func (s *Server) handleUnscheduleJob(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	removed := s.Scheduler.UnscheduleJob(id)
	c.JSON(http.StatusOK, gin.H{"job_id": id, "unscheduled": removed})
}

func (s *Server) handleRunJob(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	summary, err := s.Scheduler.RunNow(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"summary": summary})
	case errors.Is(err, service.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, service.ErrJobInactive):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job is not active"})
	case errors.Is(err, service.ErrJobRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "Job is already running"})
	case errors.Is(err, twitter.ErrRateLimitExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		s.Logger.Error("Manual run failed", zap.Uint("job_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleListExecutions(c *gin.Context) {
	job := s.loadJob(c)
	if job == nil {
		return
	}

	limit := defaultExecutionLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	execs, err := s.Jobs.ListExecutions(c.Request.Context(), job.ID, limit)
	if err != nil {
		s.Logger.Error("Failed to list executions", zap.Uint("job_id", job.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list executions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func (s *Server) handleListSummaries(c *gin.Context) {
	job := s.loadJob(c)
	if job == nil {
		return
	}

	summaries, err := s.Jobs.ListSummaries(c.Request.Context(), job.ID)
	if err != nil {
		s.Logger.Error("Failed to list summaries", zap.Uint("job_id", job.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list summaries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summaries": summaries})
}

type sendEmailRequest struct {
	Email     string `json:"email" binding:"required"`
	SummaryID string `json:"summary_id"`
}

func (s *Server) handleSendSummaryEmail(c *gin.Context) {
	job := s.loadJob(c)
	if job == nil {
		return
	}

	var req sendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sent, err := s.Monitor.SendSummaryEmail(c.Request.Context(), job, req.SummaryID, req.Email)
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrSummaryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Summary not found"})
	case err != nil:
		s.Logger.Error("Failed to send summary email", zap.Uint("job_id", job.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send email"})
	case !sent:
		c.JSON(http.StatusBadGateway, gin.H{"error": "Email could not be delivered"})
	default:
		c.JSON(http.StatusOK, gin.H{"sent": true})
	}
}

func (s *Server) handlePlayground(c *gin.Context) {
	var req service.PlaygroundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.Monitor.RunPlayground(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, service.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, twitter.ErrRateLimitExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		s.Logger.Error("Playground run failed", zap.String("accounts", req.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleCreateBindToken(c *gin.Context) {
	userID := currentUser(c)

	token, err := s.Notifications.CreateBindToken(c.Request.Context(), userID, models.ChannelTelegram)
	if err != nil {
		s.Logger.Error("Failed to create bind token", zap.Uint("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create bind token"})
		return
	}
	c.JSON(http.StatusCreated, token)
}

func (s *Server) handleListTargets(c *gin.Context) {
	targets, err := s.Notifications.ListTargets(c.Request.Context(), currentUser(c))
	if err != nil {
		s.Logger.Error("Failed to list notification targets", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list targets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

func (s *Server) handleSetDefaultTarget(c *gin.Context) {
	targetID, ok := paramID(c, "id")
	if !ok {
		return
	}

	target, err := s.Notifications.SetDefaultTarget(c.Request.Context(), currentUser(c), targetID)
	if errors.Is(err, notifier.ErrTargetNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Target not found"})
		return
	}
	if err != nil {
		s.Logger.Error("Failed to set default target", zap.Uint("target_id", targetID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update target"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": target})
}

// handleTelegramWebhook always acknowledges so Telegram does not redeliver.
func (s *Server) handleTelegramWebhook(c *gin.Context) {
	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		s.Logger.Warn("Malformed telegram update", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || msg.Chat == nil || msg.Text == "" {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	meta := map[string]any{"type": msg.Chat.Type}
	if title := chatTitle(msg.Chat); title != "" {
		meta["title"] = title
	}

	handled, err := s.Notifications.HandleBindCommand(c.Request.Context(), msg.Text, chatID, meta)
	if err != nil {
		s.Logger.Error("Failed to bind telegram chat", zap.String("chat_id", chatID), zap.Error(err))
	} else if handled {
		s.Logger.Info("Telegram bind command handled", zap.String("chat_id", chatID))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func chatTitle(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	if chat.UserName != "" {
		return "@" + chat.UserName
	}
	return chat.FirstName
}
