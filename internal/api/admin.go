package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mednotify/internal/dispatcher"
	"mednotify/internal/model"
)

// retryStats returns the per-channel, per-status retry aggregates. The
// optional hours query parameter bounds the window (default 24).
func (s *Server) retryStats(c *gin.Context) {
	hours := 24
	if raw := c.Query("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "hours must be a positive integer"})
			return
		}
		hours = n
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	stats, err := s.retries.Stats(c.Request.Context(), since)
	if err != nil {
		s.logger.Error("Failed to query retry stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to query retry stats"})
		return
	}
	if stats == nil {
		stats = []model.RetryStats{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"window_hours": hours, "stats": stats}})
}

type testNotificationRequest struct {
	RecipientUserID   string            `json:"recipient_user_id" binding:"required"`
	Title             string            `json:"title" binding:"required"`
	Message           string            `json:"message" binding:"required"`
	Type              string            `json:"type"`
	Priority          string            `json:"priority"`
	Channels          []string          `json:"channels"`
	TemplateName      string            `json:"template_name"`
	TemplateVariables map[string]string `json:"template_variables"`
}

// testNotification creates and delivers a notification outside the queue
// path, for operators verifying channel wiring.
func (s *Server) testNotification(c *gin.Context) {
	var req testNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	in := dispatcher.DirectCreateInput{
		RecipientUserID:   req.RecipientUserID,
		Title:             req.Title,
		Message:           req.Message,
		Type:              model.NotificationType(req.Type),
		Priority:          model.Priority(req.Priority),
		TemplateName:      req.TemplateName,
		TemplateVariables: req.TemplateVariables,
	}
	if in.Type == "" {
		in.Type = model.TypeSystem
	}
	for _, ch := range req.Channels {
		in.Channels = append(in.Channels, model.Channel(ch))
	}

	n, err := s.creator.HandleDirectCreate(c.Request.Context(), in)
	if err != nil {
		s.logger.Error("Test notification failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "delivery failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": n})
}

// processRetries runs one retry cycle immediately.
func (s *Server) processRetries(c *gin.Context) {
	claimed, err := s.processor.RunCycle(c.Request.Context())
	if err != nil {
		s.logger.Error("Forced retry cycle failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "retry cycle failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"processed": claimed}})
}

type cleanupRetriesRequest struct {
	OlderThanDays            int  `json:"older_than_days"`
	IncludeFailedPermanently bool `json:"include_failed_permanently"`
}

// cleanupRetries deletes resolved retry records older than the cutoff.
func (s *Server) cleanupRetries(c *gin.Context) {
	req := cleanupRetriesRequest{OlderThanDays: 30}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
			return
		}
	}
	if req.OlderThanDays <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "older_than_days must be positive"})
		return
	}

	cutoff := time.Now().AddDate(0, 0, -req.OlderThanDays)
	deleted, err := s.retries.Cleanup(c.Request.Context(), cutoff, req.IncludeFailedPermanently)
	if err != nil {
		s.logger.Error("Retry cleanup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "cleanup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"deleted": deleted}})
}
