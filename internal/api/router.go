package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mednotify/internal/auth"
	"mednotify/internal/dispatcher"
	"mednotify/internal/model"
	"mednotify/internal/ws"
)

// Pinger is anything with a liveness probe; the database pool and the redis
// client both satisfy it for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RetryAdmin exposes the retry repository operations the admin surface needs.
type RetryAdmin interface {
	Stats(ctx context.Context, since time.Time) ([]model.RetryStats, error)
	Cleanup(ctx context.Context, olderThan time.Time, includeFailedPermanently bool) (int64, error)
}

// RetryProcessor forces a retry cycle outside the poll schedule.
type RetryProcessor interface {
	RunCycle(ctx context.Context) (int, error)
}

// NotificationCreator is the direct-create path behind the test endpoint.
type NotificationCreator interface {
	HandleDirectCreate(ctx context.Context, in dispatcher.DirectCreateInput) (*model.Notification, error)
}

type Server struct {
	creator   NotificationCreator
	retries   RetryAdmin
	processor RetryProcessor
	hub       *ws.Hub
	wsHandler *ws.Handler
	validator auth.TokenValidator
	db        Pinger
	redis     Pinger
	logger    *zap.Logger
}

type ServerDeps struct {
	Creator   NotificationCreator
	Retries   RetryAdmin
	Processor RetryProcessor
	Hub       *ws.Hub
	WSHandler *ws.Handler
	Validator auth.TokenValidator
	DB        Pinger
	Redis     Pinger
	Logger    *zap.Logger
}

func NewServer(d ServerDeps) *Server {
	return &Server{
		creator:   d.Creator,
		retries:   d.Retries,
		processor: d.Processor,
		hub:       d.Hub,
		wsHandler: d.WSHandler,
		validator: d.Validator,
		db:        d.DB,
		redis:     d.Redis,
		logger:    d.Logger,
	}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/healthz", s.health)
	r.GET("/readyz", s.ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", s.wsHandler.Serve)

	admin := r.Group("/admin", s.requireAuth())
	{
		admin.GET("/retry-stats", s.retryStats)
		admin.POST("/test-notification", s.testNotification)
		admin.POST("/process-retries", s.processRetries)
		admin.POST("/cleanup-retries", s.cleanupRetries)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"service":     "mednotify",
			"connections": s.hub.TotalConnections(),
		},
	})
}

func (s *Server) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "database unavailable"})
		return
	}
	if err := s.redis.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "redis unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "missing bearer token"})
			return
		}
		userID, err := s.validator.Validate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid credential"})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		s.logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
