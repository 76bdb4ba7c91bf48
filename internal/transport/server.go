// Package transport exposes the dispatch engine over HTTP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dispatch-engine/internal/common/breaker"
	apperrors "dispatch-engine/internal/common/errors"
	"dispatch-engine/internal/common/logger"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/models"
)

// NotificationService is the part of dispatch.Service the routes call.
type NotificationService interface {
	Create(ctx context.Context, input dispatch.CreateInput, authToken string) (models.NotificationRecord, error)
	UpdateStatus(ctx context.Context, update dispatch.StatusUpdate) (models.NotificationRecord, error)
	Get(ctx context.Context, notificationID string) (models.NotificationRecord, error)
}

// Readiness reports whether the broker channel is usable.
type Readiness interface {
	Ready() bool
}

type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server owns the gin router and the listening http.Server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	service    NotificationService
	readiness  Readiness
	breakers   *breaker.Registry
	errors     *apperrors.ErrorHandler
	logger     logger.Logger
}

// NewServer wires the routes. readiness and breakers may be nil.
func NewServer(cfg Config, service NotificationService, readiness Readiness, breakers *breaker.Registry, log logger.Logger) *Server {
	log = log.Named("http")

	router := gin.New()
	router.Use(recovery(log), requestLogger(log))

	s := &Server{
		router:    router,
		service:   service,
		readiness: readiness,
		breakers:  breakers,
		errors:    apperrors.NewErrorHandler(log),
		logger:    log,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		notifications := api.Group("/notifications")
		notifications.POST("", s.handleCreate())
		notifications.POST("/:notification_type/status", s.handleUpdateStatus())
		notifications.GET("/:notification_id", s.handleGet())
	}

	s.router.GET("/health", s.handleHealth())
	s.router.GET("/ready", s.handleReady())
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks until the server stops. A graceful shutdown is not an error.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{"addr": s.httpServer.Addr})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func recovery(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Panic while handling request", map[string]interface{}{
					"method": c.Request.Method,
					"path":   c.Request.URL.Path,
					"panic":  fmt.Sprint(r),
				})
				c.AbortWithStatusJSON(http.StatusInternalServerError, Envelope{
					Success: false,
					Message: "Internal server error",
					Error:   string(apperrors.ErrCodeInternal),
				})
			}
		}()
		c.Next()
	}
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("Request handled", map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"durationMs": time.Since(start).Milliseconds(),
		})
	}
}
