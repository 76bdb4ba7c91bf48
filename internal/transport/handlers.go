package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dispatch-engine/internal/common/breaker"
	apperrors "dispatch-engine/internal/common/errors"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/models"
)

// statusRequest is the body of the status callback.
type statusRequest struct {
	NotificationID string                    `json:"notification_id"`
	Status         models.NotificationStatus `json:"status"`
	Timestamp      *time.Time                `json:"timestamp"`
	Error          string                    `json:"error"`
}

type healthResponse struct {
	Status      string                    `json:"status"`
	BrokerReady bool                      `json:"broker_ready"`
	Breakers    map[string]breaker.Status `json:"breakers"`
	Time        string                    `json:"time"`
}

func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input dispatch.CreateInput
		if err := c.ShouldBindJSON(&input); err != nil {
			s.fail(c, "create", apperrors.NewValidationError("Invalid JSON payload", err.Error()))
			return
		}

		rec, err := s.service.Create(c.Request.Context(), input, bearerToken(c))
		if err != nil {
			s.fail(c, "create", err)
			return
		}
		respond(c, http.StatusCreated, rec, "notification_created")
	}
}

func (s *Server) handleUpdateStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		notificationType := models.NotificationType(c.Param("notification_type"))
		if !notificationType.Valid() {
			s.fail(c, "update_status", apperrors.NewValidationError(
				"Invalid notification type", "expected email or push, got "+string(notificationType)))
			return
		}

		var req statusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, "update_status", apperrors.NewValidationError("Invalid JSON payload", err.Error()))
			return
		}

		_, err := s.service.UpdateStatus(c.Request.Context(), dispatch.StatusUpdate{
			NotificationID:   req.NotificationID,
			Status:           req.Status,
			Timestamp:        req.Timestamp,
			Error:            req.Error,
			NotificationType: notificationType,
		})
		if err != nil {
			s.fail(c, "update_status", err)
			return
		}
		respond(c, http.StatusOK, nil, "notification_status_updated")
	}
}

func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := s.service.Get(c.Request.Context(), c.Param("notification_id"))
		if err != nil {
			s.fail(c, "get", err)
			return
		}
		respond(c, http.StatusOK, rec, "notification_retrieved")
	}
}

// handleHealth always answers 200; an open breaker or a lost broker
// channel only degrades the reported status.
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := healthResponse{
			Status:      "ok",
			BrokerReady: s.readiness == nil || s.readiness.Ready(),
			Breakers:    map[string]breaker.Status{},
			Time:        time.Now().UTC().Format(time.RFC3339),
		}
		if s.breakers != nil {
			resp.Breakers = s.breakers.Statuses()
		}
		if !resp.BrokerReady {
			resp.Status = "degraded"
		}
		for _, st := range resp.Breakers {
			if st.State != breaker.StateClosed {
				resp.Status = "degraded"
			}
		}
		respond(c, http.StatusOK, resp, "healthy")
	}
}

func (s *Server) handleReady() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.readiness != nil && !s.readiness.Ready() {
			c.JSON(http.StatusServiceUnavailable, Envelope{
				Success: false,
				Message: "broker channel unavailable",
				Error:   string(apperrors.ErrCodeDependencyUnavailable),
			})
			return
		}
		respond(c, http.StatusOK, gin.H{"status": "ready"}, "ready")
	}
}

// bearerToken returns the Authorization token without its scheme.
// It is forwarded to the user service, not verified here.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
