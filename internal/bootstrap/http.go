package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/Popie52/notifyqueue/internal/config"
	"github.com/Popie52/notifyqueue/internal/core"
	"github.com/Popie52/notifyqueue/internal/model"
	"github.com/Popie52/notifyqueue/internal/queue"
)

type submitRequest struct {
	Recipient   string `json:"recipient"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	MaxAttempts int    `json:"max_attempts"`
}

type jobView struct {
	ID             model.JobID `json:"id"`
	NotificationID string      `json:"notification_id"`
	Recipient      string      `json:"recipient"`
	Subject        string      `json:"subject"`
	State          model.State `json:"state"`
	Attempts       int         `json:"attempts"`
	MaxAttempts    int         `json:"max_attempts"`
	NextRunAt      time.Time   `json:"next_run_at"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	LastError      string      `json:"last_error,omitempty"`
}

func toJobView(j model.Job) jobView {
	return jobView{
		ID:             j.ID,
		NotificationID: j.Notification.ID,
		Recipient:      j.Notification.Recipient,
		Subject:        j.Notification.Subject,
		State:          j.State,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		NextRunAt:      j.NextRunAt,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		LastError:      j.LastError,
	}
}

// server serves the HTTP API. Once ctx is done, submissions are refused with
// 503 while reads keep working until the listener closes.
type server struct {
	ctx        context.Context
	dispatcher *core.Dispatcher
	metrics    http.Handler
	userMail   config.UserMailConfig
	log        *slog.Logger
}

func newRouter(ctx context.Context, d *core.Dispatcher, metrics http.Handler, userMail config.UserMailConfig, log *slog.Logger) *gin.Engine {
	s := &server{
		ctx:        ctx,
		dispatcher: d,
		metrics:    metrics,
		userMail:   userMail,
		log:        log.With("component", "http"),
	}

	router := gin.New()
	router.Use(s.recovery(), s.accessLog())

	router.POST("/notifications", s.handleSubmit())
	router.GET("/notifications/:id", s.handleStatus())
	router.DELETE("/notifications/:id", s.handleCancel())
	router.GET("/dead-letters", s.handleDeadLetters())
	router.GET("/send-user-mail", s.handleSendUserMail())
	router.GET("/metrics", gin.WrapH(s.metrics))
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	return router
}

func (s *server) shuttingDown(c *gin.Context) bool {
	if s.ctx.Err() == nil {
		return false
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
	return true
}

func (s *server) handleSubmit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.shuttingDown(c) {
			return
		}

		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if req.MaxAttempts < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "validation error",
				"fields": map[string]string{"max_attempts": "must be >= 1"},
			})
			return
		}

		id, err := s.dispatcher.Submit(c.Request.Context(), req.Recipient, req.Subject, req.Body, core.WithMaxAttempts(req.MaxAttempts))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id})
	}
}

// handleSendUserMail submits the configured account mail.
func (s *server) handleSendUserMail() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.shuttingDown(c) {
			return
		}

		id, err := s.dispatcher.Submit(c.Request.Context(), s.userMail.To, s.userMail.Subject, s.userMail.Body)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id, "message": "mail queued"})
	}
}

func (s *server) handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := s.dispatcher.Status(model.JobID(c.Param("id")))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, toJobView(job))
	}
}

func (s *server) handleCancel() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.dispatcher.Cancel(c.Request.Context(), model.JobID(c.Param("id"))); err != nil {
			s.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *server) handleDeadLetters() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, lo.Map(s.dispatcher.DeadLetters(), func(j model.Job, _ int) jobView {
			return toJobView(j)
		}))
	}
}

func (s *server) fail(c *gin.Context, err error) {
	status := statusCode(err)

	body := gin.H{"error": err.Error()}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		body = gin.H{"error": "validation error", "fields": ve.Fields}
	}

	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, body)
}

func statusCode(err error) int {
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest
	case model.IsQueueUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrJobRunning), errors.Is(err, queue.ErrJobFinished):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in handler", "method", c.Request.Method, "path", c.Request.URL.Path, "panic", r)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

func (s *server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
