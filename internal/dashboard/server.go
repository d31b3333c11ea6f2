package dashboard

import (
	"context"
	"copybot/internal/engine"
	"copybot/internal/logger"
	"copybot/internal/models"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type StatusSource interface {
	Status() engine.Status
}

type RecordSource interface {
	Records() []models.CopyRecord
	FailedCopies() []models.CopyRecord
}

// Server is the read-only operator view of a running engine.
type Server struct {
	status  StatusSource
	records RecordSource
	hub     *Hub
	log     *logger.Logger
	limiter *rate.Limiter
}

func New(status StatusSource, records RecordSource, hub *Hub, log *logger.Logger, requestsPerSecond float64) *Server {
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = int(requestsPerSecond) + 1
	}
	return &Server{
		status:  status,
		records: records,
		hub:     hub,
		log:     log,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), s.rateLimit())

	api := r.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/records", s.handleRecords)
		api.GET("/records/failed", s.handleFailed)
	}
	r.GET("/ws", s.hub.ServeWS)
	return r
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logEntry().WithField("addr", addr).Info("Панель мониторинга запущена.")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logEntry().Info("Панель мониторинга остановлена.")
	return nil
}

func (s *Server) handleStatus(c *gin.Context) {
	success(c, s.status.Status())
}

func (s *Server) handleRecords(c *gin.Context) {
	records, ok := limitRecords(c, s.records.Records())
	if !ok {
		return
	}
	success(c, records)
}

func (s *Server) handleFailed(c *gin.Context) {
	records, ok := limitRecords(c, s.records.FailedCopies())
	if !ok {
		return
	}
	success(c, records)
}

// limitRecords keeps the newest ?limit=N records.
func limitRecords(c *gin.Context, records []models.CopyRecord) ([]models.CopyRecord, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return records, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "limit должен быть неотрицательным целым")
		return nil, false
	}
	if n < len(records) {
		records = records[len(records)-n:]
	}
	return records, true
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, "слишком много запросов")
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logEntry().WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("http")
	}
}

func (s *Server) logEntry() *logrus.Entry {
	return s.log.WithComponent("dashboard")
}
