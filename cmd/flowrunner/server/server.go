package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/botkita/flowcore/cmd/flowrunner/runner"
	"github.com/botkita/flowcore/common/logger"
	"github.com/botkita/flowcore/common/metrics"
)

// Server is the ops surface: health, metrics, and run submission. Runs are
// not executed in-request; submission enqueues onto the run stream and the
// consumer picks them up.
type Server struct {
	echo      *echo.Echo
	redis     *redis.Client
	runStream string
	log       *logger.Logger
	port      int
}

// New creates the ops server. A nil Redis client disables run submission.
func New(port int, m *metrics.Metrics, redisClient *redis.Client, runStream string, log *logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:      e,
		redis:     redisClient,
		runStream: runStream,
		log:       log,
		port:      port,
	}

	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	e.POST("/v1/runs", s.submitRun)

	return s
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", s.port)
		s.log.Info("ops server starting", "addr", addr)
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ops server shutdown: %w", err)
		}
		s.log.Info("ops server stopped")
		return nil
	}
}

func (s *Server) health(c echo.Context) error {
	checks := map[string]string{"service": "ok"}

	if s.redis != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, checks)
		}
		checks["redis"] = "ok"
	}

	return c.JSON(http.StatusOK, checks)
}

// submitRun enqueues a run request.
// POST /v1/runs
func (s *Server) submitRun(c echo.Context) error {
	if s.redis == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"error": "run submission requires a configured event broker",
		})
	}

	var request runner.RunRequest
	if err := c.Bind(&request); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "malformed request body",
		})
	}

	if request.FlowName == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "flow_name is required",
		})
	}

	if request.RequestID == "" {
		request.RequestID = uuid.NewString()
	}
	request.CreatedAt = time.Now().Unix()

	payload, err := json.Marshal(request)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "encode request",
		})
	}

	err = s.redis.XAdd(c.Request().Context(), &redis.XAddArgs{
		Stream: s.runStream,
		Values: map[string]interface{}{"request": string(payload)},
	}).Err()
	if err != nil {
		s.log.Error("enqueue run request", "flow_name", request.FlowName, "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"error": "enqueue run request",
		})
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"request_id": request.RequestID,
		"status":     "queued",
	})
}
