// internal/server/http.go

// Package server exposes the bridge as an OpenAI-compatible HTTP facade:
// GET /v1/models and POST /v1/chat/completions (buffered and SSE), plus a
// health probe. Continuation state rides in a conversation extension object
// rather than replayed message history.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arena-bridge/internal/config"
)

// Server wraps the Echo instance.
type Server struct {
	echo   *echo.Echo
	addr   string
	logger *zap.Logger
}

// New builds the facade server around the given handler set.
func New(cfg *config.Config, handler *Handler, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger(logger.Named("http")))

	e.GET("/health", handler.Health)
	e.GET("/v1/models", handler.ListModels)
	e.POST("/v1/chat/completions", handler.ChatCompletion)

	return &Server{
		echo:   e,
		addr:   cfg.Server.ListenAddr,
		logger: logger.Named("server"),
	}
}

// requestLogger emits one structured line per request.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			started := time.Now()
			err := next(c)
			logger.Info("Request handled.",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("took", time.Since(started)),
			)
			return err
		}
	}
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("Facade listening.", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP lets tests drive the server through httptest without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
