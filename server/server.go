package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mrX1007/FusionBrain/core/config"
	"github.com/mrX1007/FusionBrain/core/experts"
)

// Server owns the echo instance and its lifecycle.
type Server struct {
	echo   *echo.Echo
	cfg    config.ServerConfig
	logger experts.Logger
}

// New builds the HTTP server with routes and middleware registered.
func New(cfg config.ServerConfig, h *Handler, logger experts.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h.RegisterRoutes(e)

	return &Server{
		echo:   e,
		cfg:    cfg,
		logger: logger.Bind("component", "server"),
	}
}

// Start serves until Shutdown is called. It returns nil on a graceful
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("server_listening", "addr", s.cfg.Addr)
	if err := s.echo.Start(s.cfg.Addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
