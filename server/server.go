// Package server assembles the coordinator's echo.Echo instance: one
// process-wide HTTP surface serving both the agent-facing tool
// endpoints and the operator dashboard's status/feed/metrics routes.
// Grounded on the teacher's server package shape — an echo.Echo is
// built once in NewServer, services register their own routes, and
// Start/Shutdown wrap echo's own lifecycle methods.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/crawd/coordinator/coord"
	"github.com/hrygo/crawd/internal/profile"
	"github.com/hrygo/crawd/server/service"
)

// Server owns the echo instance and the single CoordinatorService
// mounted on it.
type Server struct {
	echo    *echo.Echo
	profile *profile.Profile
}

// NewServer builds the echo instance and registers every route.
func NewServer(_ context.Context, p *profile.Profile, c *coord.Coordinator) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	}))

	svc := service.New(c, p.JWTSecret)
	svc.Register(e)

	return &Server{echo: e, profile: p}, nil
}

// Start begins serving in the background, matching the teacher's
// non-blocking s.Start(ctx) so the caller can still wait on a signal
// channel afterward.
func (s *Server) Start(_ context.Context) error {
	addr := s.bindAddr()
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.echo.Logger.Error(err)
		}
	}()
	return nil
}

func (s *Server) bindAddr() string {
	if s.profile.Addr == "" {
		return fmt.Sprintf(":%d", s.profile.Port)
	}
	return fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
