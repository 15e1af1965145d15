// Package api exposes the control plane over HTTP: account and token
// endpoints, tenant-scoped project lifecycle endpoints, and the internal
// validation endpoint used by the terminal proxy.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/pomodex/pomodex/auth"
	"github.com/pomodex/pomodex/common"
	"github.com/pomodex/pomodex/config"
	"github.com/pomodex/pomodex/gcp"
	"github.com/pomodex/pomodex/lifecycle"
	"github.com/pomodex/pomodex/snapshot"
	"github.com/pomodex/pomodex/storage"
)

// Server is the control plane HTTP server.
type Server struct {
	echo     *echo.Echo
	store    storage.Store
	auth     *auth.Service
	orch     *lifecycle.Orchestrator
	snaps    *snapshot.Manager
	iam      gcp.IAMManager
	terminal config.TerminalConfig
	log      *logrus.Entry
}

// NewServer wires routes and middleware.
func NewServer(store storage.Store, authSvc *auth.Service, orch *lifecycle.Orchestrator, snaps *snapshot.Manager, iam gcp.IAMManager, terminal config.TerminalConfig, log *logrus.Entry) *Server {
	s := &Server{
		store:    store,
		auth:     authSvc,
		orch:     orch,
		snaps:    snaps,
		iam:      iam,
		terminal: terminal,
		log:      log,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("1M"))

	e.GET("/health", s.handleHealth)

	e.POST("/auth/register", s.handleRegister)
	e.POST("/auth/login", s.handleLogin)
	e.POST("/auth/refresh", s.handleRefresh)

	projects := e.Group("/projects", echojwt.WithConfig(echojwt.Config{
		SigningKey: authSvc.Tokens().Secret(),
	}))
	projects.GET("", s.handleListProjects)
	projects.POST("", s.handleCreateProject)
	projects.GET("/:id", s.handleGetProject)
	projects.POST("/:id/stop", s.handleStopProject)
	projects.POST("/:id/start", s.handleStartProject)
	projects.POST("/:id/snapshot", s.handleSnapshotProject)
	projects.POST("/:id/restore", s.handleRestoreProject)
	projects.DELETE("/:id", s.handleDeleteProject)
	projects.GET("/:id/snapshots", s.handleListSnapshots)
	projects.GET("/:id/backup-status", s.handleBackupStatus)

	internal := e.Group("/internal", s.loopbackOnly)
	internal.POST("/validate", s.handleValidate)

	s.echo = e
	return s
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start listens on the given address until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.WithField("addr", addr).Info("api server listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// errorHandler maps the failure taxonomy to HTTP status codes. Wrapped
// causes stay in the logs; the client sees the message only.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "internal error"

	var appErr *common.Error
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &appErr):
		message = appErr.Message
		switch appErr.Kind {
		case common.KindAuth:
			status = http.StatusUnauthorized
		case common.KindNotFound:
			status = http.StatusNotFound
		case common.KindConflict, common.KindPrecondition:
			status = http.StatusConflict
		case common.KindTransient:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
	case errors.As(err, &httpErr):
		status = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		}
	}

	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"method": c.Request().Method,
			"path":   c.Path(),
		}).Error("request failed")
	}

	if jerr := c.JSON(status, map[string]string{"error": message}); jerr != nil {
		s.log.WithError(jerr).Error("error response write failed")
	}
}

// userID extracts the authenticated subject set by the JWT middleware.
func userID(c echo.Context) (string, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return "", common.AuthErr("missing token")
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", common.AuthErr("invalid token")
	}
	return sub, nil
}

func (s *Server) terminalURL(projectID string) string {
	return fmt.Sprintf("ws://%s:%d/terminal/%s", s.terminal.HostIP, s.terminal.ProxyPort, projectID)
}
