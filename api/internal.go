package api

import (
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pomodex/pomodex/common"
)

// forwardingHeaders betray a proxied request. Internal endpoints accept
// direct loopback connections only.
var forwardingHeaders = []string{"X-Forwarded-For", "X-Real-Ip", "Forwarded"}

// loopbackOnly guards the internal endpoints. Rejections look like a
// missing route so the endpoints stay invisible from outside.
func (s *Server) loopbackOnly(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
		if err != nil {
			host = c.Request().RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return common.NotFoundErr("not found")
		}
		for _, h := range forwardingHeaders {
			if c.Request().Header.Get(h) != "" {
				return common.NotFoundErr("not found")
			}
		}
		return next(c)
	}
}

type validateRequest struct {
	Token     string `json:"token"`
	ProjectID string `json:"project_id"`
}

// handleValidate checks a token against a project for the terminal
// proxy: the token must be valid and the project must belong to the
// token's user. A successful validation counts as a terminal connection.
func (s *Server) handleValidate(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return common.PreconditionErr("invalid request body")
	}

	uid, err := s.auth.Tokens().ValidateToken(req.Token)
	if err != nil {
		return err
	}

	project, err := s.store.GetProject(req.ProjectID, uid)
	if err != nil {
		return err
	}

	if err := s.store.TouchConnection(project.ID, time.Now().UTC()); err != nil {
		s.log.WithError(err).WithField("project_id", project.ID).Warn("connection touch failed")
	}

	return c.JSON(http.StatusOK, map[string]string{"user_id": uid})
}
