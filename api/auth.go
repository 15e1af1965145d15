package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pomodex/pomodex/common"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return common.PreconditionErr("invalid request body")
	}

	user, err := s.auth.Register(req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"user_id": user.ID})
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return common.PreconditionErr("invalid request body")
	}

	pair, err := s.auth.Login(req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pair)
}

func (s *Server) handleRefresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return common.PreconditionErr("invalid request body")
	}

	pair, err := s.auth.Refresh(req.RefreshToken)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pair)
}
