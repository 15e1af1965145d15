package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pomodex/pomodex/common"
	"github.com/pomodex/pomodex/storage"
)

type createProjectRequest struct {
	Name string `json:"name"`
}

// projectResponse is the list and lifecycle payload. Connection details
// are only present while the project is running.
type projectResponse struct {
	*storage.Project
	SSHHost     string `json:"ssh_host,omitempty"`
	TerminalURL string `json:"terminal_url,omitempty"`
}

// projectDetail additionally carries the private key so users can open
// an SSH session.
type projectDetail struct {
	projectResponse
	SSHPrivateKey string `json:"ssh_private_key"`
}

func (s *Server) toResponse(p *storage.Project) projectResponse {
	resp := projectResponse{Project: p}
	if p.Status == storage.StatusRunning {
		resp.SSHHost = s.terminal.HostIP
		resp.TerminalURL = s.terminalURL(p.ID)
	} else {
		// The stored port is stale outside running; a fresh one is bound
		// on every start.
		p.SSHHostPort = 0
	}
	return resp
}

func (s *Server) handleListProjects(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	projects, err := s.store.ListProjects(uid)
	if err != nil {
		return err
	}

	out := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, s.toResponse(p))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateProject(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return common.PreconditionErr("invalid request body")
	}

	project, err := s.orch.Create(c.Request().Context(), uid, req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, projectDetail{
		projectResponse: s.toResponse(project),
		SSHPrivateKey:   project.SSHPrivateKey,
	})
}

func (s *Server) handleGetProject(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	project, err := s.store.GetProject(c.Param("id"), uid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, projectDetail{
		projectResponse: s.toResponse(project),
		SSHPrivateKey:   project.SSHPrivateKey,
	})
}

func (s *Server) handleStopProject(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	project, err := s.orch.Stop(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.toResponse(project))
}

func (s *Server) handleStartProject(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	project, err := s.orch.Start(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.toResponse(project))
}

func (s *Server) handleSnapshotProject(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	project, err := s.orch.Snapshot(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.toResponse(project))
}

func (s *Server) handleRestoreProject(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	project, err := s.orch.Restore(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.toResponse(project))
}

func (s *Server) handleDeleteProject(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	if err := s.orch.Delete(c.Request().Context(), c.Param("id"), uid); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"project_id": c.Param("id"),
		"status":     "deleted",
	})
}

func (s *Server) handleListSnapshots(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	project, err := s.store.GetProject(c.Param("id"), uid)
	if err != nil {
		return err
	}

	snapshots, err := s.snaps.ListSnapshots(c.Request().Context(), project.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"project_id": project.ID,
		"snapshots":  snapshots,
	})
}

type backupStatusResponse struct {
	ProjectID      string     `json:"project_id"`
	GCSPrefix      string     `json:"gcs_prefix"`
	SnapshotImage  string     `json:"snapshot_image"`
	LastSnapshotAt *time.Time `json:"last_snapshot_at"`
	LastBackupAt   *time.Time `json:"last_backup_at"`
}

// handleBackupStatus merges the stored backup timestamp with the live
// newest-object time from the bucket. The live value wins when newer.
func (s *Server) handleBackupStatus(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	project, err := s.store.GetProject(c.Param("id"), uid)
	if err != nil {
		return err
	}

	lastBackup := project.LastBackupAt
	if live, err := s.iam.LastBackupObject(c.Request().Context(), project.GCSPrefix); err != nil {
		s.log.WithError(err).WithField("project_id", project.ID).Warn("live backup lookup failed")
	} else if live != nil && (lastBackup == nil || live.After(*lastBackup)) {
		lastBackup = live
	}

	return c.JSON(http.StatusOK, backupStatusResponse{
		ProjectID:      project.ID,
		GCSPrefix:      project.GCSPrefix,
		SnapshotImage:  project.SnapshotImage,
		LastSnapshotAt: project.LastSnapshotAt,
		LastBackupAt:   lastBackup,
	})
}
