package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pomodex/pomodex/common"
	"github.com/pomodex/pomodex/gcp"
	"github.com/pomodex/pomodex/sandbox"
	"github.com/pomodex/pomodex/snapshot"
	"github.com/pomodex/pomodex/storage"
)

// Config carries the orchestrator settings.
type Config struct {
	Bucket    string
	BaseImage string

	// StrictCleanup keeps the database row when external resource cleanup
	// fails during deletion, so the failure stays visible and retryable.
	StrictCleanup bool
}

// Orchestrator drives project lifecycle flows. Every externally visible
// operation is tenant scoped through the store.
type Orchestrator struct {
	store storage.Store
	boxes *sandbox.Manager
	iam   gcp.IAMManager
	snaps *snapshot.Manager
	cfg   Config
	log   *logrus.Entry
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(store storage.Store, boxes *sandbox.Manager, iam gcp.IAMManager, snaps *snapshot.Manager, cfg Config, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{store: store, boxes: boxes, iam: iam, snaps: snaps, cfg: cfg, log: log}
}

// Create provisions a new project: database row, service account, bucket
// grants, and the sandbox container. On failure the created external
// resources are compensated and the row is marked error.
func (o *Orchestrator) Create(ctx context.Context, userID, name string) (*storage.Project, error) {
	if name == "" {
		return nil, common.PreconditionErr("project name is required")
	}

	publicKey, privateKey, err := GenerateSSHKeyPair()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	project := &storage.Project{
		ID:            uuid.NewString(),
		UserID:        userID,
		Name:          name,
		Status:        storage.StatusCreating,
		SSHPublicKey:  publicKey,
		SSHPrivateKey: privateKey,
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	project.GCSPrefix = "projects/" + project.ID
	project.ContainerName = sandbox.ContainerName(project.ID)
	project.VolumeName = sandbox.VolumeName(project.ID)

	if err := o.store.CreateProject(project); err != nil {
		return nil, err
	}

	var (
		saEmail     string
		saKey       string
		containerID string
		hostPort    int
	)
	saga := NewSaga("project-create", o.log).
		AddStep(Step{
			Name: "service-account",
			Do: func(ctx context.Context) error {
				email, err := o.iam.CreateServiceAccount(ctx, project.ID)
				if err != nil {
					return err
				}
				saEmail = email
				return nil
			},
			Undo: func(ctx context.Context) error {
				return o.iam.DeleteServiceAccount(ctx, saEmail)
			},
		}).
		AddStep(Step{
			Name: "service-account-key",
			Do: func(ctx context.Context) error {
				key, err := o.iam.CreateSAKey(ctx, saEmail)
				if err != nil {
					return err
				}
				saKey = key
				return nil
			},
		}).
		AddStep(Step{
			Name: "bucket-iam",
			Do: func(ctx context.Context) error {
				return o.iam.GrantBucketIAM(ctx, saEmail, project.GCSPrefix)
			},
		}).
		AddStep(Step{
			Name: "sandbox",
			Do: func(ctx context.Context) error {
				id, port, err := o.boxes.CreateSandbox(ctx, project.ID, sandbox.ContainerSpec{
					Image:        o.cfg.BaseImage,
					Bucket:       o.cfg.Bucket,
					Prefix:       project.GCSPrefix,
					SAKey:        saKey,
					SSHPublicKey: publicKey,
				})
				if err != nil {
					return err
				}
				containerID, hostPort = id, port
				return nil
			},
			Undo: func(ctx context.Context) error {
				return o.boxes.CleanupProjectResources(ctx, project.ID)
			},
		})

	if err := saga.Run(ctx); err != nil {
		o.markError(project)
		return nil, common.BackendErr("project provisioning failed", err)
	}

	project.Status = storage.StatusRunning
	project.ContainerID = containerID
	project.SSHHostPort = hostPort
	project.GCPSAEmail = saEmail
	project.GCPSAKey = saKey
	if err := o.store.UpdateProject(project); err != nil {
		return nil, err
	}

	o.log.WithFields(logrus.Fields{
		"project_id": project.ID,
		"user_id":    userID,
		"ssh_port":   hostPort,
	}).Info("project created")
	return project, nil
}

// Stop snapshots a running project and removes its container. The volume
// and network stay in place for a later start.
func (o *Orchestrator) Stop(ctx context.Context, projectID, userID string) (*storage.Project, error) {
	project, err := o.store.GetProject(projectID, userID)
	if err != nil {
		return nil, err
	}
	return o.stopProject(ctx, project)
}

// Snapshot is the user-facing alias of Stop: the sandbox state cannot be
// captured consistently while the container keeps running.
func (o *Orchestrator) Snapshot(ctx context.Context, projectID, userID string) (*storage.Project, error) {
	return o.Stop(ctx, projectID, userID)
}

func (o *Orchestrator) stopProject(ctx context.Context, project *storage.Project) (*storage.Project, error) {
	if !storage.CanTransition(project.Status, storage.StatusSnapshotting) {
		return nil, common.PreconditionErr(fmt.Sprintf("cannot stop project in status %s", project.Status))
	}

	project.Status = storage.StatusSnapshotting
	if err := o.store.UpdateProject(project); err != nil {
		return nil, err
	}

	result, err := o.snaps.Snapshot(ctx, project.ID, project.GCSPrefix, project.GCPSAKey)
	if err != nil {
		o.markError(project)
		return nil, err
	}

	project.Status = storage.StatusStopped
	project.SnapshotImage = result.ImageRef
	project.LastSnapshotAt = &result.SnapshotAt
	project.LastBackupAt = &result.SnapshotAt
	project.ContainerID = ""
	project.SSHHostPort = 0
	if err := o.store.UpdateProject(project); err != nil {
		return nil, err
	}

	o.log.WithFields(logrus.Fields{
		"project_id": project.ID,
		"image":      result.ImageRef,
	}).Info("project stopped")
	return project, nil
}

// Start restores a stopped project: from its snapshot image when one
// exists, otherwise from the GCS backup on the base image. A fresh SSH
// host port is bound on every start.
func (o *Orchestrator) Start(ctx context.Context, projectID, userID string) (*storage.Project, error) {
	project, err := o.store.GetProject(projectID, userID)
	if err != nil {
		return nil, err
	}
	if !storage.CanTransition(project.Status, storage.StatusRestoring) {
		return nil, common.PreconditionErr(fmt.Sprintf("cannot start project in status %s", project.Status))
	}

	project.Status = storage.StatusRestoring
	if err := o.store.UpdateProject(project); err != nil {
		return nil, err
	}

	spec := sandbox.ContainerSpec{
		Bucket:       o.cfg.Bucket,
		Prefix:       project.GCSPrefix,
		SAKey:        project.GCPSAKey,
		SSHPublicKey: project.SSHPublicKey,
	}

	var (
		containerID string
		hostPort    int
	)
	if project.SnapshotImage != "" {
		containerID, hostPort, err = o.snaps.RestoreFromSnapshot(ctx, project.ID, project.SnapshotImage, spec, project.GCPSAKey)
	} else {
		containerID, hostPort, err = o.snaps.RestoreFromGCS(ctx, project.ID, spec)
	}
	if err != nil {
		o.markError(project)
		return nil, err
	}

	now := time.Now().UTC()
	project.Status = storage.StatusRunning
	project.ContainerID = containerID
	project.SSHHostPort = hostPort
	project.LastActiveAt = now
	if err := o.store.UpdateProject(project); err != nil {
		return nil, err
	}

	o.log.WithFields(logrus.Fields{
		"project_id": project.ID,
		"ssh_port":   hostPort,
	}).Info("project started")
	return project, nil
}

// Restore is the user-facing alias of Start.
func (o *Orchestrator) Restore(ctx context.Context, projectID, userID string) (*storage.Project, error) {
	return o.Start(ctx, projectID, userID)
}

// Delete removes a project and all its external resources. Deletion is
// allowed from every status. With StrictCleanup a cleanup failure marks
// the project error and keeps the row; otherwise the row is removed and
// leftover resources are logged.
func (o *Orchestrator) Delete(ctx context.Context, projectID, userID string) error {
	project, err := o.store.GetProject(projectID, userID)
	if err != nil {
		return err
	}

	project.Status = storage.StatusDeleting
	if err := o.store.UpdateProject(project); err != nil {
		return err
	}

	if err := o.boxes.DisconnectProxyFromNetwork(ctx, project.ID); err != nil {
		o.log.WithError(err).WithField("project_id", project.ID).Warn("proxy detach failed")
	}

	var firstErr error
	if err := o.boxes.CleanupProjectResources(ctx, project.ID); err != nil {
		firstErr = err
	}
	if project.GCPSAEmail != "" {
		if err := o.iam.DeleteServiceAccount(ctx, project.GCPSAEmail); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := o.snaps.DeleteSnapshotImages(ctx, project.ID); err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		if o.cfg.StrictCleanup {
			o.markError(project)
			return common.BackendErr("project cleanup failed", firstErr)
		}
		o.log.WithError(firstErr).WithField("project_id", project.ID).Warn("project cleanup incomplete")
	}

	if err := o.store.DeleteProject(project.ID); err != nil {
		return err
	}
	o.log.WithField("project_id", project.ID).Info("project deleted")
	return nil
}

func (o *Orchestrator) markError(project *storage.Project) {
	project.Status = storage.StatusError
	if err := o.store.UpdateProject(project); err != nil {
		o.log.WithError(err).WithField("project_id", project.ID).Error("status update to error failed")
	}
}
