// Package snapshot persists sandbox state: a final rclone sync, a docker
// commit pushed to Artifact Registry, and restoration from either a
// snapshot image or the GCS backup.
package snapshot

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/sirupsen/logrus"

	"github.com/pomodex/pomodex/common"
	"github.com/pomodex/pomodex/gcp"
	"github.com/pomodex/pomodex/sandbox"
)

// TagLayout is the timestamp tag format of snapshot images.
const TagLayout = "20060102-150405"

// registryUser authenticates Artifact Registry pushes with a raw SA key.
const registryUser = "_json_key"

// Result describes a completed snapshot.
type Result struct {
	ImageRef   string
	SnapshotAt time.Time
}

// Snapshot is one timestamp-tagged image in the registry.
type Snapshot struct {
	Tag       string    `json:"tag"`
	CreatedAt time.Time `json:"created_at"`
}

// Config carries the image locations.
type Config struct {
	Registry  string // Artifact Registry Docker path
	BaseImage string
	Bucket    string
}

// Manager runs snapshot and restore flows.
type Manager struct {
	cli      sandbox.DockerClient
	boxes    *sandbox.Manager
	registry gcp.RegistryClient
	cfg      Config
	log      *logrus.Entry
}

// NewManager creates a snapshot manager.
func NewManager(cli sandbox.DockerClient, boxes *sandbox.Manager, reg gcp.RegistryClient, cfg Config, log *logrus.Entry) *Manager {
	return &Manager{cli: cli, boxes: boxes, registry: reg, cfg: cfg, log: log}
}

// ImageRef returns the untagged registry reference for a project.
func (m *Manager) ImageRef(projectID string) string {
	return m.cfg.Registry + "/" + projectID
}

// ImageForProject picks the restore image: the snapshot if one exists,
// otherwise the base image.
func ImageForProject(snapshotImage, baseImage string) string {
	if snapshotImage != "" {
		return snapshotImage
	}
	return baseImage
}

// Snapshot captures a running sandbox: final rclone sync inside the
// container, commit tagged with timestamp and latest, push both tags,
// then stop and remove the container. The volume and network survive.
func (m *Manager) Snapshot(ctx context.Context, projectID, prefix, saKeyJSON string) (*Result, error) {
	containerName := sandbox.ContainerName(projectID)

	if err := m.finalSync(ctx, containerName, prefix); err != nil {
		// A failed sync is logged but does not abort: the committed image
		// still carries the full filesystem state.
		m.log.WithError(err).WithField("project_id", projectID).Warn("final rclone sync failed")
	}

	snapshotAt := time.Now().UTC()
	tag := snapshotAt.Format(TagLayout)
	ref := m.ImageRef(projectID)

	if _, err := m.cli.ContainerCommit(ctx, containerName, containertypes.CommitOptions{
		Reference: ref + ":" + tag,
	}); err != nil {
		return nil, common.BackendErr("container commit failed", err)
	}
	if err := m.cli.ImageTag(ctx, ref+":"+tag, ref+":latest"); err != nil {
		return nil, common.BackendErr("image tag failed", err)
	}

	auth, err := registryAuth(saKeyJSON)
	if err != nil {
		return nil, err
	}
	for _, t := range []string{tag, "latest"} {
		if err := m.push(ctx, ref+":"+t, auth); err != nil {
			return nil, err
		}
	}

	if err := m.boxes.StopContainer(ctx, projectID); err != nil {
		return nil, err
	}
	if err := m.boxes.DeleteContainer(ctx, projectID); err != nil {
		return nil, err
	}

	return &Result{ImageRef: ref + ":latest", SnapshotAt: snapshotAt}, nil
}

// RestoreFromSnapshot recreates the sandbox container from a snapshot
// image on the project's existing volume. The image is pulled with
// registry auth unless it is already local.
func (m *Manager) RestoreFromSnapshot(ctx context.Context, projectID, snapshotImage string, spec sandbox.ContainerSpec, saKeyJSON string) (string, int, error) {
	local, err := m.hasLocalImage(ctx, snapshotImage)
	if err != nil {
		return "", 0, err
	}
	if !local {
		auth, err := registryAuth(saKeyJSON)
		if err != nil {
			return "", 0, err
		}
		if err := m.pull(ctx, snapshotImage, auth); err != nil {
			return "", 0, err
		}
	}

	if err := m.boxes.EnsureNetwork(ctx, projectID); err != nil {
		return "", 0, err
	}
	if _, err := m.boxes.CreateVolume(ctx, projectID); err != nil {
		return "", 0, err
	}

	spec.Image = snapshotImage
	return m.boxes.RunSandbox(ctx, projectID, spec)
}

// RestoreFromGCS recreates the sandbox from the base image on a fresh
// volume; the container entrypoint restores the workspace from the GCS
// prefix on first boot.
func (m *Manager) RestoreFromGCS(ctx context.Context, projectID string, spec sandbox.ContainerSpec) (string, int, error) {
	if err := m.boxes.EnsureNetwork(ctx, projectID); err != nil {
		return "", 0, err
	}
	if _, err := m.boxes.CreateVolume(ctx, projectID); err != nil {
		return "", 0, err
	}

	spec.Image = m.cfg.BaseImage
	return m.boxes.RunSandbox(ctx, projectID, spec)
}

// ListSnapshots returns the project's timestamp tags, newest first. The
// latest tag and non-timestamp tags are skipped.
func (m *Manager) ListSnapshots(ctx context.Context, projectID string) ([]Snapshot, error) {
	tags, err := m.registry.ListTags(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var snapshots []Snapshot
	for _, tag := range tags {
		createdAt, err := time.Parse(TagLayout, tag)
		if err != nil {
			continue
		}
		snapshots = append(snapshots, Snapshot{Tag: tag, CreatedAt: createdAt.UTC()})
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// DeleteSnapshotImages removes the project's registry package with all
// tags and digests; local tags are removed best-effort.
func (m *Manager) DeleteSnapshotImages(ctx context.Context, projectID string) error {
	if err := m.registry.DeletePackage(ctx, projectID); err != nil {
		return err
	}

	ref := m.ImageRef(projectID)
	for _, t := range []string{"latest"} {
		if _, err := m.cli.ImageRemove(ctx, ref+":"+t, image.RemoveOptions{Force: true}); err != nil {
			m.log.WithError(err).WithField("image", ref+":"+t).Debug("local image remove skipped")
		}
	}
	return nil
}

// finalSync runs rclone inside the container to flush the workspace to
// GCS before committing.
func (m *Manager) finalSync(ctx context.Context, containerName, prefix string) error {
	cmd := []string{
		"rclone", "sync", "/home/agent",
		fmt.Sprintf(":gcs:%s/%s/workspace", m.cfg.Bucket, prefix),
		"--transfers=8", "--checksum",
		"--gcs-service-account-file=/tmp/gcs-key.json",
		"--gcs-bucket-policy-only",
	}

	exec, err := m.cli.ContainerExecCreate(ctx, containerName, containertypes.ExecOptions{
		User: "root",
		Cmd:  cmd,
	})
	if err != nil {
		return err
	}
	if err := m.cli.ContainerExecStart(ctx, exec.ID, containertypes.ExecStartOptions{Detach: true}); err != nil {
		return err
	}

	// Detached exec: poll until the process exits.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		info, err := m.cli.ContainerExecInspect(ctx, exec.ID)
		if err != nil {
			return err
		}
		if !info.Running {
			if info.ExitCode != 0 {
				return fmt.Errorf("rclone sync exited with code %d", info.ExitCode)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) hasLocalImage(ctx context.Context, ref string) (bool, error) {
	images, err := m.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, common.BackendErr("image list failed", err)
	}
	return len(images) > 0, nil
}

func (m *Manager) push(ctx context.Context, ref, auth string) error {
	m.log.WithField("image", ref).Info("pushing image")
	out, err := m.cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return common.BackendErr("image push failed", err)
	}
	defer out.Close()
	if err := scanStream(out); err != nil {
		return common.BackendErr(fmt.Sprintf("push failed for %s", ref), err)
	}
	return nil
}

func (m *Manager) pull(ctx context.Context, ref, auth string) error {
	m.log.WithField("image", ref).Info("pulling image")
	out, err := m.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: auth})
	if err != nil {
		return common.BackendErr("image pull failed", err)
	}
	defer out.Close()
	if err := scanStream(out); err != nil {
		return common.BackendErr(fmt.Sprintf("pull failed for %s", ref), err)
	}
	return nil
}

// registryAuth encodes the SA key as a Docker registry auth header.
func registryAuth(saKeyJSON string) (string, error) {
	buf, err := json.Marshal(registry.AuthConfig{
		Username: registryUser,
		Password: saKeyJSON,
	})
	if err != nil {
		return "", common.BackendErr("registry auth encode failed", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// scanStream reads a newline-delimited JSON progress stream and surfaces
// embedded daemon errors.
func scanStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return fmt.Errorf("%s", msg.Error)
		}
	}
	return scanner.Err()
}
