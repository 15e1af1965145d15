package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"github.com/pomodex/pomodex/common"
)

const (
	// MaxPortRetries bounds reattempts when the daemon loses the race for
	// a probed host port.
	MaxPortRetries = 3

	// StopTimeoutSeconds is the graceful stop window before SIGKILL.
	StopTimeoutSeconds = 30

	homeMountPath = "/home/agent"
	sshPort       = "22/tcp"

	memLimitBytes = 1 << 30 // 1 GiB
	nanoCPUs      = 1_000_000_000
)

// ContainerSpec carries the sandbox environment contract for container
// creation.
type ContainerSpec struct {
	Image        string
	Bucket       string
	Prefix       string
	SAKey        string
	SSHPublicKey string
}

// Manager owns the Docker resources of sandbox projects.
type Manager struct {
	cli   DockerClient
	ports *PortAllocator
	log   *logrus.Entry
}

// NewManager creates a sandbox manager.
func NewManager(cli DockerClient, ports *PortAllocator, log *logrus.Entry) *Manager {
	return &Manager{cli: cli, ports: ports, log: log}
}

// CreateNetwork creates the per-project bridge network with IPv6 disabled.
// Returns the network name.
func (m *Manager) CreateNetwork(ctx context.Context, projectID string) (string, error) {
	name := NetworkName(projectID)
	ipv6 := false
	_, err := m.cli.NetworkCreate(ctx, name, networktypes.CreateOptions{
		Driver:     "bridge",
		EnableIPv6: &ipv6,
	})
	if err != nil {
		return "", common.BackendErr("network create failed", err)
	}
	return name, nil
}

// EnsureNetwork creates the project network if it does not exist yet.
func (m *Manager) EnsureNetwork(ctx context.Context, projectID string) error {
	_, err := m.CreateNetwork(ctx, projectID)
	if err != nil && isAlreadyExists(err) {
		return nil
	}
	return err
}

// DeleteNetwork removes the project network. Idempotent.
func (m *Manager) DeleteNetwork(ctx context.Context, projectID string) error {
	if err := m.cli.NetworkRemove(ctx, NetworkName(projectID)); err != nil && !isNotFound(err) {
		return common.BackendErr("network remove failed", err)
	}
	return nil
}

// CreateVolume creates the project home volume. Creating an existing
// volume is a no-op on the daemon side. Returns the volume name.
func (m *Manager) CreateVolume(ctx context.Context, projectID string) (string, error) {
	name := VolumeName(projectID)
	if _, err := m.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return "", common.BackendErr("volume create failed", err)
	}
	return name, nil
}

// DeleteVolume removes the project home volume. Idempotent.
func (m *Manager) DeleteVolume(ctx context.Context, projectID string) error {
	if err := m.cli.VolumeRemove(ctx, VolumeName(projectID), true); err != nil && !isNotFound(err) {
		return common.BackendErr("volume remove failed", err)
	}
	return nil
}

// CreateSandbox provisions everything for a new project: network, volume,
// and the container. On failure the network and volume created here are
// rolled back. Returns the container ID and the bound SSH host port.
func (m *Manager) CreateSandbox(ctx context.Context, projectID string, spec ContainerSpec) (string, int, error) {
	name := ContainerName(projectID)
	if _, err := m.cli.ContainerInspect(ctx, name); err == nil {
		return "", 0, common.ConflictErr(fmt.Sprintf("container %s already exists", name))
	} else if !isNotFound(err) {
		return "", 0, common.BackendErr("container inspect failed", err)
	}

	if _, err := m.CreateNetwork(ctx, projectID); err != nil {
		return "", 0, err
	}
	if _, err := m.CreateVolume(ctx, projectID); err != nil {
		if derr := m.DeleteNetwork(ctx, projectID); derr != nil {
			m.log.WithError(derr).Warn("network rollback failed")
		}
		return "", 0, err
	}

	containerID, port, err := m.RunSandbox(ctx, projectID, spec)
	if err != nil {
		if derr := m.DeleteVolume(ctx, projectID); derr != nil {
			m.log.WithError(derr).Warn("volume rollback failed")
		}
		if derr := m.DeleteNetwork(ctx, projectID); derr != nil {
			m.log.WithError(derr).Warn("network rollback failed")
		}
		return "", 0, err
	}
	return containerID, port, nil
}

// RunSandbox creates and starts the sandbox container on the project's
// existing network and volume. The host port race is retried up to
// MaxPortRetries times when the daemon reports the port taken.
func (m *Manager) RunSandbox(ctx context.Context, projectID string, spec ContainerSpec) (string, int, error) {
	var lastErr error
	for attempt := 0; attempt < MaxPortRetries; attempt++ {
		port, err := m.ports.Allocate()
		if err != nil {
			return "", 0, err
		}

		containerID, err := m.runOnce(ctx, projectID, spec, port)
		if err == nil {
			return containerID, port, nil
		}
		if !isPortAllocated(err) {
			return "", 0, common.BackendErr("container create failed", err)
		}

		m.log.WithFields(logrus.Fields{
			"project_id": projectID,
			"port":       port,
			"attempt":    attempt + 1,
		}).Warn("host port taken, retrying")
		lastErr = err
	}
	return "", 0, common.TransientErr("host port contention", lastErr)
}

func (m *Manager) runOnce(ctx context.Context, projectID string, spec ContainerSpec, port int) (string, error) {
	name := ContainerName(projectID)
	netName := NetworkName(projectID)

	config := &containertypes.Config{
		Image: spec.Image,
		Env: []string{
			"PROJECT_ID=" + projectID,
			"GCS_BUCKET=" + spec.Bucket,
			"GCS_PREFIX=" + spec.Prefix,
			"GCS_SA_KEY=" + spec.SAKey,
			"SSH_PUBLIC_KEY=" + spec.SSHPublicKey,
		},
		ExposedPorts: nat.PortSet{sshPort: struct{}{}},
	}

	hostConfig := &containertypes.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: VolumeName(projectID),
			Target: homeMountPath,
		}},
		PortBindings: nat.PortMap{
			sshPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(port)}},
		},
		CapAdd:      strslice.StrSlice{"SYS_ADMIN"},
		SecurityOpt: []string{"apparmor:unconfined"},
		Resources: containertypes.Resources{
			Memory:   memLimitBytes,
			NanoCPUs: nanoCPUs,
			Devices: []containertypes.DeviceMapping{{
				PathOnHost:        "/dev/fuse",
				PathInContainer:   "/dev/fuse",
				CgroupPermissions: "rwm",
			}},
		},
	}

	networkingConfig := &networktypes.NetworkingConfig{
		EndpointsConfig: map[string]*networktypes.EndpointSettings{
			netName: {},
		},
	}

	created, err := m.cli.ContainerCreate(ctx, config, hostConfig, networkingConfig, nil, name)
	if err != nil {
		return "", err
	}

	if err := m.cli.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		if rerr := m.cli.ContainerRemove(ctx, created.ID, containertypes.RemoveOptions{Force: true}); rerr != nil {
			m.log.WithError(rerr).Warn("cleanup of unstartable container failed")
		}
		return "", err
	}
	return created.ID, nil
}

// StartContainer starts a stopped sandbox container.
func (m *Manager) StartContainer(ctx context.Context, projectID string) error {
	name := ContainerName(projectID)
	if err := m.cli.ContainerStart(ctx, name, containertypes.StartOptions{}); err != nil {
		if isNotFound(err) {
			return common.NotFoundErr("container not found")
		}
		return common.BackendErr("container start failed", err)
	}
	return nil
}

// StopContainer gracefully stops the sandbox container, waiting up to
// StopTimeoutSeconds before SIGKILL.
func (m *Manager) StopContainer(ctx context.Context, projectID string) error {
	name := ContainerName(projectID)
	timeout := StopTimeoutSeconds
	if err := m.cli.ContainerStop(ctx, name, containertypes.StopOptions{Timeout: &timeout}); err != nil {
		if isNotFound(err) {
			return common.NotFoundErr("container not found")
		}
		return common.BackendErr("container stop failed", err)
	}
	return nil
}

// DeleteContainer force removes the sandbox container. The volume and
// network are left in place. Idempotent.
func (m *Manager) DeleteContainer(ctx context.Context, projectID string) error {
	name := ContainerName(projectID)
	err := m.cli.ContainerRemove(ctx, name, containertypes.RemoveOptions{Force: true})
	if err != nil && !isNotFound(err) {
		return common.BackendErr("container remove failed", err)
	}
	return nil
}

// GetContainerIP returns the sandbox container's address on the project
// bridge network. The container must be running and attached.
func (m *Manager) GetContainerIP(ctx context.Context, projectID string) (string, error) {
	name := ContainerName(projectID)
	info, err := m.cli.ContainerInspect(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return "", common.NotFoundErr("container not found")
		}
		return "", common.BackendErr("container inspect failed", err)
	}

	if info.State == nil || !info.State.Running {
		return "", common.PreconditionErr("container is not running")
	}

	netName := NetworkName(projectID)
	if info.NetworkSettings == nil {
		return "", common.BackendErr("container has no network settings", nil)
	}
	endpoint, ok := info.NetworkSettings.Networks[netName]
	if !ok {
		return "", common.BackendErr(fmt.Sprintf("container not connected to %s", netName), nil)
	}
	if endpoint.IPAddress == "" {
		return "", common.BackendErr("container has no address yet", nil)
	}
	return endpoint.IPAddress, nil
}

// ConnectProxyToNetwork attaches the terminal proxy container to the
// project network so it can dial ttyd over the bridge. Idempotent.
func (m *Manager) ConnectProxyToNetwork(ctx context.Context, projectID string) error {
	err := m.cli.NetworkConnect(ctx, NetworkName(projectID), ProxyContainerName, nil)
	if err != nil && !isAlreadyExists(err) {
		return common.BackendErr("proxy network connect failed", err)
	}
	return nil
}

// DisconnectProxyFromNetwork detaches the terminal proxy from the project
// network. Idempotent, including when the network is already gone.
func (m *Manager) DisconnectProxyFromNetwork(ctx context.Context, projectID string) error {
	err := m.cli.NetworkDisconnect(ctx, NetworkName(projectID), ProxyContainerName, false)
	if err != nil && !isNotFound(err) && !isNotConnected(err) {
		return common.BackendErr("proxy network disconnect failed", err)
	}
	return nil
}

// CleanupProjectResources removes the container, volume, and network of a
// project in that order. Every step is idempotent; the first failure is
// reported after all steps ran.
func (m *Manager) CleanupProjectResources(ctx context.Context, projectID string) error {
	var firstErr error
	if err := m.DeleteContainer(ctx, projectID); err != nil {
		firstErr = err
	}
	if err := m.DeleteVolume(ctx, projectID); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.DeleteNetwork(ctx, projectID); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if client.IsErrNotFound(err) {
		return true
	}
	var nf interface{ NotFound() }
	if errors.As(err, &nf) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such") || strings.Contains(msg, "not found")
}

func isPortAllocated(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "port is already allocated")
}

func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func isNotConnected(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "is not connected")
}
