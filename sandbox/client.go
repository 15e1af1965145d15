// Package sandbox manages the Docker resources backing a project: a
// per-project bridge network, a named home volume, and the sandbox
// container itself.
package sandbox

import (
	"context"
	"io"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerClient defines the Docker operations used by the sandbox and
// snapshot managers. It abstracts the SDK client for dependency injection
// and testing with mock implementations.
type DockerClient interface {
	// Container operations
	ContainerInspect(ctx context.Context, containerID string) (containertypes.InspectResponse, error)
	ContainerCreate(
		ctx context.Context,
		config *containertypes.Config,
		hostConfig *containertypes.HostConfig,
		networkingConfig *networktypes.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
	ContainerCommit(ctx context.Context, containerID string, options containertypes.CommitOptions) (containertypes.CommitResponse, error)

	// Exec operations
	ContainerExecCreate(ctx context.Context, containerID string, options containertypes.ExecOptions) (containertypes.ExecCreateResponse, error)
	ContainerExecStart(ctx context.Context, execID string, options containertypes.ExecStartOptions) error
	ContainerExecInspect(ctx context.Context, execID string) (containertypes.ExecInspect, error)

	// Image operations
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImagePush(ctx context.Context, imageRef string, options image.PushOptions) (io.ReadCloser, error)
	ImageTag(ctx context.Context, source, target string) error
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)

	// Volume operations
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error

	// Network operations
	NetworkCreate(ctx context.Context, name string, options networktypes.CreateOptions) (networktypes.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	NetworkConnect(ctx context.Context, networkID, containerID string, config *networktypes.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error

	// Client lifecycle
	Close() error
}

// NewClient creates a Docker SDK client. An empty host uses the standard
// DOCKER_HOST environment resolution.
func NewClient(host string) (DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	return client.NewClientWithOpts(opts...)
}
