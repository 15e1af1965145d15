package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// notFoundErr mimics the daemon's not-found errors.
type notFoundErr struct{ msg string }

func (e notFoundErr) Error() string { return e.msg }
func (e notFoundErr) NotFound()     {}

// NewNotFoundErr returns an error the manager treats as a Docker
// not-found response.
func NewNotFoundErr(what string) error {
	return notFoundErr{msg: "no such " + what}
}

// MockClient is an in-memory DockerClient for testing. State maps hold
// the simulated daemon state; Err fields inject failures; Called booleans
// and Last fields record interactions.
type MockClient struct {
	mu sync.Mutex

	// Simulated daemon state
	Containers map[string]containertypes.InspectResponse // by name
	Volumes    map[string]volume.Volume                  // by name
	Networks   map[string]string                         // name -> ID
	Images     map[string]bool                           // local image presence

	// Error injection
	InspectErr           error
	CreateErr            error
	StartErrs            []error // popped per ContainerStart call
	StopErr              error
	RemoveErr            error
	CommitErr            error
	ExecErr              error
	VolumeCreateErr      error
	VolumeRemoveErr      error
	NetworkCreateErr     error
	NetworkRemoveErr     error
	NetworkConnectErr    error
	NetworkDisconnectErr error
	PullErr              error
	PushErr              error

	// Exec behavior
	ExecExitCode int

	// Push stream body; defaults to a success line
	PushBody string

	// Call tracking
	ContainerCreateCalled bool
	ContainerStartCalled  bool
	ContainerStopCalled   bool
	ContainerRemoveCalled bool
	ContainerCommitCalled bool
	ExecCalled            bool
	VolumeCreateCalled    bool
	VolumeRemoveCalled    bool
	NetworkCreateCalled   bool
	NetworkRemoveCalled   bool
	ImagePullCalled       bool
	ImagePushCalled       bool

	LastContainerName    string
	LastContainerID      string
	LastStopTimeout      *int
	LastCreateConfig     *containertypes.Config
	LastHostConfig       *containertypes.HostConfig
	LastNetworkingConfig *networktypes.NetworkingConfig
	LastExecCmd          []string
	LastCommitRef        string

	RemovedContainers  []string
	RemovedVolumes     []string
	RemovedNetworks    []string
	ConnectedProxy     []string // network names the proxy was connected to
	DisconnectedProxy  []string
	PulledImages       []string
	PushedImages       []string
	TaggedImages       []string // "source -> target"
	RemovedImages      []string
	startCallCount     int
	CreatedContainerID string
}

// NewMockClient creates an empty mock client.
func NewMockClient() *MockClient {
	return &MockClient{
		Containers: make(map[string]containertypes.InspectResponse),
		Volumes:    make(map[string]volume.Volume),
		Networks:   make(map[string]string),
		Images:     make(map[string]bool),
	}
}

// AddRunningContainer registers a running container attached to the
// project network with the given bridge IP.
func (m *MockClient) AddRunningContainer(projectID, ip string, env []string) {
	name := ContainerName(projectID)
	m.Containers[name] = containertypes.InspectResponse{
		ContainerJSONBase: &containertypes.ContainerJSONBase{
			ID:    "container-" + projectID,
			Name:  "/" + name,
			State: &containertypes.State{Running: true},
		},
		Config: &containertypes.Config{Env: env},
		NetworkSettings: &containertypes.NetworkSettings{
			Networks: map[string]*networktypes.EndpointSettings{
				NetworkName(projectID): {IPAddress: ip},
			},
		},
	}
	m.Networks[NetworkName(projectID)] = "netid-" + projectID
	m.Volumes[VolumeName(projectID)] = volume.Volume{Name: VolumeName(projectID)}
}

func (m *MockClient) ContainerInspect(ctx context.Context, containerID string) (containertypes.InspectResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InspectErr != nil {
		return containertypes.InspectResponse{}, m.InspectErr
	}
	if info, ok := m.Containers[containerID]; ok {
		return info, nil
	}
	return containertypes.InspectResponse{}, NewNotFoundErr("container: " + containerID)
}

func (m *MockClient) ContainerCreate(
	ctx context.Context,
	config *containertypes.Config,
	hostConfig *containertypes.HostConfig,
	networkingConfig *networktypes.NetworkingConfig,
	platform *ocispec.Platform,
	containerName string,
) (containertypes.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContainerCreateCalled = true
	m.LastContainerName = containerName
	m.LastCreateConfig = config
	m.LastHostConfig = hostConfig
	m.LastNetworkingConfig = networkingConfig
	if m.CreateErr != nil {
		return containertypes.CreateResponse{}, m.CreateErr
	}
	id := "mock-id-" + containerName
	m.CreatedContainerID = id
	m.Containers[containerName] = containertypes.InspectResponse{
		ContainerJSONBase: &containertypes.ContainerJSONBase{
			ID:    id,
			Name:  "/" + containerName,
			State: &containertypes.State{Running: false},
		},
		Config: config,
	}
	return containertypes.CreateResponse{ID: id}, nil
}

func (m *MockClient) ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContainerStartCalled = true
	m.LastContainerID = containerID
	if m.startCallCount < len(m.StartErrs) {
		err := m.StartErrs[m.startCallCount]
		m.startCallCount++
		if err != nil {
			return err
		}
	}
	for name, info := range m.Containers {
		if info.ID == containerID || name == containerID {
			info.State.Running = true
			m.Containers[name] = info
		}
	}
	return nil
}

func (m *MockClient) ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContainerStopCalled = true
	m.LastContainerID = containerID
	m.LastStopTimeout = options.Timeout
	if m.StopErr != nil {
		return m.StopErr
	}
	info, ok := m.Containers[containerID]
	if !ok {
		return NewNotFoundErr("container: " + containerID)
	}
	info.State.Running = false
	m.Containers[containerID] = info
	return nil
}

func (m *MockClient) ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContainerRemoveCalled = true
	m.RemovedContainers = append(m.RemovedContainers, containerID)
	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	if _, ok := m.Containers[containerID]; ok {
		delete(m.Containers, containerID)
		return nil
	}
	for name, info := range m.Containers {
		if info.ID == containerID {
			delete(m.Containers, name)
			return nil
		}
	}
	return NewNotFoundErr("container: " + containerID)
}

func (m *MockClient) ContainerCommit(ctx context.Context, containerID string, options containertypes.CommitOptions) (containertypes.CommitResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContainerCommitCalled = true
	m.LastCommitRef = options.Reference
	if m.CommitErr != nil {
		return containertypes.CommitResponse{}, m.CommitErr
	}
	m.Images[options.Reference] = true
	return containertypes.CommitResponse{ID: "sha256:mockcommit"}, nil
}

func (m *MockClient) ContainerExecCreate(ctx context.Context, containerID string, options containertypes.ExecOptions) (containertypes.ExecCreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExecCalled = true
	m.LastExecCmd = options.Cmd
	if m.ExecErr != nil {
		return containertypes.ExecCreateResponse{}, m.ExecErr
	}
	return containertypes.ExecCreateResponse{ID: "mock-exec-id"}, nil
}

func (m *MockClient) ContainerExecStart(ctx context.Context, execID string, options containertypes.ExecStartOptions) error {
	return m.ExecErr
}

func (m *MockClient) ContainerExecInspect(ctx context.Context, execID string) (containertypes.ExecInspect, error) {
	if m.ExecErr != nil {
		return containertypes.ExecInspect{}, m.ExecErr
	}
	return containertypes.ExecInspect{ExitCode: m.ExecExitCode, Running: false}, nil
}

func (m *MockClient) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []image.Summary
	refs := options.Filters.Get("reference")
	for ref := range m.Images {
		if len(refs) == 0 {
			out = append(out, image.Summary{RepoTags: []string{ref}})
			continue
		}
		for _, want := range refs {
			if ref == want {
				out = append(out, image.Summary{RepoTags: []string{ref}})
			}
		}
	}
	return out, nil
}

func (m *MockClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ImagePullCalled = true
	m.PulledImages = append(m.PulledImages, refStr)
	if m.PullErr != nil {
		return nil, m.PullErr
	}
	m.Images[refStr] = true
	return io.NopCloser(strings.NewReader(`{"status":"Pull complete"}`)), nil
}

func (m *MockClient) ImagePush(ctx context.Context, imageRef string, options image.PushOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ImagePushCalled = true
	m.PushedImages = append(m.PushedImages, imageRef)
	if m.PushErr != nil {
		return nil, m.PushErr
	}
	body := m.PushBody
	if body == "" {
		body = `{"status":"Pushed"}` + "\n" + `{"status":"latest: digest: sha256:abc size: 1"}`
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (m *MockClient) ImageTag(ctx context.Context, source, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TaggedImages = append(m.TaggedImages, source+" -> "+target)
	m.Images[target] = true
	return nil
}

func (m *MockClient) ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemovedImages = append(m.RemovedImages, imageID)
	if !m.Images[imageID] {
		return nil, NewNotFoundErr("image: " + imageID)
	}
	delete(m.Images, imageID)
	return []image.DeleteResponse{{Deleted: imageID}}, nil
}

func (m *MockClient) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.VolumeCreateCalled = true
	if m.VolumeCreateErr != nil {
		return volume.Volume{}, m.VolumeCreateErr
	}
	vol := volume.Volume{
		Name:       options.Name,
		Driver:     "local",
		Mountpoint: "/var/lib/docker/volumes/" + options.Name + "/_data",
	}
	m.Volumes[options.Name] = vol
	return vol, nil
}

func (m *MockClient) VolumeRemove(ctx context.Context, volumeID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.VolumeRemoveCalled = true
	m.RemovedVolumes = append(m.RemovedVolumes, volumeID)
	if m.VolumeRemoveErr != nil {
		return m.VolumeRemoveErr
	}
	if _, ok := m.Volumes[volumeID]; !ok {
		return NewNotFoundErr("volume: " + volumeID)
	}
	delete(m.Volumes, volumeID)
	return nil
}

func (m *MockClient) NetworkCreate(ctx context.Context, name string, options networktypes.CreateOptions) (networktypes.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NetworkCreateCalled = true
	if m.NetworkCreateErr != nil {
		return networktypes.CreateResponse{}, m.NetworkCreateErr
	}
	if _, ok := m.Networks[name]; ok {
		return networktypes.CreateResponse{}, fmt.Errorf("network with name %s already exists", name)
	}
	id := "netid-" + name
	m.Networks[name] = id
	return networktypes.CreateResponse{ID: id}, nil
}

func (m *MockClient) NetworkRemove(ctx context.Context, networkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NetworkRemoveCalled = true
	m.RemovedNetworks = append(m.RemovedNetworks, networkID)
	if m.NetworkRemoveErr != nil {
		return m.NetworkRemoveErr
	}
	if _, ok := m.Networks[networkID]; !ok {
		return NewNotFoundErr("network: " + networkID)
	}
	delete(m.Networks, networkID)
	return nil
}

func (m *MockClient) NetworkConnect(ctx context.Context, networkID, containerID string, config *networktypes.EndpointSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NetworkConnectErr != nil {
		return m.NetworkConnectErr
	}
	if _, ok := m.Networks[networkID]; !ok {
		return NewNotFoundErr("network: " + networkID)
	}
	for _, n := range m.ConnectedProxy {
		if n == networkID {
			return fmt.Errorf("endpoint with name %s already exists in network %s", containerID, networkID)
		}
	}
	m.ConnectedProxy = append(m.ConnectedProxy, networkID)
	return nil
}

func (m *MockClient) NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NetworkDisconnectErr != nil {
		return m.NetworkDisconnectErr
	}
	if _, ok := m.Networks[networkID]; !ok {
		return NewNotFoundErr("network: " + networkID)
	}
	for i, n := range m.ConnectedProxy {
		if n == networkID {
			m.ConnectedProxy = append(m.ConnectedProxy[:i], m.ConnectedProxy[i+1:]...)
			m.DisconnectedProxy = append(m.DisconnectedProxy, networkID)
			return nil
		}
	}
	return fmt.Errorf("container %s is not connected to network %s", containerID, networkID)
}

func (m *MockClient) Close() error {
	return nil
}
