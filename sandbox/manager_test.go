package sandbox

import (
	"context"
	"errors"
	"io"
	"strconv"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomodex/pomodex/common"
)

const testProjectID = "11111111-2222-3333-4444-555555555555"

func testSpec() ContainerSpec {
	return ContainerSpec{
		Image:        "pomodex/sandbox:latest",
		Bucket:       "test-bucket",
		Prefix:       "projects/" + testProjectID,
		SAKey:        `{"type":"service_account"}`,
		SSHPublicKey: "ssh-ed25519 AAAA test",
	}
}

func newTestManager(t *testing.T, cli DockerClient) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewManager(cli, NewPortAllocator(43000, 43999), logrus.NewEntry(logger))
}

func TestDerivedNames(t *testing.T) {
	assert.Equal(t, "sandbox-abc", ContainerName("abc"))
	assert.Equal(t, "vol-abc", VolumeName("abc"))
	assert.Equal(t, "net-abc", NetworkName("abc"))
}

func TestCreateSandbox(t *testing.T) {
	cli := NewMockClient()
	mgr := newTestManager(t, cli)

	containerID, port, err := mgr.CreateSandbox(context.Background(), testProjectID, testSpec())
	require.NoError(t, err)
	assert.NotEmpty(t, containerID)
	assert.GreaterOrEqual(t, port, 43000)
	assert.LessOrEqual(t, port, 43999)

	assert.Equal(t, ContainerName(testProjectID), cli.LastContainerName)
	assert.Contains(t, cli.Networks, NetworkName(testProjectID))
	assert.Contains(t, cli.Volumes, VolumeName(testProjectID))

	cfg := cli.LastCreateConfig
	require.NotNil(t, cfg)
	assert.Equal(t, "pomodex/sandbox:latest", cfg.Image)
	assert.Contains(t, cfg.Env, "PROJECT_ID="+testProjectID)
	assert.Contains(t, cfg.Env, "GCS_BUCKET=test-bucket")
	assert.Contains(t, cfg.Env, "GCS_PREFIX=projects/"+testProjectID)
	assert.Contains(t, cfg.Env, `GCS_SA_KEY={"type":"service_account"}`)
	assert.Contains(t, cfg.Env, "SSH_PUBLIC_KEY=ssh-ed25519 AAAA test")

	// Only SSH is published; ttyd stays bridge-only.
	assert.Len(t, cfg.ExposedPorts, 1)
	_, hasSSH := cfg.ExposedPorts[nat.Port("22/tcp")]
	assert.True(t, hasSSH)

	host := cli.LastHostConfig
	require.NotNil(t, host)
	bindings := host.PortBindings[nat.Port("22/tcp")]
	require.Len(t, bindings, 1)
	assert.Equal(t, strconv.Itoa(port), bindings[0].HostPort)
	assert.Contains(t, host.CapAdd, "SYS_ADMIN")
	assert.Contains(t, host.SecurityOpt, "apparmor:unconfined")
	assert.EqualValues(t, 1<<30, host.Resources.Memory)
	assert.EqualValues(t, 1_000_000_000, host.Resources.NanoCPUs)
	require.Len(t, host.Resources.Devices, 1)
	assert.Equal(t, "/dev/fuse", host.Resources.Devices[0].PathOnHost)
	require.Len(t, host.Mounts, 1)
	assert.Equal(t, VolumeName(testProjectID), host.Mounts[0].Source)
	assert.Equal(t, "/home/agent", host.Mounts[0].Target)

	require.NotNil(t, cli.LastNetworkingConfig)
	assert.Contains(t, cli.LastNetworkingConfig.EndpointsConfig, NetworkName(testProjectID))
}

func TestCreateSandboxDuplicate(t *testing.T) {
	cli := NewMockClient()
	cli.AddRunningContainer(testProjectID, "172.18.0.2", nil)
	mgr := newTestManager(t, cli)

	_, _, err := mgr.CreateSandbox(context.Background(), testProjectID, testSpec())
	require.Error(t, err)
	assert.Equal(t, common.KindConflict, common.KindOf(err))
	// The guard fires before any resource is touched.
	assert.False(t, cli.NetworkCreateCalled)
	assert.False(t, cli.VolumeCreateCalled)
}

func TestCreateSandboxRollbackOnFailure(t *testing.T) {
	cli := NewMockClient()
	cli.StartErrs = []error{errors.New("oci runtime error")}
	mgr := newTestManager(t, cli)

	_, _, err := mgr.CreateSandbox(context.Background(), testProjectID, testSpec())
	require.Error(t, err)
	assert.Equal(t, common.KindBackend, common.KindOf(err))

	// Network and volume created on the way in were rolled back.
	assert.NotContains(t, cli.Networks, NetworkName(testProjectID))
	assert.NotContains(t, cli.Volumes, VolumeName(testProjectID))
	// The unstartable container was removed as well.
	assert.NotContains(t, cli.Containers, ContainerName(testProjectID))
}

func TestRunSandboxRetriesPortContention(t *testing.T) {
	portErr := errors.New("driver failed programming external connectivity: Bind for 0.0.0.0:43001 failed: port is already allocated")
	cli := NewMockClient()
	cli.StartErrs = []error{portErr, portErr, nil}
	mgr := newTestManager(t, cli)

	containerID, port, err := mgr.RunSandbox(context.Background(), testProjectID, testSpec())
	require.NoError(t, err)
	assert.NotEmpty(t, containerID)
	assert.NotZero(t, port)
	// The two failed attempts were cleaned up.
	assert.Len(t, cli.RemovedContainers, 2)
}

func TestRunSandboxPortContentionExhausted(t *testing.T) {
	portErr := errors.New("Bind failed: port is already allocated")
	cli := NewMockClient()
	cli.StartErrs = []error{portErr, portErr, portErr}
	mgr := newTestManager(t, cli)

	_, _, err := mgr.RunSandbox(context.Background(), testProjectID, testSpec())
	require.Error(t, err)
	assert.Equal(t, common.KindTransient, common.KindOf(err))
}

func TestStopContainerGraceful(t *testing.T) {
	cli := NewMockClient()
	cli.AddRunningContainer(testProjectID, "172.18.0.2", nil)
	mgr := newTestManager(t, cli)

	require.NoError(t, mgr.StopContainer(context.Background(), testProjectID))
	require.NotNil(t, cli.LastStopTimeout)
	assert.Equal(t, 30, *cli.LastStopTimeout)
}

func TestDeleteContainerIdempotent(t *testing.T) {
	cli := NewMockClient()
	mgr := newTestManager(t, cli)

	require.NoError(t, mgr.DeleteContainer(context.Background(), testProjectID))
	require.NoError(t, mgr.DeleteContainer(context.Background(), testProjectID))
}

func TestDeleteContainerKeepsVolumeAndNetwork(t *testing.T) {
	cli := NewMockClient()
	cli.AddRunningContainer(testProjectID, "172.18.0.2", nil)
	mgr := newTestManager(t, cli)

	require.NoError(t, mgr.DeleteContainer(context.Background(), testProjectID))
	assert.Contains(t, cli.Volumes, VolumeName(testProjectID))
	assert.Contains(t, cli.Networks, NetworkName(testProjectID))
}

func TestGetContainerIP(t *testing.T) {
	cli := NewMockClient()
	cli.AddRunningContainer(testProjectID, "172.18.0.2", nil)
	mgr := newTestManager(t, cli)

	ip, err := mgr.GetContainerIP(context.Background(), testProjectID)
	require.NoError(t, err)
	assert.Equal(t, "172.18.0.2", ip)
}

func TestGetContainerIPNotRunning(t *testing.T) {
	cli := NewMockClient()
	cli.AddRunningContainer(testProjectID, "172.18.0.2", nil)
	info := cli.Containers[ContainerName(testProjectID)]
	info.State.Running = false
	cli.Containers[ContainerName(testProjectID)] = info
	mgr := newTestManager(t, cli)

	_, err := mgr.GetContainerIP(context.Background(), testProjectID)
	require.Error(t, err)
	assert.Equal(t, common.KindPrecondition, common.KindOf(err))
}

func TestGetContainerIPMissingContainer(t *testing.T) {
	cli := NewMockClient()
	mgr := newTestManager(t, cli)

	_, err := mgr.GetContainerIP(context.Background(), testProjectID)
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestGetContainerIPDetachedFromNetwork(t *testing.T) {
	cli := NewMockClient()
	cli.AddRunningContainer(testProjectID, "172.18.0.2", nil)
	info := cli.Containers[ContainerName(testProjectID)]
	info.NetworkSettings.Networks = nil
	cli.Containers[ContainerName(testProjectID)] = info
	mgr := newTestManager(t, cli)

	_, err := mgr.GetContainerIP(context.Background(), testProjectID)
	require.Error(t, err)
	assert.Equal(t, common.KindBackend, common.KindOf(err))
}

func TestCleanupProjectResourcesIdempotent(t *testing.T) {
	cli := NewMockClient()
	cli.AddRunningContainer(testProjectID, "172.18.0.2", nil)
	mgr := newTestManager(t, cli)

	require.NoError(t, mgr.CleanupProjectResources(context.Background(), testProjectID))
	assert.NotContains(t, cli.Containers, ContainerName(testProjectID))
	assert.NotContains(t, cli.Volumes, VolumeName(testProjectID))
	assert.NotContains(t, cli.Networks, NetworkName(testProjectID))

	// Everything already gone; a second run still succeeds.
	require.NoError(t, mgr.CleanupProjectResources(context.Background(), testProjectID))
}

func TestEnsureNetworkIdempotent(t *testing.T) {
	cli := NewMockClient()
	mgr := newTestManager(t, cli)

	require.NoError(t, mgr.EnsureNetwork(context.Background(), testProjectID))
	require.NoError(t, mgr.EnsureNetwork(context.Background(), testProjectID))
	assert.Contains(t, cli.Networks, NetworkName(testProjectID))
}

func TestProxyNetworkAttachIdempotent(t *testing.T) {
	cli := NewMockClient()
	cli.AddRunningContainer(testProjectID, "172.18.0.2", nil)
	mgr := newTestManager(t, cli)
	ctx := context.Background()

	require.NoError(t, mgr.ConnectProxyToNetwork(ctx, testProjectID))
	require.NoError(t, mgr.ConnectProxyToNetwork(ctx, testProjectID))

	require.NoError(t, mgr.DisconnectProxyFromNetwork(ctx, testProjectID))
	require.NoError(t, mgr.DisconnectProxyFromNetwork(ctx, testProjectID))

	// Disconnecting after the network is gone is still fine.
	require.NoError(t, mgr.DeleteNetwork(ctx, testProjectID))
	require.NoError(t, mgr.DisconnectProxyFromNetwork(ctx, testProjectID))
}
