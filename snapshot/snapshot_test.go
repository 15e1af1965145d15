package snapshot

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomodex/pomodex/common"
	"github.com/pomodex/pomodex/gcp"
	"github.com/pomodex/pomodex/sandbox"
)

const testProjectID = "aaaa1111-2222-3333-4444-555555555555"

func newTestManager(t *testing.T) (*Manager, *sandbox.MockClient, *gcp.MockRegistry) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	entry := logrus.NewEntry(logger)

	cli := sandbox.NewMockClient()
	boxes := sandbox.NewManager(cli, sandbox.NewPortAllocator(44000, 44999), entry)
	reg := gcp.NewMockRegistry()
	mgr := NewManager(cli, boxes, reg, Config{
		Registry:  "europe-west1-docker.pkg.dev/my-project/sandboxes",
		BaseImage: "pomodex/sandbox:latest",
		Bucket:    "my-bucket",
	}, entry)
	return mgr, cli, reg
}

func TestImageForProject(t *testing.T) {
	assert.Equal(t, "reg/p:latest", ImageForProject("reg/p:latest", "base:latest"))
	assert.Equal(t, "base:latest", ImageForProject("", "base:latest"))
}

func TestSnapshot(t *testing.T) {
	mgr, cli, _ := newTestManager(t)
	cli.AddRunningContainer(testProjectID, "172.18.0.2", nil)

	result, err := mgr.Snapshot(context.Background(), testProjectID, "projects/"+testProjectID, `{"key":1}`)
	require.NoError(t, err)

	ref := "europe-west1-docker.pkg.dev/my-project/sandboxes/" + testProjectID
	assert.Equal(t, ref+":latest", result.ImageRef)
	assert.WithinDuration(t, time.Now().UTC(), result.SnapshotAt, time.Minute)

	// The final sync ran inside the container as root, against the prefix.
	assert.True(t, cli.ExecCalled)
	require.NotEmpty(t, cli.LastExecCmd)
	assert.Equal(t, "rclone", cli.LastExecCmd[0])
	assert.Contains(t, cli.LastExecCmd, ":gcs:my-bucket/projects/"+testProjectID+"/workspace")

	// Commit tagged with a timestamp, then latest.
	assert.True(t, cli.ContainerCommitCalled)
	tag := strings.TrimPrefix(cli.LastCommitRef, ref+":")
	_, perr := time.Parse(TagLayout, tag)
	assert.NoError(t, perr)
	require.Len(t, cli.TaggedImages, 1)
	assert.Equal(t, cli.LastCommitRef+" -> "+ref+":latest", cli.TaggedImages[0])

	// Both tags pushed; container stopped gracefully and removed.
	assert.Equal(t, []string{cli.LastCommitRef, ref + ":latest"}, cli.PushedImages)
	require.NotNil(t, cli.LastStopTimeout)
	assert.Equal(t, 30, *cli.LastStopTimeout)
	assert.NotContains(t, cli.Containers, sandbox.ContainerName(testProjectID))

	// The volume and network are preserved for restore.
	assert.Contains(t, cli.Volumes, sandbox.VolumeName(testProjectID))
	assert.Contains(t, cli.Networks, sandbox.NetworkName(testProjectID))
}

func TestSnapshotPushFailure(t *testing.T) {
	mgr, cli, _ := newTestManager(t)
	cli.AddRunningContainer(testProjectID, "172.18.0.2", nil)
	cli.PushBody = `{"status":"Pushing"}` + "\n" + `{"error":"denied: permission denied"}`

	_, err := mgr.Snapshot(context.Background(), testProjectID, "p", `{}`)
	require.Error(t, err)
	assert.Equal(t, common.KindBackend, common.KindOf(err))
	assert.Contains(t, err.Error(), "denied")

	// The container keeps running when the push fails.
	assert.Contains(t, cli.Containers, sandbox.ContainerName(testProjectID))
}

func TestSnapshotSyncFailureDoesNotAbort(t *testing.T) {
	mgr, cli, _ := newTestManager(t)
	cli.AddRunningContainer(testProjectID, "172.18.0.2", nil)
	cli.ExecExitCode = 1

	_, err := mgr.Snapshot(context.Background(), testProjectID, "p", `{}`)
	require.NoError(t, err)
	assert.True(t, cli.ContainerCommitCalled)
}

func TestRestoreFromSnapshotPullsWhenNotLocal(t *testing.T) {
	mgr, cli, _ := newTestManager(t)
	cli.AddRunningContainer(testProjectID, "172.18.0.2", nil)
	require.NoError(t, mgr.boxes.DeleteContainer(context.Background(), testProjectID))

	ref := mgr.ImageRef(testProjectID) + ":latest"
	spec := sandbox.ContainerSpec{Bucket: "my-bucket", Prefix: "p", SAKey: `{}`, SSHPublicKey: "pk"}

	containerID, port, err := mgr.RestoreFromSnapshot(context.Background(), testProjectID, ref, spec, `{}`)
	require.NoError(t, err)
	assert.NotEmpty(t, containerID)
	assert.NotZero(t, port)
	assert.Equal(t, []string{ref}, cli.PulledImages)
	assert.Equal(t, ref, cli.LastCreateConfig.Image)
}

func TestRestoreFromSnapshotUsesLocalImage(t *testing.T) {
	mgr, cli, _ := newTestManager(t)
	ref := mgr.ImageRef(testProjectID) + ":latest"
	cli.Images[ref] = true

	spec := sandbox.ContainerSpec{Bucket: "my-bucket", Prefix: "p", SAKey: `{}`, SSHPublicKey: "pk"}
	_, _, err := mgr.RestoreFromSnapshot(context.Background(), testProjectID, ref, spec, `{}`)
	require.NoError(t, err)
	assert.Empty(t, cli.PulledImages)
}

func TestRestoreFromGCSUsesBaseImage(t *testing.T) {
	mgr, cli, _ := newTestManager(t)

	spec := sandbox.ContainerSpec{Bucket: "my-bucket", Prefix: "p", SAKey: `{}`, SSHPublicKey: "pk"}
	_, _, err := mgr.RestoreFromGCS(context.Background(), testProjectID, spec)
	require.NoError(t, err)

	assert.Equal(t, "pomodex/sandbox:latest", cli.LastCreateConfig.Image)
	assert.Contains(t, cli.Volumes, sandbox.VolumeName(testProjectID))
	assert.Contains(t, cli.Networks, sandbox.NetworkName(testProjectID))
}

func TestListSnapshots(t *testing.T) {
	mgr, _, reg := newTestManager(t)
	reg.Tags[testProjectID] = []string{"20250101-120000", "latest", "20250301-080000", "garbage"}

	snaps, err := mgr.ListSnapshots(context.Background(), testProjectID)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "20250301-080000", snaps[0].Tag)
	assert.Equal(t, "20250101-120000", snaps[1].Tag)
}

func TestDeleteSnapshotImages(t *testing.T) {
	mgr, cli, reg := newTestManager(t)
	reg.Tags[testProjectID] = []string{"latest", "20250101-120000"}
	ref := mgr.ImageRef(testProjectID)
	cli.Images[ref+":latest"] = true

	require.NoError(t, mgr.DeleteSnapshotImages(context.Background(), testProjectID))
	assert.Equal(t, []string{testProjectID}, reg.DeletedPackages)
	assert.NotContains(t, cli.Images, ref+":latest")

	// Idempotent when nothing is left.
	require.NoError(t, mgr.DeleteSnapshotImages(context.Background(), testProjectID))
}
