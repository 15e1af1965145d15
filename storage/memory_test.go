package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomodex/pomodex/common"
)

func newTestUser(t *testing.T, store Store, email string) *User {
	t.Helper()
	user := &User{ID: uuid.NewString(), Email: email, PasswordHash: "x"}
	require.NoError(t, store.CreateUser(user))
	return user
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	store := NewMemory()
	newTestUser(t, store, "alice@example.com")

	err := store.CreateUser(&User{ID: uuid.NewString(), Email: "Alice@Example.com", PasswordHash: "y"})
	require.Error(t, err)
	assert.Equal(t, common.KindConflict, common.KindOf(err))
}

func TestCreateUserFoldsEmail(t *testing.T) {
	store := NewMemory()
	user := &User{ID: uuid.NewString(), Email: "Mixed@Example.Com", PasswordHash: "x"}
	require.NoError(t, store.CreateUser(user))

	got, err := store.GetUser(user.ID)
	require.NoError(t, err)
	assert.Equal(t, "mixed@example.com", got.Email)
}

func TestGetUserByEmailCaseInsensitive(t *testing.T) {
	store := NewMemory()
	user := newTestUser(t, store, "bob@example.com")

	got, err := store.GetUserByEmail("BOB@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = store.GetUserByEmail("nobody@example.com")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestProjectTenantScoping(t *testing.T) {
	store := NewMemory()
	owner := newTestUser(t, store, "owner@example.com")
	other := newTestUser(t, store, "other@example.com")

	project := &Project{
		ID:     uuid.NewString(),
		UserID: owner.ID,
		Name:   "demo",
		Status: StatusCreating,
	}
	require.NoError(t, store.CreateProject(project))

	got, err := store.GetProject(project.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)

	// A project owned by someone else is indistinguishable from a missing one.
	_, err = store.GetProject(project.ID, other.ID)
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))

	list, err := store.ListProjects(other.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListProjectsNewestFirst(t *testing.T) {
	store := NewMemory()
	owner := newTestUser(t, store, "owner@example.com")

	old := &Project{ID: uuid.NewString(), UserID: owner.ID, Name: "old",
		Status: StatusStopped, CreatedAt: time.Now().Add(-time.Hour)}
	recent := &Project{ID: uuid.NewString(), UserID: owner.ID, Name: "recent",
		Status: StatusRunning, CreatedAt: time.Now()}
	require.NoError(t, store.CreateProject(old))
	require.NoError(t, store.CreateProject(recent))

	list, err := store.ListProjects(owner.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "recent", list[0].Name)
	assert.Equal(t, "old", list[1].Name)
}

func TestDeleteUserCascades(t *testing.T) {
	store := NewMemory()
	user := newTestUser(t, store, "gone@example.com")

	token := &RefreshToken{ID: uuid.NewString(), UserID: user.ID,
		TokenHash: "hash", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.SaveRefreshToken(token))
	project := &Project{ID: uuid.NewString(), UserID: user.ID, Name: "p", Status: StatusRunning}
	require.NoError(t, store.CreateProject(project))

	require.NoError(t, store.DeleteUser(user.ID))

	_, err := store.GetRefreshTokenByHash("hash")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
	_, err = store.GetProject(project.ID, user.ID)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestDeleteExpiredRefreshTokens(t *testing.T) {
	store := NewMemory()
	user := newTestUser(t, store, "t@example.com")
	now := time.Now().UTC()

	expired := &RefreshToken{ID: uuid.NewString(), UserID: user.ID,
		TokenHash: "expired", ExpiresAt: now.Add(-time.Minute)}
	valid := &RefreshToken{ID: uuid.NewString(), UserID: user.ID,
		TokenHash: "valid", ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, store.SaveRefreshToken(expired))
	require.NoError(t, store.SaveRefreshToken(valid))

	require.NoError(t, store.DeleteExpiredRefreshTokens(now))

	_, err := store.GetRefreshTokenByHash("expired")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
	_, err = store.GetRefreshTokenByHash("valid")
	assert.NoError(t, err)
}

func TestRunningIdleSince(t *testing.T) {
	store := NewMemory()
	user := newTestUser(t, store, "idle@example.com")
	now := time.Now().UTC()
	cutoff := now.Add(-30 * time.Minute)

	past := now.Add(-45 * time.Minute)
	recent := now.Add(-5 * time.Minute)

	idle := &Project{ID: uuid.NewString(), UserID: user.ID, Name: "idle",
		Status: StatusRunning, LastConnectionAt: &past}
	active := &Project{ID: uuid.NewString(), UserID: user.ID, Name: "active",
		Status: StatusRunning, LastConnectionAt: &recent}
	stopped := &Project{ID: uuid.NewString(), UserID: user.ID, Name: "stopped",
		Status: StatusStopped, LastConnectionAt: &past}
	neverConnected := &Project{ID: uuid.NewString(), UserID: user.ID, Name: "fresh",
		Status: StatusRunning}
	for _, p := range []*Project{idle, active, stopped, neverConnected} {
		require.NoError(t, store.CreateProject(p))
	}

	got, err := store.RunningIdleSince(cutoff)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "idle", got[0].Name)
}

func TestRunningIdleSinceBoundary(t *testing.T) {
	store := NewMemory()
	user := newTestUser(t, store, "edge@example.com")
	cutoff := time.Now().UTC().Truncate(time.Second)

	exactly := cutoff
	project := &Project{ID: uuid.NewString(), UserID: user.ID, Name: "exact",
		Status: StatusRunning, LastConnectionAt: &exactly}
	require.NoError(t, store.CreateProject(project))

	// A connection at exactly the cutoff is not yet idle.
	got, err := store.RunningIdleSince(cutoff)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTouchConnection(t *testing.T) {
	store := NewMemory()
	user := newTestUser(t, store, "touch@example.com")
	project := &Project{ID: uuid.NewString(), UserID: user.ID, Name: "p", Status: StatusRunning}
	require.NoError(t, store.CreateProject(project))

	at := time.Now().UTC()
	require.NoError(t, store.TouchConnection(project.ID, at))

	got, err := store.GetProject(project.ID, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastConnectionAt)
	assert.True(t, got.LastConnectionAt.Equal(at))
	assert.True(t, got.LastActiveAt.Equal(at))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusCreating, StatusRunning))
	assert.True(t, CanTransition(StatusRunning, StatusSnapshotting))
	assert.True(t, CanTransition(StatusSnapshotting, StatusStopped))
	assert.True(t, CanTransition(StatusStopped, StatusRestoring))
	assert.True(t, CanTransition(StatusRestoring, StatusRunning))
	assert.True(t, CanTransition(StatusError, StatusDeleting))
	assert.True(t, CanTransition(StatusRunning, StatusDeleting))

	assert.False(t, CanTransition(StatusStopped, StatusRunning))
	assert.False(t, CanTransition(StatusError, StatusRunning))
	assert.False(t, CanTransition(StatusRunning, StatusRestoring))
}
