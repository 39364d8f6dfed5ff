package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/permission"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "pilot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_CreateAndGet(t *testing.T) {
	store := openTestStore(t)

	created, err := store.Create("fix the parser", "/tmp/repo")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, string(permission.ModeAsk), created.PermissionMode)

	got, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix the parser", got.Title)
	assert.Equal(t, "/tmp/repo", got.WorkingDir)
	assert.Empty(t, got.ResumeToken)
}

func TestStore_GetMissing(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ResumeTokenRoundTrip(t *testing.T) {
	store := openTestStore(t)
	created, err := store.Create("", "")
	require.NoError(t, err)

	require.NoError(t, store.SetResumeToken(created.ID, "tok-abc"))
	got, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", got.ResumeToken)

	// Clearing the token marks the conversation as not resumable.
	require.NoError(t, store.SetResumeToken(created.ID, ""))
	got, err = store.Get(created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ResumeToken)
}

func TestStore_PermissionModePersists(t *testing.T) {
	store := openTestStore(t)
	created, err := store.Create("", "")
	require.NoError(t, err)

	require.NoError(t, store.SetPermissionMode(created.ID, permission.ModeAllowAll))
	got, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, string(permission.ModeAllowAll), got.PermissionMode)

	assert.Error(t, store.SetPermissionMode(created.ID, permission.Mode("bogus")))
}

func TestStore_ListOrdersByRecency(t *testing.T) {
	store := openTestStore(t)
	first, err := store.Create("first", "")
	require.NoError(t, err)
	second, err := store.Create("second", "")
	require.NoError(t, err)

	require.NoError(t, store.SetTitle(first.ID, "first, touched"))

	sessions, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, first.ID, sessions[0].ID)
	assert.Equal(t, second.ID, sessions[1].ID)

	limited, err := store.List(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_Delete(t *testing.T) {
	store := openTestStore(t)
	created, err := store.Create("", "")
	require.NoError(t, err)

	require.NoError(t, store.Delete(created.ID))
	assert.ErrorIs(t, store.Delete(created.ID), ErrNotFound)
	_, err = store.Get(created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
