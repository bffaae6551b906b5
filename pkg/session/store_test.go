package session

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewIDIsUUID(t *testing.T) {
	// Fresh session IDs reach the engine CLI as --session-id, which
	// rejects anything that is not a UUID.
	id := NewID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, NewID())
}

func TestStoreCreateAndGet(t *testing.T) {
	store := newTestStore(t)

	created, err := store.Create(Session{Title: "refactor", Cwd: "/work/repo"})
	require.NoError(t, err)
	_, parseErr := uuid.Parse(created.ID)
	require.NoError(t, parseErr)
	assert.Equal(t, "idle", created.Status)

	got, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "refactor", got.Title)
	assert.Equal(t, "/work/repo", got.Cwd)
	assert.Equal(t, created.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreUpdateRun(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create(Session{Cwd: "/work"})
	require.NoError(t, err)

	require.NoError(t, store.UpdateRun(created.ID, "engine-7", "running"))
	got, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "engine-7", got.EngineSessionID)
	assert.Equal(t, "running", got.Status)

	// An empty engine session ID must not erase the stored marker.
	require.NoError(t, store.UpdateRun(created.ID, "", "idle"))
	got, err = store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "engine-7", got.EngineSessionID)
	assert.Equal(t, "idle", got.Status)

	assert.ErrorIs(t, store.UpdateRun("nope", "x", "running"), ErrNotFound)
}

func TestStoreListOrder(t *testing.T) {
	store := newTestStore(t)

	a, err := store.Create(Session{Title: "a"})
	require.NoError(t, err)
	b, err := store.Create(Session{Title: "b"})
	require.NoError(t, err)

	// Touch a so it becomes the most recently updated.
	require.NoError(t, store.UpdateRun(a.ID, "", "running"))

	sessions, err := store.List()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, a.ID, sessions[0].ID)
	assert.Equal(t, b.ID, sessions[1].ID)
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create(Session{})
	require.NoError(t, err)

	require.NoError(t, store.Delete(created.ID))
	_, err = store.Get(created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(created.ID), ErrNotFound)
}
