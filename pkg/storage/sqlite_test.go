package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func row(id string) *PluginRow {
	return &PluginRow{
		ID: id, Name: "Plugin " + id, Version: "1.0.0", Enabled: true,
		Config: "{}", Dependencies: "[]", Routes: "[]",
	}
}

func TestUpsertAndList(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertPlugin(row("b")))
	require.NoError(t, store.UpsertPlugin(row("a")))

	rows, err := store.ListPlugins()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].ID)
	assert.Equal(t, "b", rows[1].ID)

	// Upsert replaces.
	updated := row("a")
	updated.Version = "2.0.0"
	require.NoError(t, store.UpsertPlugin(updated))

	rows, err = store.ListPlugins()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2.0.0", rows[0].Version)
}

func TestSetEnabledAndUpdateConfig(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.UpsertPlugin(row("a")))

	require.NoError(t, store.SetEnabled("a", false))
	require.NoError(t, store.UpdateConfig("a", `{"k":"v"}`))

	rows, err := store.ListPlugins()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Enabled)
	assert.JSONEq(t, `{"k":"v"}`, rows[0].Config)
}

func TestDeletePluginClearsKV(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.UpsertPlugin(row("a")))
	require.NoError(t, store.KVSet("a", "key", "value"))

	require.NoError(t, store.DeletePlugin("a"))

	rows, err := store.ListPlugins()
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, ok, err := store.KVGet("a", "key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVRoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.KVGet("p", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.KVSet("p", "k", "v1"))
	require.NoError(t, store.KVSet("p", "k", "v2"))

	value, ok, err := store.KVGet("p", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", value)

	// Namespaced per plugin.
	_, ok, err = store.KVGet("other", "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.KVDelete("p", "k"))
	_, ok, err = store.KVGet("p", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
