package project_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amonhq/amon/internal/project"
)

func TestCreateLoadList(t *testing.T) {
	store := project.NewStore(t.TempDir())
	created, err := store.Create("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", created.ID)
	assert.DirExists(t, filepath.Join(created.Root, "workspace"))
	assert.DirExists(t, filepath.Join(created.Root, "docs"))
	assert.DirExists(t, filepath.Join(created.Root, ".amon", "runs"))
	assert.FileExists(t, filepath.Join(created.Root, "amon.project.yaml"))

	loaded, err := store.Load("alpha")
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)
	assert.Equal(t, 30, loaded.TrashRetainDays)
	assert.NotEmpty(t, loaded.AllowedPrefixes)

	_, err = store.Create("beta")
	require.NoError(t, err)
	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].ID)
	assert.Equal(t, "beta", all[1].ID)
}

func TestCreate_RejectsDuplicate(t *testing.T) {
	store := project.NewStore(t.TempDir())
	_, err := store.Create("alpha")
	require.NoError(t, err)
	_, err = store.Create("alpha")
	require.Error(t, err)
}

func TestCreate_MintsIDWhenEmpty(t *testing.T) {
	store := project.NewStore(t.TempDir())
	p, err := store.Create("")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
}

func TestDelete_SoftDeletesToTrash(t *testing.T) {
	dataDir := t.TempDir()
	store := project.NewStore(dataDir)
	p, err := store.Create("alpha")
	require.NoError(t, err)

	require.NoError(t, store.Delete("alpha"))
	assert.NoDirExists(t, p.Root)
	_, err = store.Load("alpha")
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(dataDir, "trash"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	trashed := filepath.Join(dataDir, "trash", entries[0].Name())
	assert.DirExists(t, filepath.Join(trashed, "alpha"))
	assert.FileExists(t, filepath.Join(trashed, "manifest.yaml"))
}

func TestLoad_UnknownProject(t *testing.T) {
	store := project.NewStore(t.TempDir())
	_, err := store.Load("ghost")
	require.Error(t, err)
}
