package vault_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amonhq/amon/internal/policy"
	"github.com/amonhq/amon/internal/vault"
)

func newVault(t *testing.T) (*vault.Vault, string) {
	t.Helper()
	root := t.TempDir()
	data := t.TempDir()
	gate := policy.New(policy.Options{
		ProjectRoot:     root,
		AllowedPrefixes: []string{"workspace/", "docs/", "audits/"},
	})
	v := vault.New(vault.Options{ProjectRoot: root, DataDir: data, Resolver: gate})
	return v, root
}

func TestAtomicWrite_NoPartialFileVisible(t *testing.T) {
	v, root := newVault(t)
	abs, err := v.AtomicWrite("docs/report.md", []byte("hello"))
	require.NoError(t, err)
	b, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	entries, err := os.ReadDir(filepath.Join(root, "docs"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp file should remain")
}

func TestAtomicWrite_RejectsOutsidePrefix(t *testing.T) {
	v, _ := newVault(t)
	_, err := v.AtomicWrite("../escape.md", []byte("x"))
	require.Error(t, err)
}

func TestDeleteAndRestore(t *testing.T) {
	root := t.TempDir()
	data := t.TempDir()
	gate := policy.New(policy.Options{
		ProjectRoot:     root,
		AllowedPrefixes: []string{"workspace/", "docs/", "audits/"},
	})
	v := vault.New(vault.Options{ProjectRoot: root, DataDir: data, Resolver: gate})

	_, err := v.AtomicWrite("workspace/a.txt", []byte("data"))
	require.NoError(t, err)

	require.NoError(t, v.Delete("workspace/a.txt"))
	_, statErr := os.Stat(filepath.Join(root, "workspace", "a.txt"))
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(filepath.Join(data, "trash"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	trashID := entries[0].Name()

	restored, err := v.Restore(trashID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "workspace", "a.txt"), restored)
	b, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, "data", string(b))
}
