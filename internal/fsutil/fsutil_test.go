package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfineRelPathAccepts(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "a.jpg"), []byte("x"), 0o644))

	got, err := ConfineRelPath(root, "sub/a.jpg")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))

	// Missing files resolve through the parent.
	_, err = ConfineRelPath(root, "sub/missing.jpg")
	assert.NoError(t, err)
}

func TestConfineRelPathRejects(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{
		"../outside.jpg",
		"..",
		"/etc/passwd",
		"a\\b.jpg",
		"sub/../../outside.jpg",
	} {
		_, err := ConfineRelPath(root, rel)
		assert.Error(t, err, "rel=%q", rel)
	}
}

func TestConfineRelPathRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(root, "link")))

	_, err := ConfineRelPath(root, "link")
	assert.Error(t, err)
}

func TestIsRegularFile(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "a")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	assert.NoError(t, IsRegularFile(file))
	assert.Error(t, IsRegularFile(root))
	assert.Error(t, IsRegularFile(filepath.Join(root, "missing")))
}
