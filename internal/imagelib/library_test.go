package imagelib

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "he_stain.tif"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dapi.png"), []byte("y"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("z"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))
	return NewLibrary(dir)
}

func TestLibrary_resolve(t *testing.T) {
	lib := newTestLibrary(t)

	path, err := lib.Resolve("he_stain.tif")
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = lib.Resolve("missing.png")
	assert.ErrorIs(t, err, ErrUnknownImage)

	_, err = lib.Resolve("subdir")
	assert.ErrorIs(t, err, ErrUnknownImage)
}

func TestLibrary_resolveRejectsPaths(t *testing.T) {
	lib := newTestLibrary(t)

	for _, name := range []string{"", "../dapi.png", "a/b.png", "/etc/passwd", ".hidden"} {
		_, err := lib.Resolve(name)
		assert.Error(t, err, name)
		assert.NotErrorIs(t, err, ErrUnknownImage, name)
	}
}

func TestLibrary_list(t *testing.T) {
	lib := newTestLibrary(t)

	names, err := lib.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"dapi.png", "he_stain.tif"}, names)

	empty := NewLibrary(filepath.Join(t.TempDir(), "nope"))
	names, err = empty.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}
