package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellvista/scriptbox/internal/config"
	"github.com/cellvista/scriptbox/internal/objects"
)

func TestNewArtifactStore(t *testing.T) {
	prevType := config.ObjectStoreType
	prevBase := config.ObjectStoreBasePath
	prevData := config.DataDir
	defer func() {
		config.ObjectStoreType = prevType
		config.ObjectStoreBasePath = prevBase
		config.DataDir = prevData
	}()

	config.DataDir = t.TempDir()

	// filesystem store rooted at the data dir serves harvested outputs
	// in place, so nothing is mirrored
	config.ObjectStoreType = "filesystem"
	config.ObjectStoreBasePath = ""
	store, mirror, err := newArtifactStore()
	require.NoError(t, err)
	assert.IsType(t, &objects.FilesystemObjectStore{}, store)
	assert.False(t, mirror)

	// a filesystem store rooted elsewhere needs explicit copies
	config.ObjectStoreBasePath = t.TempDir()
	_, mirror, err = newArtifactStore()
	require.NoError(t, err)
	assert.True(t, mirror)

	config.ObjectStoreType = "memory"
	store, mirror, err = newArtifactStore()
	require.NoError(t, err)
	assert.IsType(t, &objects.MemoryObjectStore{}, store)
	assert.True(t, mirror)

	config.ObjectStoreType = "gcs"
	_, _, err = newArtifactStore()
	assert.Error(t, err)
}
