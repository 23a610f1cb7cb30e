package training

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suhacker1/igvc-software/checkpoints"
)

func TestCheckpointManagerSaveLoad(t *testing.T) {
	dir := t.TempDir()
	mirror := &fakeMirror{}
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: dir}, mirror)

	src := newFakeModel()
	src.steps = 12
	path := filepath.Join(dir, "nested", "model.json")
	require.NoError(t, cm.Save(src, path))
	assert.Equal(t, []string{path}, mirror.uploaded)

	dst := newFakeModel()
	require.NoError(t, cm.Load(dst, path))
	assert.Equal(t, 12, dst.steps)
}

func TestCheckpointManagerSaveEpoch(t *testing.T) {
	dir := t.TempDir()
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: dir}, nil)

	model := newFakeModel()
	path, err := cm.SaveEpoch(model, Progress{Epoch: 4, Step: 39})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "IGVCModel_4.json"), path)
	assert.Equal(t, 4, model.epoch)
	assert.Equal(t, 39, model.step)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCheckpointManagerPaths(t *testing.T) {
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: "backup", SaveFrequency: 3}, nil)
	assert.Equal(t, filepath.Join("backup", "IGVCModel_7.ckpt"), cm.PathForEpoch(7, checkpoints.FormatProto))
	assert.Equal(t, filepath.Join("backup", "IGVCModel_7.json"), cm.PathForEpoch(7, checkpoints.FormatJSON))
	assert.True(t, cm.ShouldSave(6))
	assert.False(t, cm.ShouldSave(7))

	assert.Equal(t, checkpoints.FormatJSON, formatOf([]byte("  {\"a\":1}")))
	assert.Equal(t, checkpoints.FormatProto, formatOf([]byte{0x0a, 0x02}))
}

func TestCheckpointManagerErrors(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: blocker}, nil)
	_, err := cm.SaveEpoch(newFakeModel(), Progress{Epoch: 1})
	assert.Error(t, err)

	err = cm.Load(newFakeModel(), filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	mirrorErr := errors.New("bucket unavailable")
	cm = NewCheckpointManager(CheckpointConfig{SaveDirectory: dir}, &fakeMirror{err: mirrorErr})
	_, err = cm.SaveEpoch(newFakeModel(), Progress{Epoch: 1})
	assert.ErrorIs(t, err, mirrorErr)
	// the local copy is kept
	assert.FileExists(t, filepath.Join(dir, "IGVCModel_1.json"))
}
