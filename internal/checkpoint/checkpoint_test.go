package checkpoint

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/kopy/internal/model"
)

func fileEntry(path string, size int64, mtimeNano int64) *model.FileEntry {
	return &model.FileEntry{Path: path, Size: size, MTime: time.Unix(0, mtimeNano)}
}

func TestCheckpoint_OpenClose(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	cp, err := Open("/src", "/dst")
	require.NoError(t, err)
	require.NotNil(t, cp)

	assert.FileExists(t, cp.Path())
	require.NoError(t, cp.Close())
}

func TestCheckpoint_MarkAndCheck(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	cp, err := Open("/src", "/dst")
	require.NoError(t, err)
	defer cp.Close()

	assert.False(t, cp.Completed(fileEntry("file.txt", 100, 12345)))

	require.NoError(t, cp.MarkApplied(fileEntry("file.txt", 100, 12345), model.ActionCopyNew))
	require.NoError(t, cp.Flush())

	assert.True(t, cp.Completed(fileEntry("file.txt", 100, 12345)))
	assert.False(t, cp.Completed(fileEntry("file.txt", 200, 12345)))
	assert.False(t, cp.Completed(fileEntry("file.txt", 100, 99999)))
	assert.False(t, cp.Completed(fileEntry("other.txt", 100, 12345)))
}

func TestCheckpoint_BatchFlush(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	cp, err := Open("/src", "/dst")
	require.NoError(t, err)
	defer cp.Close()

	for i := range 150 {
		require.NoError(t, cp.MarkApplied(
			fileEntry(filepath.Join("dir", fmt.Sprintf("file_%d.txt", i)), int64(i*100), int64(i*1000)),
			model.ActionOverwrite,
		))
	}

	require.NoError(t, cp.Flush())

	assert.True(t, cp.Completed(fileEntry("dir/file_0.txt", 0, 0)))
	assert.True(t, cp.Completed(fileEntry("dir/file_149.txt", 14900, 149000)))
}

func TestCheckpoint_JobIDDeterminism(t *testing.T) {
	id1 := jobID("/src/a", "/dst/b")
	id2 := jobID("/src/a", "/dst/b")
	id3 := jobID("/src/a", "/dst/c")

	assert.Equal(t, id1, id2, "same inputs should produce same job ID")
	assert.NotEqual(t, id1, id3, "different inputs should produce different job IDs")
}

func TestCheckpoint_MetaValidation(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	cp, err := Open("/src/a", "/dst/b")
	require.NoError(t, err)
	require.NoError(t, cp.Close())

	cp, err = Open("/src/a", "/dst/b")
	require.NoError(t, err)
	require.NoError(t, cp.Close())
}

func TestCheckpoint_Remove(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	cp, err := Open("/src", "/dst")
	require.NoError(t, err)

	path := cp.Path()
	require.NoError(t, cp.Close())
	assert.FileExists(t, path)

	require.NoError(t, cp.Remove())
	assert.NoFileExists(t, path)
}

func TestCheckpoint_Resume(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	cp, err := Open("/src", "/dst")
	require.NoError(t, err)
	require.NoError(t, cp.MarkApplied(fileEntry("done.txt", 500, 99999), model.ActionCopyNew))
	require.NoError(t, cp.Close())

	cp, err = Open("/src", "/dst")
	require.NoError(t, err)
	defer cp.Close()

	assert.True(t, cp.Completed(fileEntry("done.txt", 500, 99999)))
	assert.False(t, cp.Completed(fileEntry("new.txt", 100, 12345)))
}
