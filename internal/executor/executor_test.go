package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/kopy/internal/checkpoint"
	"github.com/bamsammich/kopy/internal/event"
	"github.com/bamsammich/kopy/internal/model"
)

func newTestAction(t *testing.T, srcRoot, relPath string, data []byte, kind model.ActionKind) model.SyncAction {
	t.Helper()
	full := filepath.Join(srcRoot, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, data, 0644))
	info, err := os.Stat(full)
	require.NoError(t, err)

	return model.SyncAction{
		Kind: kind,
		Path: relPath,
		Entry: &model.FileEntry{
			Path:  relPath,
			Size:  info.Size(),
			Mode:  uint32(info.Mode()),
			MTime: info.ModTime(),
		},
	}
}

func TestExecuteSequentialCopyNew(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(dst, 0755))

	data := []byte("hello, kopy!")
	action := newTestAction(t, src, "file.txt", data, model.ActionCopyNew)

	summary := ExecuteSequential(context.Background(), []model.SyncAction{action}, Config{
		SrcRoot: src,
		DstRoot: dst,
	})

	require.Empty(t, summary.Errors)
	assert.Equal(t, int64(1), summary.CopyCount)

	got, err := os.ReadFile(filepath.Join(dst, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestExecuteSequentialAtomicOverwrite(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(dst, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "file.txt"), []byte("old content"), 0644))

	data := []byte("new content")
	action := newTestAction(t, src, "file.txt", data, model.ActionOverwrite)

	summary := ExecuteSequential(context.Background(), []model.SyncAction{action}, Config{
		SrcRoot: src,
		DstRoot: dst,
	})

	require.Empty(t, summary.Errors)
	assert.Equal(t, int64(1), summary.OverwriteCount)

	got, err := os.ReadFile(filepath.Join(dst, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// No leftover .part file.
	_, err = os.Stat(filepath.Join(dst, "file.txt.part"))
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteSequentialOverwriteWithBackupPathPreservesOldContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(dst, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "file.txt"), []byte("old content"), 0644))

	data := []byte("new content")
	action := newTestAction(t, src, "file.txt", data, model.ActionOverwrite)
	action.BackupPath = "file.txt.bak.deadbeef"

	summary := ExecuteSequential(context.Background(), []model.SyncAction{action}, Config{
		SrcRoot: src,
		DstRoot: dst,
	})

	require.Empty(t, summary.Errors)
	assert.Equal(t, int64(1), summary.OverwriteCount)

	got, err := os.ReadFile(filepath.Join(dst, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	backed, err := os.ReadFile(filepath.Join(dst, "file.txt.bak.deadbeef"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old content"), backed)
}

func TestExecuteSequentialDryRunMakesNoChanges(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(dst, 0755))

	action := newTestAction(t, src, "file.txt", []byte("data"), model.ActionCopyNew)

	summary := ExecuteSequential(context.Background(), []model.SyncAction{action}, Config{
		SrcRoot: src,
		DstRoot: dst,
		DryRun:  true,
	})

	assert.Equal(t, int64(1), summary.CopyCount)
	_, err := os.Stat(filepath.Join(dst, "file.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteSequentialDeleteTrashesFile(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(dst, 0755))
	victim := filepath.Join(dst, "extra.txt")
	require.NoError(t, os.WriteFile(victim, []byte("gone soon"), 0644))

	action := model.SyncAction{Kind: model.ActionDelete, Path: "extra.txt"}

	summary := ExecuteSequential(context.Background(), []model.SyncAction{action}, Config{
		DstRoot:    dst,
		DeleteMode: model.DeleteTrash,
	})

	require.Empty(t, summary.Errors)
	assert.Equal(t, int64(1), summary.DeleteCount)
	_, err := os.Stat(victim)
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteSequentialDeleteNoneSkips(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(dst, 0755))
	victim := filepath.Join(dst, "extra.txt")
	require.NoError(t, os.WriteFile(victim, []byte("stays"), 0644))

	action := model.SyncAction{Kind: model.ActionDelete, Path: "extra.txt"}

	summary := ExecuteSequential(context.Background(), []model.SyncAction{action}, Config{
		DstRoot:    dst,
		DeleteMode: model.DeleteNone,
	})

	assert.Equal(t, int64(1), summary.SkipCount)
	_, err := os.Stat(victim)
	assert.NoError(t, err)
}

func TestExecuteSequentialConflictEmitsEventAndSkips(t *testing.T) {
	dir := t.TempDir()
	var events []event.Event

	action := model.SyncAction{Kind: model.ActionConflict, Path: "f.txt", Reason: "destination newer"}
	summary := ExecuteSequential(context.Background(), []model.SyncAction{action}, Config{
		DstRoot: dir,
		Emit:    func(e event.Event) { events = append(events, e) },
	})

	assert.Equal(t, int64(1), summary.SkipCount)
	require.Len(t, events, 1)
	assert.Equal(t, event.Conflict, events[0].Type)
}

func TestExecuteSequentialSymlink(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(dst, 0755))

	action := model.SyncAction{
		Kind: model.ActionCopyNew,
		Path: "link",
		Entry: &model.FileEntry{
			Path:          "link",
			IsSymlink:     true,
			SymlinkTarget: "/etc/hosts",
			MTime:         time.Now(),
		},
	}

	summary := ExecuteSequential(context.Background(), []model.SyncAction{action}, Config{
		DstRoot: dst,
	})

	require.Empty(t, summary.Errors)
	target, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "/etc/hosts", target)
}

func TestExecuteSequentialSkipsFileAlreadyMarkedCompleted(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(dst, 0755))

	action := newTestAction(t, src, "file.txt", []byte("data"), model.ActionCopyNew)

	cp, err := checkpoint.Open(src, dst)
	require.NoError(t, err)
	defer cp.Close()
	require.NoError(t, cp.MarkApplied(action.Entry, action.Kind))
	require.NoError(t, cp.Flush())

	summary := ExecuteSequential(context.Background(), []model.SyncAction{action}, Config{
		SrcRoot:    src,
		DstRoot:    dst,
		Checkpoint: cp,
	})

	require.Empty(t, summary.Errors)
	assert.Equal(t, int64(1), summary.SkipCount)
	_, err = os.Stat(filepath.Join(dst, "file.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteSequentialNilEntryIsNoOp(t *testing.T) {
	dir := t.TempDir()

	action := model.SyncAction{
		Kind:  model.ActionCopyNew,
		Path:  "boom",
		Entry: nil,
	}

	summary := ExecuteSequential(context.Background(), []model.SyncAction{action}, Config{
		DstRoot: dir,
	})
	assert.Empty(t, summary.Errors)
}

func TestExecuteParallelRoutesLargeFilesToSerialLane(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(dst, 0755))

	small := newTestAction(t, src, "small.txt", []byte("small"), model.ActionCopyNew)
	large := newTestAction(t, src, "large.bin", make([]byte, smallLargeThreshold+1), model.ActionCopyNew)

	summary := ExecuteParallel(context.Background(), []model.SyncAction{small, large}, Config{
		SrcRoot: src,
		DstRoot: dst,
		Threads: 4,
	})

	require.Empty(t, summary.Errors)
	assert.Equal(t, int64(2), summary.CopyCount)

	_, err := os.Stat(filepath.Join(dst, "small.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dst, "large.bin"))
	assert.NoError(t, err)
}

func TestExecuteParallelFallsBackToSequentialBelowTwoThreads(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(dst, 0755))

	action := newTestAction(t, src, "file.txt", []byte("data"), model.ActionCopyNew)

	summary := ExecuteParallel(context.Background(), []model.SyncAction{action}, Config{
		SrcRoot: src,
		DstRoot: dst,
		Threads: 1,
	})

	require.Empty(t, summary.Errors)
	assert.Equal(t, int64(1), summary.CopyCount)
}

func TestExecuteSequentialCopiesSparseFileContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.MkdirAll(dst, 0755))

	srcFile := filepath.Join(src, "sparse.bin")
	fd, err := os.OpenFile(srcFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	fileSize := int64(1024*1024 + 4096)
	require.NoError(t, fd.Truncate(fileSize))
	tail := make([]byte, 4096)
	for i := range tail {
		tail[i] = 'B'
	}
	_, err = fd.WriteAt(tail, 1024*1024)
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	info, err := os.Stat(srcFile)
	require.NoError(t, err)

	action := model.SyncAction{
		Kind: model.ActionCopyNew,
		Path: "sparse.bin",
		Entry: &model.FileEntry{
			Path:  "sparse.bin",
			Size:  info.Size(),
			Mode:  uint32(info.Mode()),
			MTime: info.ModTime(),
		},
	}

	summary := ExecuteSequential(context.Background(), []model.SyncAction{action}, Config{
		SrcRoot: src,
		DstRoot: dst,
	})

	require.Empty(t, summary.Errors)
	assert.Equal(t, int64(1), summary.CopyCount)

	got, err := os.ReadFile(filepath.Join(dst, "sparse.bin"))
	require.NoError(t, err)
	require.Len(t, got, int(fileSize))
	assert.Equal(t, tail, got[1024*1024:])
}

func TestRouteActionsSplitsBySizeThreshold(t *testing.T) {
	small := model.SyncAction{Kind: model.ActionCopyNew, Entry: &model.FileEntry{Size: 100}}
	large := model.SyncAction{Kind: model.ActionCopyNew, Entry: &model.FileEntry{Size: smallLargeThreshold + 1}}
	del := model.SyncAction{Kind: model.ActionDelete}

	smallLane, largeLane := routeActions([]model.SyncAction{small, large, del})
	assert.Len(t, smallLane, 2)
	assert.Len(t, largeLane, 1)
}
