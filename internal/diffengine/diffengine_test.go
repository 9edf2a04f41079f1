package diffengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/kopy/internal/model"
)

func entry(path string, size int64, mtime time.Time) *model.FileEntry {
	return &model.FileEntry{Path: path, Size: size, MTime: mtime}
}

func TestGeneratePlanCopyNew(t *testing.T) {
	src := model.NewFileTree("/src")
	dest := model.NewFileTree("/dst")
	src.Insert(entry("new.txt", 4, time.Unix(1000, 0)))

	plan := GeneratePlan(src, dest, Options{})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionCopyNew, plan.Actions[0].Kind)
	assert.EqualValues(t, 1, plan.Stats.CopyCount)
	assert.EqualValues(t, 1, plan.Stats.TotalFiles)
	assert.EqualValues(t, 4, plan.Stats.TotalBytes)
}

func TestGeneratePlanSkipWhenIdentical(t *testing.T) {
	mtime := time.Unix(2000, 0)
	src := model.NewFileTree("/src")
	dest := model.NewFileTree("/dst")
	src.Insert(entry("same.txt", 10, mtime))
	dest.Insert(entry("same.txt", 10, mtime))

	plan := GeneratePlan(src, dest, Options{})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionSkip, plan.Actions[0].Kind)
	assert.EqualValues(t, 0, plan.Stats.TotalFiles)
	assert.True(t, plan.IsUpToDate())
}

func TestGeneratePlanOverwriteOnSizeDiff(t *testing.T) {
	mtime := time.Unix(2000, 0)
	src := model.NewFileTree("/src")
	dest := model.NewFileTree("/dst")
	src.Insert(entry("f.txt", 20, mtime))
	dest.Insert(entry("f.txt", 10, mtime))

	plan := GeneratePlan(src, dest, Options{})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionOverwrite, plan.Actions[0].Kind)
}

func TestGeneratePlanOverwriteOnNewerSource(t *testing.T) {
	src := model.NewFileTree("/src")
	dest := model.NewFileTree("/dst")
	src.Insert(entry("f.txt", 10, time.Unix(2000, 0)))
	dest.Insert(entry("f.txt", 10, time.Unix(1000, 0)))

	plan := GeneratePlan(src, dest, Options{})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionOverwrite, plan.Actions[0].Kind)
}

func TestGeneratePlanConflictOnNewerDestination(t *testing.T) {
	src := model.NewFileTree("/src")
	dest := model.NewFileTree("/dst")
	src.Insert(entry("f.txt", 10, time.Unix(1000, 0)))
	dest.Insert(entry("f.txt", 10, time.Unix(2000, 0)))

	plan := GeneratePlan(src, dest, Options{})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionConflict, plan.Actions[0].Kind)
	assert.Equal(t, "destination newer than source", plan.Actions[0].Reason)
}

func TestGeneratePlanSymlinkTargetMismatch(t *testing.T) {
	src := model.NewFileTree("/src")
	dest := model.NewFileTree("/dst")
	src.Insert(&model.FileEntry{Path: "link", IsSymlink: true, SymlinkTarget: "a"})
	dest.Insert(&model.FileEntry{Path: "link", IsSymlink: true, SymlinkTarget: "b"})

	plan := GeneratePlan(src, dest, Options{})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionOverwrite, plan.Actions[0].Kind)
}

func TestGeneratePlanTypeMismatchConflict(t *testing.T) {
	src := model.NewFileTree("/src")
	dest := model.NewFileTree("/dst")
	src.Insert(&model.FileEntry{Path: "thing", IsSymlink: true, SymlinkTarget: "a"})
	dest.Insert(&model.FileEntry{Path: "thing", IsSymlink: false})

	plan := GeneratePlan(src, dest, Options{})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionConflict, plan.Actions[0].Kind)
	assert.Equal(t, "type mismatch", plan.Actions[0].Reason)
}

func TestGeneratePlanFileVsDirectoryConflictSrcFileDestDir(t *testing.T) {
	src := model.NewFileTree("/src")
	dest := model.NewFileTree("/dst")
	src.Insert(entry("thing", 4, time.Unix(1000, 0)))
	dest.InsertDir("thing")

	plan := GeneratePlan(src, dest, Options{})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionConflict, plan.Actions[0].Kind)
	assert.Equal(t, "type mismatch", plan.Actions[0].Reason)
}

func TestGeneratePlanFileVsDirectoryConflictSrcDirDestFile(t *testing.T) {
	src := model.NewFileTree("/src")
	dest := model.NewFileTree("/dst")
	src.InsertDir("thing")
	dest.Insert(entry("thing", 4, time.Unix(1000, 0)))

	plan := GeneratePlan(src, dest, Options{DeleteMode: model.DeleteTrash})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionConflict, plan.Actions[0].Kind)
	assert.Equal(t, "type mismatch", plan.Actions[0].Reason)
}

func TestGeneratePlanDeletesExtraneous(t *testing.T) {
	src := model.NewFileTree("/src")
	dest := model.NewFileTree("/dst")
	dest.Insert(entry("orphan.txt", 5, time.Unix(1000, 0)))

	plan := GeneratePlan(src, dest, Options{DeleteMode: model.DeleteTrash})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionDelete, plan.Actions[0].Kind)
	assert.EqualValues(t, 1, plan.Stats.DeleteCount)
}

func TestGeneratePlanNoDeletesWhenDeleteModeNone(t *testing.T) {
	src := model.NewFileTree("/src")
	dest := model.NewFileTree("/dst")
	dest.Insert(entry("orphan.txt", 5, time.Unix(1000, 0)))

	plan := GeneratePlan(src, dest, Options{DeleteMode: model.DeleteNone})

	assert.Empty(t, plan.Actions)
}

func TestGeneratePlanCopiesBeforeDeletesAndSortedByPath(t *testing.T) {
	src := model.NewFileTree("/src")
	dest := model.NewFileTree("/dst")
	src.Insert(entry("z_new.txt", 1, time.Unix(1000, 0)))
	dest.Insert(entry("a_orphan.txt", 1, time.Unix(1000, 0)))

	plan := GeneratePlan(src, dest, Options{DeleteMode: model.DeleteTrash})

	require.Len(t, plan.Actions, 2)
	assert.Equal(t, model.ActionCopyNew, plan.Actions[0].Kind)
	assert.Equal(t, model.ActionDelete, plan.Actions[1].Kind)
}

func TestGeneratePlanIsDeterministic(t *testing.T) {
	src := model.NewFileTree("/src")
	dest := model.NewFileTree("/dst")
	for _, p := range []string{"b.txt", "a.txt", "c.txt"} {
		src.Insert(entry(p, 1, time.Unix(1000, 0)))
	}

	p1 := GeneratePlan(src, dest, Options{})
	p2 := GeneratePlan(src, dest, Options{})

	require.Len(t, p1.Actions, 3)
	for i := range p1.Actions {
		assert.Equal(t, p1.Actions[i].Path, p2.Actions[i].Path)
	}
	assert.True(t, p1.Actions[0].Path < p1.Actions[1].Path)
	assert.True(t, p1.Actions[1].Path < p1.Actions[2].Path)
}

func TestGeneratePlanChecksumModeComparesContent(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	mtime := time.Unix(5000, 0)

	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "f.txt"), []byte("content-a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "f.txt"), []byte("content-b"), 0644))

	src := model.NewFileTree(srcDir)
	dest := model.NewFileTree(destDir)
	src.Insert(entry("f.txt", 9, mtime))
	dest.Insert(entry("f.txt", 9, mtime))

	plan := GeneratePlan(src, dest, Options{ChecksumMode: true})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionOverwrite, plan.Actions[0].Kind)
}
