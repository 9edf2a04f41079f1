// Package diffengine compares two scanned trees and produces a deterministic
// ordered plan of sync actions.
package diffengine

import (
	"bytes"
	"path/filepath"
	"sort"

	"github.com/bamsammich/kopy/internal/hasher"
	"github.com/bamsammich/kopy/internal/model"
)

// Stats summarizes a plan's action counts. Skip and Delete actions do not
// count toward TotalFiles/TotalBytes, which reflect bytes actually slated
// for transfer.
type Stats struct {
	TotalFiles     int64
	TotalBytes     int64
	CopyCount      int64
	OverwriteCount int64
	DeleteCount    int64
	SkipCount      int64
	ConflictCount  int64
}

// Plan is an ordered list of actions plus aggregate stats.
type Plan struct {
	Actions []model.SyncAction
	Stats   Stats
}

// IsUpToDate reports whether every action is a Skip, meaning the executor
// has no I/O to perform.
func (p *Plan) IsUpToDate() bool {
	return p.Stats.CopyCount == 0 && p.Stats.OverwriteCount == 0 &&
		p.Stats.DeleteCount == 0 && p.Stats.ConflictCount == 0
}

func (p *Plan) add(a model.SyncAction) {
	switch a.Kind {
	case model.ActionCopyNew:
		p.Stats.CopyCount++
		if a.Entry != nil {
			p.Stats.TotalFiles++
			p.Stats.TotalBytes += a.Entry.Size
		}
	case model.ActionOverwrite:
		p.Stats.OverwriteCount++
		if a.Entry != nil {
			p.Stats.TotalFiles++
			p.Stats.TotalBytes += a.Entry.Size
		}
	case model.ActionDelete:
		p.Stats.DeleteCount++
	case model.ActionConflict:
		p.Stats.ConflictCount++
	default:
		p.Stats.SkipCount++
	}
	p.Actions = append(p.Actions, a)
}

// Options controls comparison semantics; a subset of the engine-wide Config
// relevant to diffing.
type Options struct {
	ChecksumMode bool
	DeleteMode   model.DeleteMode
}

// GeneratePlan compares src against dest under opts and returns a
// deterministic plan: entries sorted by path, all copy/overwrite/skip/
// conflict actions before any delete actions.
func GeneratePlan(src, dest *model.FileTree, opts Options) *Plan {
	plan := &Plan{}

	for _, path := range sortedPaths(src) {
		srcEntry, _ := src.Get(path)
		if dest.IsDir(path) {
			plan.add(typeMismatch(path, srcEntry, nil))
			continue
		}
		destEntry, exists := dest.Get(path)
		if !exists {
			plan.add(model.SyncAction{Kind: model.ActionCopyNew, Path: path, Entry: srcEntry})
			continue
		}
		plan.add(compareEntries(path, srcEntry, destEntry, src.RootPath, dest.RootPath, opts))
	}

	// A directory on the src side aliasing a file on the dest side is never
	// visited above (sortedPaths(src) only covers files/symlinks), so it
	// needs its own pass.
	for _, path := range sortedDirPaths(src) {
		if destEntry, exists := dest.Get(path); exists {
			plan.add(typeMismatch(path, nil, destEntry))
		}
	}

	if opts.DeleteMode != model.DeleteNone {
		for _, path := range sortedPaths(dest) {
			if src.Contains(path) || src.IsDir(path) {
				continue
			}
			plan.add(model.SyncAction{Kind: model.ActionDelete, Path: path})
		}
	}

	sortPlan(plan)
	return plan
}

// typeMismatch builds the Conflict action for a path that is a file on one
// side and a directory on the other. Exactly one of srcEntry/destEntry is
// non-nil, whichever side scanned the path as a file.
func typeMismatch(path string, srcEntry, destEntry *model.FileEntry) model.SyncAction {
	a := model.SyncAction{Kind: model.ActionConflict, Path: path, Reason: "type mismatch"}
	if srcEntry != nil {
		a.Entry = srcEntry
		a.SrcMTime = srcEntry.MTime
	}
	if destEntry != nil {
		a.DestMTime = destEntry.MTime
	}
	return a
}

func sortedPaths(t *model.FileTree) []string {
	paths := t.Paths()
	sort.Strings(paths)
	return paths
}

func sortedDirPaths(t *model.FileTree) []string {
	paths := t.DirPaths()
	sort.Strings(paths)
	return paths
}

// sortPlan reorders actions by path with copy/overwrite/skip/conflict
// actions preceding delete actions, keeping the plan a deterministic
// function of its inputs.
func sortPlan(p *Plan) {
	sort.SliceStable(p.Actions, func(i, j int) bool {
		iDel := p.Actions[i].Kind == model.ActionDelete
		jDel := p.Actions[j].Kind == model.ActionDelete
		if iDel != jDel {
			return !iDel
		}
		return p.Actions[i].Path < p.Actions[j].Path
	})
}

func compareEntries(path string, src, dest *model.FileEntry, srcRoot, destRoot string, opts Options) model.SyncAction {
	if src.IsSymlink != dest.IsSymlink {
		return model.SyncAction{
			Kind: model.ActionConflict, Path: path, Entry: src,
			SrcMTime: src.MTime, DestMTime: dest.MTime, Reason: "type mismatch",
		}
	}

	if src.IsSymlink {
		if src.SymlinkTarget == dest.SymlinkTarget {
			return model.SyncAction{Kind: model.ActionSkip, Path: path}
		}
		return model.SyncAction{Kind: model.ActionOverwrite, Path: path, Entry: src}
	}

	if src.Size != dest.Size {
		return model.SyncAction{Kind: model.ActionOverwrite, Path: path, Entry: src}
	}

	if src.MTime.After(dest.MTime) {
		return model.SyncAction{Kind: model.ActionOverwrite, Path: path, Entry: src}
	}
	if src.MTime.Before(dest.MTime) {
		return model.SyncAction{
			Kind: model.ActionConflict, Path: path, Entry: src,
			SrcMTime: src.MTime, DestMTime: dest.MTime, Reason: "destination newer than source",
		}
	}

	if !opts.ChecksumMode {
		return model.SyncAction{Kind: model.ActionSkip, Path: path}
	}

	return compareByHash(path, src, dest, srcRoot, destRoot)
}

// compareByHash computes both entries' content digests (lazily, caching on
// the entry) and compares bytewise. A hash failure on either side falls
// back to Overwrite rather than risking a false Skip.
func compareByHash(path string, src, dest *model.FileEntry, srcRoot, destRoot string) model.SyncAction {
	srcHash, err := entryHash(src, srcRoot)
	if err != nil {
		return model.SyncAction{Kind: model.ActionOverwrite, Path: path, Entry: src}
	}
	destHash, err := entryHash(dest, destRoot)
	if err != nil {
		return model.SyncAction{Kind: model.ActionOverwrite, Path: path, Entry: src}
	}
	if !bytes.Equal(srcHash, destHash) {
		return model.SyncAction{Kind: model.ActionOverwrite, Path: path, Entry: src}
	}
	return model.SyncAction{Kind: model.ActionSkip, Path: path}
}

func entryHash(e *model.FileEntry, root string) ([]byte, error) {
	if len(e.Hash) > 0 {
		return e.Hash, nil
	}
	h, err := hasher.File(filepath.Join(root, e.Path))
	if err != nil {
		return nil, err
	}
	e.Hash = h
	return h, nil
}
