// Package scanner walks a directory tree into a model.FileTree, either
// sequentially or with a work-stealing pool of parallel workers, applying a
// filter chain and reporting live progress.
package scanner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bamsammich/kopy/internal/filter"
	"github.com/bamsammich/kopy/internal/model"
	"github.com/bamsammich/kopy/internal/syncerr"
)

// ProgressFunc receives monotonically non-decreasing (filesScanned,
// bytesScanned) counts as a scan proceeds.
type ProgressFunc func(filesScanned, bytesScanned int64)

const progressCoalesceInterval = 100 * time.Millisecond

func lstatEntry(root, path string, d os.DirEntry) (*model.FileEntry, error) {
	info, err := d.Info()
	if err != nil {
		return nil, err
	}
	mode := info.Mode()

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return nil, err
	}
	rel = model.NormalizePath(rel)

	switch {
	case mode&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			// Broken symlink whose target can't even be read: record
			// it with an empty target rather than failing the scan.
			target = ""
		}
		return &model.FileEntry{
			Path:          rel,
			IsSymlink:     true,
			SymlinkTarget: target,
			MTime:         info.ModTime(),
			Mode:          uint32(mode.Perm()),
		}, nil
	case mode.IsRegular():
		return &model.FileEntry{
			Path:  rel,
			Size:  info.Size(),
			MTime: info.ModTime(),
			Mode:  uint32(mode.Perm()),
		}, nil
	case mode.IsDir():
		return nil, nil
	default:
		// Named pipe, socket, device file: skip with a warning.
		slog.Warn("skipping special file", "path", rel, "mode", mode.String())
		return nil, nil
	}
}

// ScanSequential walks root depth-first, filtering and recording entries
// into a FileTree. Permission-denied directories are skipped, not fatal.
func ScanSequential(ctx context.Context, root string, f *filter.Chain, progress ProgressFunc) (*model.FileTree, error) {
	tree := model.NewFileTree(root)
	if _, err := os.Stat(root); err != nil {
		return nil, syncerr.Wrap(root, err)
	}

	lastReport := time.Now()
	report := func() {
		if progress == nil {
			return
		}
		if time.Since(lastReport) < progressCoalesceInterval {
			return
		}
		lastReport = time.Now()
		progress(tree.TotalFiles, tree.TotalSize)
	}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if os.IsPermission(err) {
				return nil
			}
			if path == root {
				return err
			}
			return nil
		}
		if path == root {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = model.NormalizePath(rel)
		isDir := d.IsDir()

		info, infoErr := d.Info()
		size := int64(0)
		if infoErr == nil {
			size = info.Size()
		}

		if f != nil && !f.Match(rel, isDir, size) {
			if isDir {
				return filepath.SkipDir
			}
			return nil
		}

		if isDir {
			tree.InsertDir(rel)
			return nil
		}

		entry, entErr := lstatEntry(root, path, d)
		if entErr != nil {
			return nil
		}
		if entry == nil {
			return nil
		}

		tree.Insert(entry)
		report()
		return nil
	})
	if err != nil {
		return nil, syncerr.Wrap(root, err)
	}
	if progress != nil {
		progress(tree.TotalFiles, tree.TotalSize)
	}
	return tree, nil
}
