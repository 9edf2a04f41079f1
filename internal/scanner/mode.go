package scanner

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bamsammich/kopy/internal/filter"
	"github.com/bamsammich/kopy/internal/model"
)

const (
	probeEntryLimit = 512
	probeTimeBudget = 8 * time.Millisecond
)

// scanShape is the bounded probe's summary of a tree's breadth and depth,
// used to pick between sequential and parallel traversal without paying
// for a full scan first.
type scanShape struct {
	probedEntries   int
	selectedEntries int
	sampledFiles    int
	sampledDirs     int
	maxDepth        int
}

// ResolveScanMode turns a requested mode into Sequential or Parallel. In
// Auto mode with threads<=1 it always picks Sequential; otherwise it runs a
// bounded probe of root and classifies the tree's shape.
func ResolveScanMode(root string, requested model.ScanMode, threads int, f *filter.Chain) model.ScanMode {
	switch requested {
	case model.ScanSequential:
		return model.ScanSequential
	case model.ScanParallel:
		return model.ScanParallel
	default:
		if threads <= 1 {
			return model.ScanSequential
		}
		shape := sampleScanShape(root, f)
		return selectModeFromShape(shape)
	}
}

func selectModeFromShape(shape scanShape) model.ScanMode {
	if shape.probedEntries < 200 {
		return model.ScanSequential
	}

	deepNarrow := shape.maxDepth >= 64 &&
		shape.sampledFiles <= 1200 &&
		shape.sampledDirs > shape.sampledFiles
	if deepNarrow {
		return model.ScanSequential
	}

	return model.ScanParallel
}

func sampleScanShape(root string, f *filter.Chain) scanShape {
	var shape scanShape
	start := time.Now()

	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if shape.probedEntries >= probeEntryLimit || time.Since(start) >= probeTimeBudget {
			return errProbeBudgetExhausted
		}
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}

		mode := info.Mode()
		isDir := mode.IsDir()
		isSymlink := mode&os.ModeSymlink != 0
		if !isDir && !mode.IsRegular() && !isSymlink {
			return nil
		}
		shape.probedEntries++

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		depth := strings.Count(rel, "/") + 1
		if depth > shape.maxDepth {
			shape.maxDepth = depth
		}

		if f != nil && !f.Match(rel, isDir, info.Size()) {
			if isDir {
				return filepath.SkipDir
			}
			return nil
		}

		if isDir {
			shape.sampledDirs++
		} else {
			shape.sampledFiles++
		}
		shape.selectedEntries++

		return nil
	})

	return shape
}

var errProbeBudgetExhausted = &probeDone{}

type probeDone struct{}

func (*probeDone) Error() string { return "probe budget exhausted" }
