package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bamsammich/kopy/internal/filter"
	"github.com/bamsammich/kopy/internal/model"
	"github.com/bamsammich/kopy/internal/syncerr"
)

// directInsertionThreshold is the estimated bytes of buffered, not-yet
// drained entries above which workers switch to inserting straight into
// the shared tree instead of going through the buffer channel.
const directInsertionThreshold = 64 * 1024 * 1024

// estimatedEntrySize is a rough per-entry footprint used to bound the
// buffer without tracking exact allocator sizes.
const estimatedEntrySize = 256

// ScanParallel walks root using a work-stealing pool of threads workers,
// producing the same tree ScanSequential would for identical input (the
// scan-parity invariant).
func ScanParallel(ctx context.Context, root string, f *filter.Chain, threads int, progress ProgressFunc) (*model.FileTree, error) {
	if threads < 1 {
		threads = 1
	}
	if _, err := os.Stat(root); err != nil {
		return nil, syncerr.Wrap(root, err)
	}

	tree := model.NewFileTree(root)
	var treeMu sync.Mutex
	insertDir := func(path string) {
		treeMu.Lock()
		tree.InsertDir(path)
		treeMu.Unlock()
	}
	var bufferedBytes atomic.Int64
	var filesScanned, bytesScanned atomic.Int64

	buffer := make(chan *model.FileEntry, threads*64)
	var drainWg sync.WaitGroup
	drainWg.Add(1)
	go func() {
		defer drainWg.Done()
		lastReport := time.Now()
		for e := range buffer {
			treeMu.Lock()
			tree.Insert(e)
			treeMu.Unlock()
			bufferedBytes.Add(-estimatedEntrySize)
			filesScanned.Add(1)
			bytesScanned.Add(e.Size)
			if progress != nil && time.Since(lastReport) >= progressCoalesceInterval {
				lastReport = time.Now()
				progress(filesScanned.Load(), bytesScanned.Load())
			}
		}
	}()

	insert := func(e *model.FileEntry) {
		if bufferedBytes.Load() > directInsertionThreshold {
			treeMu.Lock()
			tree.Insert(e)
			treeMu.Unlock()
			filesScanned.Add(1)
			bytesScanned.Add(e.Size)
			return
		}
		bufferedBytes.Add(estimatedEntrySize)
		buffer <- e
	}

	workQueue := make(chan string, threads*4)
	var outstanding sync.WaitGroup
	var firstErr atomic.Pointer[error]
	recordErr := func(err error) {
		e := syncerr.Wrap(root, err)
		var wrapped error = e
		firstErr.CompareAndSwap(nil, &wrapped)
	}

	var workerWg sync.WaitGroup
	for range threads {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for dirPath := range workQueue {
				scanOneDir(ctx, root, dirPath, f, workQueue, &outstanding, insert, insertDir, recordErr)
				outstanding.Done()
			}
		}()
	}

	outstanding.Add(1)
	workQueue <- root

	outstanding.Wait()
	close(workQueue)
	workerWg.Wait()
	close(buffer)
	drainWg.Wait()

	if p := firstErr.Load(); p != nil {
		return nil, *p
	}
	if progress != nil {
		progress(filesScanned.Load(), bytesScanned.Load())
	}
	return tree, nil
}

func scanOneDir(
	ctx context.Context,
	root, dirPath string,
	f *filter.Chain,
	workQueue chan<- string,
	outstanding *sync.WaitGroup,
	insert func(*model.FileEntry),
	insertDir func(string),
	recordErr func(error),
) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if !os.IsPermission(err) {
			recordErr(err)
		}
		return
	}

	for _, d := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entryPath := filepath.Join(dirPath, d.Name())
		rel, err := filepath.Rel(root, entryPath)
		if err != nil {
			continue
		}
		rel = model.NormalizePath(rel)

		info, err := d.Info()
		if err != nil {
			continue
		}
		isDir := d.IsDir()

		if f != nil && !f.Match(rel, isDir, info.Size()) {
			continue
		}

		if isDir {
			insertDir(rel)
			outstanding.Add(1)
			select {
			case workQueue <- entryPath:
			case <-ctx.Done():
				outstanding.Done()
				return
			}
			continue
		}

		entry, err := lstatEntry(root, entryPath, d)
		if err != nil || entry == nil {
			continue
		}
		insert(entry)
	}
}
