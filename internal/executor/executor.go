// Package executor carries out a diff plan: atomic copies via staged
// temporary files, trash-based or permanent deletes, and both sequential
// and size-routed parallel dispatch.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/bamsammich/kopy/internal/checkpoint"
	"github.com/bamsammich/kopy/internal/event"
	"github.com/bamsammich/kopy/internal/model"
	"github.com/bamsammich/kopy/internal/platform"
	"github.com/bamsammich/kopy/internal/stats"
	"github.com/bamsammich/kopy/internal/syncerr"
	"github.com/bamsammich/kopy/internal/trash"
)

// smallLargeThreshold is the size boundary between the small (concurrent)
// and large (serialized) lanes of the parallel executor.
const smallLargeThreshold = 16 * 1024 * 1024

// Config controls how a plan is executed.
type Config struct {
	SrcRoot        string
	DstRoot        string
	DryRun         bool
	DeleteMode     model.DeleteMode
	PreserveMode   bool
	PreserveTimes  bool
	BandwidthLimit int64 // bytes/sec, 0 = unlimited
	Threads        int
	Checkpoint     *checkpoint.DB
	Stats          *stats.Collector
	Emit           func(event.Event)
}

func (c Config) emit(e event.Event) {
	if c.Emit == nil {
		return
	}
	e.Timestamp = time.Now()
	c.Emit(e)
}

// Summary is the aggregate outcome of running a plan.
type Summary struct {
	CopyCount     int64
	OverwriteCount int64
	DeleteCount   int64
	SkipCount     int64
	BytesTransferred int64
	BytesSkipped  int64
	BytesTrashed  int64
	Errors        []error
}

func newLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return NewBWLimiter(bytesPerSec)
}

// execContext bundles per-run state shared across actions.
type execContext struct {
	cfg     Config
	snap    *trash.Snapshot
	limiter *rate.Limiter
}

func newExecContext(cfg Config) *execContext {
	return &execContext{
		cfg:     cfg,
		snap:    trash.NewSnapshot(cfg.DstRoot),
		limiter: newLimiter(cfg.BandwidthLimit),
	}
}

// ExecuteSequential runs every action in plan order on the calling
// goroutine.
func ExecuteSequential(ctx context.Context, actions []model.SyncAction, cfg Config) *Summary {
	ec := newExecContext(cfg)
	summary := &Summary{}
	for _, a := range actions {
		if ctx.Err() != nil {
			break
		}
		applyAction(ctx, ec, a, summary)
	}
	return summary
}

func applyAction(ctx context.Context, ec *execContext, a model.SyncAction, summary *Summary) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic executing %s: %v", a.Path, r)
			summary.Errors = append(summary.Errors, err)
			ec.cfg.emit(event.Event{Type: event.Error, Path: a.Path, Err: err})
		}
	}()

	switch a.Kind {
	case model.ActionCopyNew, model.ActionOverwrite:
		applyCopy(ctx, ec, a, summary)
	case model.ActionDelete:
		applyDelete(ec, a, summary)
	case model.ActionConflict:
		ec.cfg.emit(event.Event{Type: event.Conflict, Path: a.Path, Reason: a.Reason})
		summary.SkipCount++
	default:
		summary.SkipCount++
		ec.cfg.emit(event.Event{Type: event.FileSkipped, Path: a.Path})
	}
}

func applyCopy(ctx context.Context, ec *execContext, a model.SyncAction, summary *Summary) {
	if a.Entry == nil {
		return
	}
	srcPath := filepath.Join(ec.cfg.SrcRoot, a.Entry.Path)
	dstPath := filepath.Join(ec.cfg.DstRoot, a.Entry.Path)

	if ec.cfg.Checkpoint != nil && ec.cfg.Checkpoint.Completed(a.Entry) {
		summary.SkipCount++
		summary.BytesSkipped += a.Entry.Size
		if ec.cfg.Stats != nil {
			ec.cfg.Stats.AddFilesSkipped(1)
			ec.cfg.Stats.AddBytesSkipped(a.Entry.Size)
		}
		ec.cfg.emit(event.Event{Type: event.FileSkipped, Path: a.Entry.Path, Size: a.Entry.Size})
		return
	}

	ec.cfg.emit(event.Event{Type: event.FileStarted, Path: a.Entry.Path, Size: a.Entry.Size})

	if ec.cfg.DryRun {
		if a.Kind == model.ActionCopyNew {
			summary.CopyCount++
		} else {
			summary.OverwriteCount++
		}
		summary.BytesTransferred += a.Entry.Size
		return
	}

	if a.BackupPath != "" {
		if err := backupExisting(dstPath, filepath.Join(ec.cfg.DstRoot, a.BackupPath)); err != nil {
			summary.Errors = append(summary.Errors, err)
			ec.cfg.emit(event.Event{Type: event.FileFailed, Path: a.Entry.Path, Err: err})
			return
		}
	}

	var err error
	if a.Entry.IsSymlink {
		err = copySymlink(dstPath, a.Entry)
	} else {
		err = copyRegularFile(ctx, ec, srcPath, dstPath, a.Entry)
	}

	if err != nil {
		summary.Errors = append(summary.Errors, err)
		ec.cfg.emit(event.Event{Type: event.FileFailed, Path: a.Entry.Path, Err: err})
		return
	}

	if a.Kind == model.ActionCopyNew {
		summary.CopyCount++
	} else {
		summary.OverwriteCount++
	}
	summary.BytesTransferred += a.Entry.Size

	if ec.cfg.Stats != nil {
		ec.cfg.Stats.AddFilesCopied(1)
		ec.cfg.Stats.AddBytesCopied(a.Entry.Size)
	}
	if ec.cfg.Checkpoint != nil {
		_ = ec.cfg.Checkpoint.MarkApplied(a.Entry, a.Kind)
	}

	ec.cfg.emit(event.Event{Type: event.FileComplete, Path: a.Entry.Path, Size: a.Entry.Size})
}

// backupExisting moves the file currently at dstPath aside to backupPath so
// a subsequent overwrite doesn't lose it. A missing dstPath is not an error:
// the conflict may have been resolved between planning and execution.
func backupExisting(dstPath, backupPath string) error {
	if err := os.MkdirAll(filepath.Dir(backupPath), 0755); err != nil {
		return syncerr.Wrap(backupPath, err)
	}
	if err := os.Rename(dstPath, backupPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return syncerr.Wrap(dstPath, err)
	}
	return nil
}

func copySymlink(dstPath string, e *model.FileEntry) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return syncerr.Wrap(dstPath, err)
	}
	if err := os.Remove(dstPath); err != nil && !os.IsNotExist(err) {
		return syncerr.Wrap(dstPath, err)
	}
	if err := os.Symlink(e.SymlinkTarget, dstPath); err != nil {
		return syncerr.Wrap(dstPath, err)
	}
	return nil
}

// copyRegularFile performs the atomic staged-copy-then-rename sequence
// described for CopyNew/Overwrite: write to a sibling `.part` file,
// fsync, rename over the destination.
func copyRegularFile(ctx context.Context, ec *execContext, srcPath, dstPath string, e *model.FileEntry) error {
	dir := filepath.Dir(dstPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return syncerr.Wrap(dir, err)
	}

	partPath := dstPath + ".part"
	RegisterTmp(partPath)
	defer func() {
		DeregisterTmp(partPath)
		_ = os.Remove(partPath)
	}()

	partFd, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(e.Mode|0600).Perm())
	if err != nil {
		return syncerr.Wrap(partPath, err)
	}

	written, err := streamCopy(ctx, ec, srcPath, partFd, e.Size)
	if err != nil {
		partFd.Close()
		return err
	}

	if written != e.Size {
		partFd.Close()
		return syncerr.NewTransferInterrupted(e.Path, written)
	}

	if err := partFd.Sync(); err != nil {
		partFd.Close()
		return syncerr.Wrap(partPath, err)
	}

	if ec.cfg.PreserveMode {
		if err := partFd.Chmod(os.FileMode(e.Mode).Perm()); err != nil {
			partFd.Close()
			return syncerr.Wrap(partPath, err)
		}
	}
	if ec.cfg.PreserveTimes {
		rawFd := int(partFd.Fd())
		if err := setFileTimes(rawFd, partFd.Name(), e.MTime, e.MTime, false); err != nil {
			partFd.Close()
			return syncerr.Wrap(partPath, err)
		}
	}

	if err := partFd.Close(); err != nil {
		return syncerr.Wrap(partPath, err)
	}

	if err := os.Rename(partPath, dstPath); err != nil {
		return syncerr.Wrap(dstPath, err)
	}
	return nil
}

func streamCopy(ctx context.Context, ec *execContext, srcPath string, dstFd *os.File, size int64) (int64, error) {
	if size == 0 {
		return 0, nil
	}

	segments, err := sparseSegments(srcPath, size)
	if err != nil {
		return 0, syncerr.Wrap(srcPath, err)
	}

	if len(segments) == 1 && segments[0].IsData {
		return copyWhole(ctx, ec, srcPath, dstFd, size)
	}
	return copySegments(ctx, ec, srcPath, dstFd, segments, size)
}

// sparseSegments opens srcPath just long enough to map its data/hole layout.
func sparseSegments(srcPath string, size int64) ([]Segment, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DetectSparseSegments(f, size)
}

func copyWhole(ctx context.Context, ec *execContext, srcPath string, dstFd *os.File, size int64) (int64, error) {
	result, err := platform.CopyFile(platform.CopyFileParams{
		SrcPath: srcPath,
		DstFd:   dstFd,
		SrcSize: size,
	})
	if err != nil {
		return result.BytesWritten, err
	}
	if err := throttle(ctx, ec, result.BytesWritten); err != nil {
		return result.BytesWritten, err
	}
	return result.BytesWritten, nil
}

// copySegments copies only the data segments, leaving holes as holes in the
// (sparse, newly-created) destination file by extending it with Truncate
// rather than writing zero bytes.
func copySegments(ctx context.Context, ec *execContext, srcPath string, dstFd *os.File, segments []Segment, size int64) (int64, error) {
	var total int64
	for _, seg := range segments {
		if !seg.IsData {
			continue
		}
		result, err := platform.CopyFile(platform.CopyFileParams{
			SrcPath:   srcPath,
			DstFd:     dstFd,
			SrcOffset: seg.Offset,
			Length:    seg.Length,
			SrcSize:   size,
		})
		total += result.BytesWritten
		if err != nil {
			return total, err
		}
		if err := throttle(ctx, ec, result.BytesWritten); err != nil {
			return total, err
		}
	}
	if err := dstFd.Truncate(size); err != nil {
		return total, err
	}
	return size, nil
}

func throttle(ctx context.Context, ec *execContext, n int64) error {
	if ec.limiter == nil || n <= 0 {
		return nil
	}
	// WaitN rejects requests larger than the burst, so wait in burst-sized steps.
	burst := int64(ec.limiter.Burst())
	if burst <= 0 {
		return ec.limiter.WaitN(ctx, int(n))
	}
	for n > 0 {
		step := min(n, burst)
		if err := ec.limiter.WaitN(ctx, int(step)); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func applyDelete(ec *execContext, a model.SyncAction, summary *Summary) {
	absPath := filepath.Join(ec.cfg.DstRoot, a.Path)

	switch ec.cfg.DeleteMode {
	case model.DeleteNone:
		summary.SkipCount++
		ec.cfg.emit(event.Event{Type: event.FileSkipped, Path: a.Path, Reason: "delete mode is none"})
		return
	case model.DeletePermanent:
		if ec.cfg.DryRun {
			summary.DeleteCount++
			return
		}
		if err := trash.PermanentDelete(absPath); err != nil {
			summary.Errors = append(summary.Errors, err)
			ec.cfg.emit(event.Event{Type: event.FileFailed, Path: a.Path, Err: err})
			return
		}
		summary.DeleteCount++
		if ec.cfg.Stats != nil {
			ec.cfg.Stats.AddFilesDeleted(1)
		}
		ec.cfg.emit(event.Event{Type: event.DeleteFile, Path: a.Path})
		return
	default: // DeleteTrash
		if ec.cfg.DryRun {
			summary.DeleteCount++
			return
		}
		info, statErr := os.Lstat(absPath)
		var size int64
		if statErr == nil {
			size = info.Size()
		} else if os.IsNotExist(statErr) {
			summary.DeleteCount++
			return
		}
		if err := ec.snap.Delete(absPath, a.Path, size, "removed from source"); err != nil {
			summary.Errors = append(summary.Errors, err)
			ec.cfg.emit(event.Event{Type: event.FileFailed, Path: a.Path, Err: err})
			return
		}
		summary.DeleteCount++
		summary.BytesTrashed += size
		if ec.cfg.Stats != nil {
			ec.cfg.Stats.AddFilesDeleted(1)
			ec.cfg.Stats.AddBytesTrashed(size)
		}
		ec.cfg.emit(event.Event{Type: event.DeleteFile, Path: a.Path, Size: size})
	}
}
