// Package orchestrator wires filter, scanner, diff engine, and executor
// into the end-to-end sync flow: validate paths, scan both trees
// concurrently, diff, resolve conflicts, execute, and summarize.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/bamsammich/kopy/internal/checkpoint"
	"github.com/bamsammich/kopy/internal/diffengine"
	"github.com/bamsammich/kopy/internal/event"
	"github.com/bamsammich/kopy/internal/executor"
	"github.com/bamsammich/kopy/internal/filter"
	"github.com/bamsammich/kopy/internal/hasher"
	"github.com/bamsammich/kopy/internal/model"
	"github.com/bamsammich/kopy/internal/scanner"
	"github.com/bamsammich/kopy/internal/stats"
	"github.com/bamsammich/kopy/internal/syncerr"
)

// Config is the enumerated set of options the core sync flow honors.
type Config struct {
	Source, Destination string
	DryRun               bool
	ChecksumMode         bool
	DeleteMode           model.DeleteMode
	Exclude, Include     []string
	ScanMode             model.ScanMode
	Threads              int
	BandwidthLimit       int64
	ConflictStrategy     model.ConflictStrategy
	ResumeCheckpoint     bool
	PreserveMode         bool
	PreserveTimes        bool
	Emit                 func(event.Event)
	Stats                *stats.Collector
}

// Result is the aggregated outcome of a sync run.
type Result struct {
	Plan    *diffengine.Plan
	Summary *executor.Summary
}

func (c Config) emit(e event.Event) {
	if c.Emit == nil {
		return
	}
	c.Emit(e)
}

// Run executes the full sync flow described by cfg.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	src, dst, err := canonicalizeAndValidate(cfg.Source, cfg.Destination)
	if err != nil {
		return nil, err
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return nil, syncerr.Wrap(src, err)
	}
	if !srcInfo.IsDir() {
		return runSingleFile(ctx, src, dst, srcInfo, cfg)
	}

	if err := ensureDestination(dst); err != nil {
		return nil, err
	}

	f, err := buildFilter(cfg, src)
	if err != nil {
		return nil, err
	}

	mode := scanner.ResolveScanMode(src, cfg.ScanMode, cfg.Threads, f)
	slog.Debug("scan mode resolved", "mode", modeString(mode), "root", src)

	srcTree, destTree, err := scanBoth(ctx, src, dst, f, mode, cfg)
	if err != nil {
		return nil, err
	}

	plan := diffengine.GeneratePlan(srcTree, destTree, diffengine.Options{
		ChecksumMode: cfg.ChecksumMode,
		DeleteMode:   cfg.DeleteMode,
	})

	if cfg.Stats != nil {
		cfg.Stats.SetTotals(srcTree.TotalFiles, srcTree.TotalSize)
	}

	if plan.IsUpToDate() {
		cfg.emit(event.Event{Type: event.Summary, Reason: "up to date"})
		return &Result{Plan: plan, Summary: &executor.Summary{}}, nil
	}

	if cfg.DryRun {
		cfg.emit(event.Event{Type: event.Summary, Reason: "dry run"})
		return &Result{Plan: plan, Summary: &executor.Summary{}}, nil
	}

	resolveConflicts(plan, cfg.ConflictStrategy)
	if err := CheckAbort(plan, cfg.ConflictStrategy); err != nil {
		return &Result{Plan: plan, Summary: &executor.Summary{}}, err
	}

	var cp *checkpoint.DB
	if cfg.ResumeCheckpoint {
		cp, err = checkpoint.Open(src, dst)
		if err != nil {
			return nil, syncerr.Wrap(dst, err)
		}
		defer cp.Close()
	}

	execCfg := executor.Config{
		SrcRoot:        src,
		DstRoot:        dst,
		DryRun:         cfg.DryRun,
		DeleteMode:     cfg.DeleteMode,
		PreserveMode:   cfg.PreserveMode,
		PreserveTimes:  cfg.PreserveTimes,
		BandwidthLimit: cfg.BandwidthLimit,
		Threads:        cfg.Threads,
		Checkpoint:     cp,
		Stats:          cfg.Stats,
		Emit:           cfg.Emit,
	}

	var summary *executor.Summary
	if cfg.Threads <= 1 {
		summary = executor.ExecuteSequential(ctx, plan.Actions, execCfg)
	} else {
		summary = executor.ExecuteParallel(ctx, plan.Actions, execCfg)
	}

	cfg.emit(event.Event{
		Type:  event.Summary,
		Total: int64(len(plan.Actions)),
	})

	return &Result{Plan: plan, Summary: summary}, nil
}

// canonicalizeAndValidate resolves both paths to absolute form and rejects
// self-referential or nested source/destination pairs.
func canonicalizeAndValidate(source, destination string) (string, string, error) {
	if source == "" || destination == "" {
		return "", "", syncerr.NewConfigError("source and destination are required")
	}

	src, err := canonicalize(source)
	if err != nil {
		return "", "", syncerr.NewPathConflict(source, "source does not exist")
	}
	dst, err := canonicalize(destination)
	if err != nil {
		// Destination may not exist yet; canonicalize what does.
		dst, err = canonicalizeMissing(destination)
		if err != nil {
			return "", "", syncerr.NewPathConflict(destination, "destination path is invalid")
		}
	}

	if src == dst {
		return "", "", syncerr.NewPathConflict(dst, "source and destination are the same path")
	}
	if model.HasPathPrefix(dst, src) {
		return "", "", syncerr.NewPathConflict(dst, "destination is nested under source")
	}
	if model.HasPathPrefix(src, dst) {
		return "", "", syncerr.NewPathConflict(src, "source is nested under destination")
	}

	return src, dst, nil
}

func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// canonicalizeMissing resolves as much of path's ancestry as exists, then
// rejoins the remaining components verbatim. Used for a destination that
// will be created during this run.
func canonicalizeMissing(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(abs)
	base := filepath.Base(abs)
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("resolve parent of %s: %w", path, err)
	}
	return filepath.Join(resolvedDir, base), nil
}

func ensureDestination(dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return syncerr.Wrap(dst, err)
	}
	return nil
}

// runSingleFile handles source being a regular file (or symlink): the
// destination is either a file path directly, or an existing directory to
// copy under using the source's basename. This bypasses scan/diff entirely
// since there is exactly one path to compare.
func runSingleFile(ctx context.Context, src, dst string, srcInfo os.FileInfo, cfg Config) (*Result, error) {
	destPath := dst
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		destPath = filepath.Join(dst, filepath.Base(src))
	}

	displayName := filepath.Base(destPath)
	entry := &model.FileEntry{
		Path:  displayName,
		Size:  srcInfo.Size(),
		MTime: srcInfo.ModTime(),
		Mode:  uint32(srcInfo.Mode().Perm()),
	}
	if srcInfo.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return nil, syncerr.Wrap(src, err)
		}
		entry.IsSymlink = true
		entry.SymlinkTarget = target
	}

	kind := model.ActionCopyNew
	if destInfo, err := os.Lstat(destPath); err == nil {
		if destInfo.Size() == entry.Size && destInfo.ModTime().Equal(entry.MTime) && !cfg.ChecksumMode {
			kind = model.ActionSkip
		} else {
			kind = model.ActionOverwrite
		}
	}

	plan := &diffengine.Plan{Actions: []model.SyncAction{{Kind: kind, Path: entry.Path, Entry: entry}}}

	if kind == model.ActionSkip || cfg.DryRun {
		return &Result{Plan: plan, Summary: &executor.Summary{}}, nil
	}

	// entry.Path is "" here so the executor's SrcRoot/DstRoot joins resolve
	// to src/destPath exactly, regardless of whether the two basenames
	// differ (an explicit rename during copy).
	entry.Path = ""
	execCfg := executor.Config{
		SrcRoot:        src,
		DstRoot:        destPath,
		DeleteMode:     model.DeleteNone,
		PreserveMode:   cfg.PreserveMode,
		PreserveTimes:  cfg.PreserveTimes,
		BandwidthLimit: cfg.BandwidthLimit,
		Threads:        1,
		Stats:          cfg.Stats,
		Emit:           cfg.Emit,
	}

	summary := executor.ExecuteSequential(ctx, plan.Actions, execCfg)
	plan.Actions[0].Entry.Path = displayName
	plan.Actions[0].Path = displayName
	return &Result{Plan: plan, Summary: summary}, nil
}

// VerifyConfig is the enumerated set of options a verify pass honors. It
// intentionally carries none of Config's write-path fields (DryRun,
// DeleteMode, ConflictStrategy): verify never writes.
type VerifyConfig struct {
	Source, Destination string
	Exclude, Include    []string
	ScanMode            model.ScanMode
	Threads             int
}

// VerifyReport groups every path by comparison outcome. A clean report
// (Modified, Missing, Extra all empty, Conflicts zero) means the trees are
// byte-for-byte identical.
type VerifyReport struct {
	Matched   []string
	Modified  []string
	Missing   []string
	Extra     []string
	Conflicts []string
}

// IsClean reports whether source and destination agree completely.
func (r *VerifyReport) IsClean() bool {
	return len(r.Modified) == 0 && len(r.Missing) == 0 && len(r.Extra) == 0 && len(r.Conflicts) == 0
}

// Verify compares source and destination content (always checksum mode)
// without writing anything, and returns a report grouping every observed
// path by outcome.
func Verify(ctx context.Context, cfg VerifyConfig) (*VerifyReport, error) {
	src, dst, err := canonicalizeAndValidate(cfg.Source, cfg.Destination)
	if err != nil {
		return nil, err
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return nil, syncerr.Wrap(src, err)
	}
	if !srcInfo.IsDir() {
		return verifySingleFile(src, dst, srcInfo)
	}

	f, err := buildFilter(Config{Exclude: cfg.Exclude, Include: cfg.Include}, src)
	if err != nil {
		return nil, err
	}

	mode := scanner.ResolveScanMode(src, cfg.ScanMode, cfg.Threads, f)
	srcTree, destTree, err := scanBoth(ctx, src, dst, f, mode, Config{Threads: cfg.Threads})
	if err != nil {
		return nil, err
	}

	plan := diffengine.GeneratePlan(srcTree, destTree, diffengine.Options{
		ChecksumMode: true,
		DeleteMode:   model.DeleteTrash, // forces Delete actions for dest-only paths; verify never executes them
	})

	report := &VerifyReport{}
	for _, a := range plan.Actions {
		switch a.Kind {
		case model.ActionSkip:
			report.Matched = append(report.Matched, a.Path)
		case model.ActionOverwrite:
			report.Modified = append(report.Modified, a.Path)
		case model.ActionCopyNew:
			report.Missing = append(report.Missing, a.Path)
		case model.ActionDelete:
			report.Extra = append(report.Extra, a.Path)
		case model.ActionConflict:
			report.Conflicts = append(report.Conflicts, a.Path)
		}
	}
	return report, nil
}

func verifySingleFile(src, dst string, srcInfo os.FileInfo) (*VerifyReport, error) {
	destInfo, err := os.Stat(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return &VerifyReport{Missing: []string{filepath.Base(src)}}, nil
		}
		return nil, syncerr.Wrap(dst, err)
	}
	if destInfo.IsDir() {
		dst = filepath.Join(dst, filepath.Base(src))
		destInfo, err = os.Stat(dst)
		if err != nil {
			if os.IsNotExist(err) {
				return &VerifyReport{Missing: []string{filepath.Base(src)}}, nil
			}
			return nil, syncerr.Wrap(dst, err)
		}
	}

	name := filepath.Base(src)
	if srcInfo.Size() != destInfo.Size() {
		return &VerifyReport{Modified: []string{name}}, nil
	}
	srcHash, err := hasher.File(src)
	if err != nil {
		return nil, err
	}
	dstHash, err := hasher.File(dst)
	if err != nil {
		return nil, err
	}
	if !hasher.Equal(srcHash, dstHash) {
		return &VerifyReport{Modified: []string{name}}, nil
	}
	return &VerifyReport{Matched: []string{name}}, nil
}

func buildFilter(cfg Config, root string) (*filter.Chain, error) {
	f := filter.NewChain()
	for _, pattern := range cfg.Exclude {
		if err := f.AddExclude(pattern); err != nil {
			return nil, syncerr.NewConfigError(fmt.Sprintf("invalid exclude pattern %q: %v", pattern, err))
		}
	}
	for _, pattern := range cfg.Include {
		if err := f.AddInclude(pattern); err != nil {
			return nil, syncerr.NewConfigError(fmt.Sprintf("invalid include pattern %q: %v", pattern, err))
		}
	}
	if err := f.DiscoverIgnoreFiles(root); err != nil {
		return nil, syncerr.Wrap(root, err)
	}
	return f, nil
}

// scanResult carries a scan's outcome across the fan-in channel.
type scanResult struct {
	tree *model.FileTree
	err  error
}

func scanBoth(ctx context.Context, src, dst string, f *filter.Chain, mode model.ScanMode, cfg Config) (*model.FileTree, *model.FileTree, error) {
	srcCh := make(chan scanResult, 1)
	dstCh := make(chan scanResult, 1)

	go func() { srcCh <- runScan(ctx, src, f, mode, cfg.Threads, cfg.emitScanEvent(event.ScanStarted, event.ScanComplete)) }()
	go func() { dstCh <- runScan(ctx, dst, f, mode, cfg.Threads, cfg.emitScanEvent(event.ScanStarted, event.ScanComplete)) }()

	srcRes := <-srcCh
	dstRes := <-dstCh

	if srcRes.err != nil {
		return nil, nil, syncerr.Wrap(src, srcRes.err)
	}
	if dstRes.err != nil {
		return nil, nil, syncerr.Wrap(dst, dstRes.err)
	}
	return srcRes.tree, dstRes.tree, nil
}

func (c Config) emitScanEvent(started, complete event.Type) scanner.ProgressFunc {
	if c.Emit == nil {
		return nil
	}
	return func(files, bytes int64) {
		c.Emit(event.Event{Type: event.ScanProgress, Total: files, TotalSize: bytes})
	}
}

func runScan(ctx context.Context, root string, f *filter.Chain, mode model.ScanMode, threads int, progress scanner.ProgressFunc) scanResult {
	var tree *model.FileTree
	var err error
	switch mode {
	case model.ScanParallel:
		tree, err = scanner.ScanParallel(ctx, root, f, threads, progress)
	default:
		tree, err = scanner.ScanSequential(ctx, root, f, progress)
	}
	return scanResult{tree: tree, err: err}
}

// resolveConflicts rewrites every Conflict action in place according to
// strategy. Prompt is treated like Skip: no interactive prompt exists here or
// in the bundled CLI.
func resolveConflicts(plan *diffengine.Plan, strategy model.ConflictStrategy) {
	for i, a := range plan.Actions {
		if a.Kind != model.ActionConflict {
			continue
		}
		switch strategy {
		case model.ConflictOverwrite:
			plan.Actions[i].Kind = model.ActionOverwrite
		case model.ConflictBackup:
			plan.Actions[i].Kind = model.ActionOverwrite
			// Suffix with a fresh UUID rather than a fixed ".bak" extension so
			// repeated conflicting runs against the same destination don't
			// silently clobber an earlier backup of the same file.
			plan.Actions[i].BackupPath = a.Path + ".bak." + uuid.New().String()[:8]
		case model.ConflictSkip, model.ConflictPrompt:
			plan.Actions[i].Kind = model.ActionSkip
		case model.ConflictAbort:
			// Leave as Conflict; CheckAbort then returns ErrAborted and Run
			// stops before executing anything.
		}
	}
}

func modeString(m model.ScanMode) string {
	switch m {
	case model.ScanSequential:
		return "sequential"
	case model.ScanParallel:
		return "parallel"
	default:
		return "auto"
	}
}

// ErrAborted is returned when ConflictStrategy is Abort and at least one
// Conflict action remains unresolved in the plan.
var ErrAborted = errors.New("sync aborted: unresolved conflicts")

// CheckAbort scans a plan for remaining Conflict actions under an Abort
// strategy and returns ErrAborted if any are found.
func CheckAbort(plan *diffengine.Plan, strategy model.ConflictStrategy) error {
	if strategy != model.ConflictAbort {
		return nil
	}
	for _, a := range plan.Actions {
		if a.Kind == model.ActionConflict {
			return ErrAborted
		}
	}
	return nil
}
