package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/kopy/internal/config"
	"github.com/bamsammich/kopy/internal/event"
	"github.com/bamsammich/kopy/internal/filter"
	"github.com/bamsammich/kopy/internal/logging"
	"github.com/bamsammich/kopy/internal/model"
	"github.com/bamsammich/kopy/internal/orchestrator"
	"github.com/bamsammich/kopy/internal/stats"
	"github.com/bamsammich/kopy/internal/syncerr"
	"github.com/bamsammich/kopy/internal/trash"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx))
}

// exitError carries a process exit code out of a cobra RunE without
// resorting to os.Exit mid-command (defers still run).
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

// classifyFatalError maps a fatal (non-aborted) orchestrator error onto the
// exit code table: configuration/validation failures exit 2, everything
// that reached the filesystem before failing exits 3.
func classifyFatalError(err error) int {
	switch {
	case syncerr.As(err, syncerr.ConfigError), syncerr.As(err, syncerr.PathConflict):
		return 2
	case syncerr.As(err, syncerr.Io), syncerr.As(err, syncerr.PermissionDenied), syncerr.As(err, syncerr.DiskFull):
		return 3
	default:
		return 2
	}
}

// patternFlag is a custom pflag.Value that preserves CLI ordering of
// --exclude and --include by appending straight into a shared filter list,
// since pflag's built-in StringArray loses interleaving between two flags.
type patternFlag struct {
	target *[]string
}

var _ pflag.Value = (*patternFlag)(nil)

func (*patternFlag) String() string { return "" }
func (*patternFlag) Type() string   { return "string" }
func (f *patternFlag) Set(val string) error {
	*f.target = append(*f.target, val)
	return nil
}

func run(ctx context.Context) int {
	root := &cobra.Command{
		Use:           "kopy",
		Short:         "Local directory synchronization with atomic copies and recoverable deletes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("version", false, "print version and exit")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Fprintf(os.Stdout, "kopy %s\n", version)
			os.Exit(0)
		}
		return nil
	}

	root.AddCommand(newSyncCmd(ctx))
	root.AddCommand(newVerifyCmd(ctx))
	root.AddCommand(newTrashCmd())

	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// syncFlags holds every sync-command flag value, gathered up front so
// applyConfigDefaults can fill in anything the user left unset.
type syncFlags struct {
	dryRun                  bool
	checksum                bool
	delete, deletePermanent bool
	exclude, include        []string
	threads                 int
	scanMode                string
	limit                   string
	resume                  bool
	conflict                string
	preserveMode            bool
	preserveTimes           bool
	verbose, quiet          bool
	logFile                 string
}

func newSyncCmd(ctx context.Context) *cobra.Command {
	var f syncFlags

	cmd := &cobra.Command{
		Use:   "sync <source> <destination>",
		Short: "Make destination reflect source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(ctx, cmd, args[0], args[1], f)
		},
	}

	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "show what would happen without writing")
	cmd.Flags().BoolVar(&f.checksum, "checksum", false, "compare content hashes, not just size/mtime")
	cmd.Flags().BoolVar(&f.delete, "delete", false, "move extraneous destination files to trash")
	cmd.Flags().BoolVar(&f.deletePermanent, "delete-permanent", false, "permanently remove extraneous destination files, bypassing trash")
	cmd.Flags().Var(&patternFlag{target: &f.exclude}, "exclude", "exclude paths matching PATTERN (repeatable)")
	cmd.Flags().Var(&patternFlag{target: &f.include}, "include", "include paths matching PATTERN, overrides exclude (repeatable)")
	cmd.Flags().IntVar(&f.threads, "threads", 0, "worker count (default: min(NumCPU, 8))")
	cmd.Flags().StringVar(&f.scanMode, "scan-mode", "auto", "scan strategy: auto|sequential|parallel")
	cmd.Flags().StringVar(&f.limit, "limit", "", "bandwidth limit, bytes/sec (e.g. 10M, 512K)")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "skip files already completed in a prior interrupted run")
	cmd.Flags().StringVar(&f.conflict, "conflict", "skip", "conflict resolution: skip|overwrite|backup|abort")
	cmd.Flags().BoolVar(&f.preserveMode, "preserve-mode", true, "preserve POSIX permission bits")
	cmd.Flags().BoolVar(&f.preserveTimes, "preserve-times", true, "preserve modification times")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "debug-level logging")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "warn-level logging only")
	cmd.Flags().StringVar(&f.logFile, "log", "", "additionally write structured JSON logs to FILE")

	return cmd
}

func runSync(ctx context.Context, cmd *cobra.Command, source, destination string, f syncFlags) error {
	defaults, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config file", "error", err)
	}
	applyConfigDefaults(cmd, defaults.Defaults, &f)

	logger, closeLog, err := setupLogging(f.verbose, f.quiet, f.logFile)
	if err != nil {
		return &exitError{code: 2}
	}
	defer closeLog()
	slog.SetDefault(logger)

	deleteMode := resolveDeleteMode(f.delete, f.deletePermanent)
	scanMode, err := parseScanMode(f.scanMode)
	if err != nil {
		slog.Error(err.Error())
		return &exitError{code: 2}
	}
	conflictStrategy, err := parseConflictStrategy(f.conflict)
	if err != nil {
		slog.Error(err.Error())
		return &exitError{code: 2}
	}

	var limitBytes int64
	if f.limit != "" {
		limitBytes, err = filter.ParseSize(f.limit)
		if err != nil {
			slog.Error("invalid --limit", "error", err)
			return &exitError{code: 2}
		}
	}

	threads := f.threads
	if threads <= 0 {
		threads = min(runtime.NumCPU(), 8)
	}

	collector := stats.NewCollector()
	presenter := newLinePresenter(os.Stderr, f.quiet, f.verbose)
	events := make(chan event.Event, 256)

	var wg presenterWaiter
	wg.start(func() { presenter.run(events) })

	cfg := orchestrator.Config{
		Source:           source,
		Destination:      destination,
		DryRun:           f.dryRun,
		ChecksumMode:     f.checksum,
		DeleteMode:       deleteMode,
		Exclude:          f.exclude,
		Include:          f.include,
		ScanMode:         scanMode,
		Threads:          threads,
		BandwidthLimit:   limitBytes,
		ConflictStrategy: conflictStrategy,
		ResumeCheckpoint: f.resume,
		PreserveMode:     f.preserveMode,
		PreserveTimes:    f.preserveTimes,
		Stats:            collector,
		Emit: func(e event.Event) {
			select {
			case events <- e:
			default:
			}
		},
	}

	result, runErr := orchestrator.Run(ctx, cfg)
	close(events)
	wg.wait()

	if runErr != nil {
		if errors.Is(runErr, orchestrator.ErrAborted) {
			slog.Error("sync aborted: unresolved conflicts")
			return &exitError{code: 1}
		}
		slog.Error("sync failed", "error", runErr)
		return &exitError{code: classifyFatalError(runErr)}
	}

	summary := collector.Snapshot()
	fmt.Fprintf(os.Stderr, "copied %d, deleted %d, skipped %d, %s transferred, %d errors\n",
		result.Summary.CopyCount+result.Summary.OverwriteCount,
		result.Summary.DeleteCount,
		summary.FilesSkipped,
		stats.FormatBytes(result.Summary.BytesTransferred),
		len(result.Summary.Errors),
	)
	for _, e := range result.Summary.Errors {
		fmt.Fprintf(os.Stderr, "  %v\n", e)
	}

	if len(result.Summary.Errors) > 0 {
		return &exitError{code: 1}
	}
	return nil
}

func applyConfigDefaults(cmd *cobra.Command, defaults config.DefaultsConfig, f *syncFlags) {
	if !cmd.Flags().Changed("checksum") && defaults.Checksum != nil {
		f.checksum = *defaults.Checksum
	}
	if !cmd.Flags().Changed("threads") && defaults.Threads != nil {
		f.threads = *defaults.Threads
	}
	if !cmd.Flags().Changed("delete") && !cmd.Flags().Changed("delete-permanent") && defaults.Delete != nil {
		switch *defaults.Delete {
		case "trash":
			f.delete = true
		case "permanent":
			f.deletePermanent = true
		}
	}
	if !cmd.Flags().Changed("limit") && defaults.Limit != nil {
		f.limit = *defaults.Limit
	}
}

// resolveDeleteMode favors --delete-permanent when both flags are set.
func resolveDeleteMode(trashDelete, permanentDelete bool) model.DeleteMode {
	switch {
	case permanentDelete:
		return model.DeletePermanent
	case trashDelete:
		return model.DeleteTrash
	default:
		return model.DeleteNone
	}
}

func parseScanMode(s string) (model.ScanMode, error) {
	switch s {
	case "", "auto":
		return model.ScanAuto, nil
	case "sequential":
		return model.ScanSequential, nil
	case "parallel":
		return model.ScanParallel, nil
	default:
		return model.ScanAuto, fmt.Errorf("invalid --scan-mode %q: want auto|sequential|parallel", s)
	}
}

func parseConflictStrategy(s string) (model.ConflictStrategy, error) {
	switch s {
	case "", "skip":
		return model.ConflictSkip, nil
	case "overwrite":
		return model.ConflictOverwrite, nil
	case "backup":
		return model.ConflictBackup, nil
	case "abort":
		return model.ConflictAbort, nil
	default:
		return model.ConflictSkip, fmt.Errorf("invalid --conflict %q: want skip|overwrite|backup|abort", s)
	}
}

func setupLogging(verbose, quiet bool, logFile string) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelWarn
	}

	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	var handler slog.Handler = textHandler
	closeLog := func() {}

	if logFile != "" {
		lf, err := os.Create(logFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
		handler = logging.NewMultiHandler(textHandler, jsonHandler)
		closeLog = func() { lf.Close() }
	}

	return slog.New(handler), closeLog, nil
}

func newVerifyCmd(ctx context.Context) *cobra.Command {
	var exclude, include []string
	var threads int

	cmd := &cobra.Command{
		Use:   "verify <source> <destination>",
		Short: "Compare source and destination content without writing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if threads <= 0 {
				threads = min(runtime.NumCPU(), 8)
			}
			report, err := orchestrator.Verify(ctx, orchestrator.VerifyConfig{
				Source:      args[0],
				Destination: args[1],
				Exclude:     exclude,
				Include:     include,
				Threads:     threads,
			})
			if err != nil {
				slog.Error("verify failed", "error", err)
				return &exitError{code: classifyFatalError(err)}
			}

			printVerifyReport(report)
			if !report.IsClean() {
				return &exitError{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().Var(&patternFlag{target: &exclude}, "exclude", "exclude paths matching PATTERN (repeatable)")
	cmd.Flags().Var(&patternFlag{target: &include}, "include", "include paths matching PATTERN (repeatable)")
	cmd.Flags().IntVar(&threads, "threads", 0, "worker count (default: min(NumCPU, 8))")
	return cmd
}

func printVerifyReport(r *orchestrator.VerifyReport) {
	fmt.Printf("matched: %d\n", len(r.Matched))
	printPaths("modified", r.Modified)
	printPaths("missing", r.Missing)
	printPaths("extra", r.Extra)
	printPaths("conflict", r.Conflicts)
}

func printPaths(label string, paths []string) {
	if len(paths) == 0 {
		return
	}
	fmt.Printf("%s: %d\n", label, len(paths))
	for _, p := range paths {
		fmt.Printf("  %s\n", p)
	}
}

func newTrashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "Inspect and manage recoverable deletes",
	}
	cmd.AddCommand(newTrashListCmd(), newTrashRestoreCmd(), newTrashCleanCmd())
	return cmd
}

func newTrashListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <root>",
		Short: "Enumerate snapshot directories under root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := trash.List(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return &exitError{code: 2}
			}
			if len(infos) == 0 {
				fmt.Println("no snapshots")
				return nil
			}
			for _, info := range infos {
				fmt.Printf("%s\t%d entries\n", info.Name, len(info.Manifest.Entries))
			}
			return nil
		},
	}
}

func newTrashRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <root> <snapshot>",
		Short: "Restore every entry in a snapshot to its original location",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			restored, skipped, err := trash.Restore(args[0], args[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return &exitError{code: 2}
			}
			fmt.Printf("restored %d, skipped %d\n", len(restored), len(skipped))
			for _, p := range skipped {
				fmt.Printf("  skipped (conflict): %s\n", p)
			}
			return nil
		},
	}
}

func newTrashCleanCmd() *cobra.Command {
	var olderThan string
	var all bool

	cmd := &cobra.Command{
		Use:   "clean <root>",
		Short: "Permanently remove old snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var removed []string
			var err error

			switch {
			case all:
				removed, err = trash.Clean(args[0], 0)
			case olderThan != "":
				d, perr := time.ParseDuration(olderThan)
				if perr != nil {
					fmt.Fprintf(os.Stderr, "Error: invalid --older-than %q: %v\n", olderThan, perr)
					return &exitError{code: 2}
				}
				removed, err = trash.CleanOlderThan(args[0], time.Now().Add(-d))
			default:
				fmt.Fprintln(os.Stderr, "Error: specify --older-than DURATION or --all")
				return &exitError{code: 2}
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return &exitError{code: 2}
			}
			fmt.Printf("removed %d snapshot(s)\n", len(removed))
			return nil
		},
	}

	cmd.Flags().StringVar(&olderThan, "older-than", "", "remove snapshots older than DURATION (e.g. 720h)")
	cmd.Flags().BoolVar(&all, "all", false, "remove every snapshot")
	return cmd
}

// linePresenter renders the event stream as one line per notable event,
// mirroring the teacher's plain (non-TUI) presenter mode.
type linePresenter struct {
	w              *os.File
	quiet, verbose bool
}

func newLinePresenter(w *os.File, quiet, verbose bool) *linePresenter {
	return &linePresenter{w: w, quiet: quiet, verbose: verbose}
}

func (p *linePresenter) run(events <-chan event.Event) {
	for e := range events {
		if p.quiet && e.Type != event.FileFailed && e.Type != event.Error {
			continue
		}
		switch e.Type {
		case event.FileComplete:
			if p.verbose {
				fmt.Fprintf(p.w, "%s\n", e.Path)
			}
		case event.FileSkipped:
			if p.verbose {
				fmt.Fprintf(p.w, "skip %s\n", e.Path)
			}
		case event.DeleteFile:
			fmt.Fprintf(p.w, "trash %s\n", e.Path)
		case event.Conflict:
			fmt.Fprintf(p.w, "conflict %s: %s\n", e.Path, e.Reason)
		case event.FileFailed, event.Error:
			msg := e.Reason
			if e.Err != nil {
				msg = e.Err.Error()
			}
			fmt.Fprintf(p.w, "error %s: %s\n", e.Path, msg)
		}
	}
}

// presenterWaiter runs the presenter goroutine and blocks until it drains,
// avoiding a WaitGroup import for a single background task.
type presenterWaiter struct {
	done chan struct{}
}

func (w *presenterWaiter) start(fn func()) {
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		fn()
	}()
}

func (w *presenterWaiter) wait() {
	<-w.done
}
