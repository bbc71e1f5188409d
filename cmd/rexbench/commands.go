package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rexbench/rexbench/internal/batch"
	"github.com/rexbench/rexbench/internal/cleanup"
	"github.com/rexbench/rexbench/internal/config"
	"github.com/rexbench/rexbench/internal/domain"
	"github.com/rexbench/rexbench/internal/engine"
	"github.com/rexbench/rexbench/internal/jobstore"
	"github.com/rexbench/rexbench/internal/matrix"
	"github.com/rexbench/rexbench/internal/recovery"
	"github.com/rexbench/rexbench/internal/report"
	"github.com/rexbench/rexbench/internal/scheduler"
	"github.com/rexbench/rexbench/internal/txlog"
	"github.com/rexbench/rexbench/internal/watch"
)

var (
	recoverDryRun   bool
	invalidateApply bool
	recalcApply     bool
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Expand the benchmark matrix and execute it",
		RunE:  runRun,
	}
	rootCmd.AddCommand(runCmd)

	// resume command
	resumeCmd := &cobra.Command{
		Use:   "resume [RUN]",
		Short: "Continue an interrupted run's queued jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runResume,
	}
	rootCmd.AddCommand(resumeCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status [RUN]",
		Short: "Show run progress",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// runs command
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List all runs",
		RunE:  runRuns,
	}
	rootCmd.AddCommand(runsCmd)

	// recover command
	recoverCmd := &cobra.Command{
		Use:   "recover [RUN]",
		Short: "Replay the transaction log into the job store",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRecover,
	}
	recoverCmd.Flags().BoolVar(&recoverDryRun, "dry-run", false, "report what would be recovered without writing")
	rootCmd.AddCommand(recoverCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch [RUN]",
		Short: "Follow a run's transaction log live",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runWatch,
	}
	rootCmd.AddCommand(watchCmd)

	// invalidate command
	invalidateCmd := &cobra.Command{
		Use:   "invalidate [RUN]",
		Short: "Find (and optionally requeue) suspicious completed jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInvalidate,
	}
	invalidateCmd.Flags().BoolVar(&invalidateApply, "apply", false, "requeue the suspicious jobs")
	rootCmd.AddCommand(invalidateCmd)

	// skip-timeouts command
	skipCmd := &cobra.Command{
		Use:   "skip-timeouts [RUN]",
		Short: "Deduplicate redundant timeouts, keeping one retry per combination",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSkipTimeouts,
	}
	rootCmd.AddCommand(skipCmd)

	// recalc-timeouts command
	recalcCmd := &cobra.Command{
		Use:   "recalc-timeouts [RUN]",
		Short: "Shrink queued timeout budgets from completed smaller corpora",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRecalcTimeouts,
	}
	recalcCmd.Flags().BoolVar(&recalcApply, "apply", false, "write the recalculated budgets")
	rootCmd.AddCommand(recalcCmd)

	// backup commands
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage job store backups",
	}
	backupCmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Snapshot the job store",
		RunE:  runBackupCreate,
	})
	backupCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots",
		RunE:  runBackupList,
	})
	backupCmd.AddCommand(&cobra.Command{
		Use:   "restore SNAPSHOT",
		Short: "Replace the job store with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupRestore,
	})
	rootCmd.AddCommand(backupCmd)

	// batch command
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Run scheduled benchmark batches until interrupted",
		RunE:  runBatch,
	}
	rootCmd.AddCommand(batchCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(cfg *config.Config) (*jobstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return nil, err
	}
	return jobstore.New(cfg.General.DatabasePath)
}

// resolveRun picks the run named in args, or falls back to the latest run
func resolveRun(store *jobstore.Store, args []string) (*domain.Run, error) {
	if len(args) > 0 {
		return store.GetRun(args[0])
	}
	run, err := store.LatestRun()
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, fmt.Errorf("no runs found; start one with 'rexbench run'")
	}
	return run, err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// executeRun drives one run through the scheduler until its queue drains
func executeRun(ctx context.Context, cfg *config.Config, store *jobstore.Store, run *domain.Run, logger *zap.Logger) error {
	if err := os.MkdirAll(cfg.General.TxLogDir, 0o755); err != nil {
		return err
	}
	log, err := txlog.Open(cfg.General.TxLogDir, run.ID, logger)
	if err != nil {
		return fmt.Errorf("opening transaction log: %w", err)
	}

	registry, err := engine.NewRegistry(cfg.Engines)
	if err != nil {
		return err
	}
	inputs, err := matrix.NewWorkspace(cfg.General.WorkDir)
	if err != nil {
		return fmt.Errorf("preparing workspace: %w", err)
	}

	rc := domain.RunContext{RunID: run.ID, Logger: logger, WorkDir: cfg.General.WorkDir}
	exec := scheduler.New(rc, cfg, store, log, registry, inputs)

	status, err := exec.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s finished: %s\n", run.ID, status)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := matrix.Expand(cfg, store, logger)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s: %d jobs queued\n", run.ID, run.TotalJobs)

	ctx, stop := signalContext()
	defer stop()
	return executeRun(ctx, cfg, store, run, logger)
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := resolveRun(store, args)
	if err != nil {
		return err
	}

	out, err := report.Resume(store, run.ID)
	if err != nil {
		return err
	}
	fmt.Print(out)

	ctx, stop := signalContext()
	defer stop()
	return executeRun(ctx, cfg, store, run, logger)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := resolveRun(store, args)
	if err != nil {
		return err
	}

	out, err := report.Progress(store, run.ID)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tJOBS\tCREATED\tNOTE")
	for _, r := range runs {
		note := r.StatusNote
		if note == "" {
			note = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Status, r.TotalJobs, humanize.Time(r.CreatedAt), note)
	}
	w.Flush()
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := resolveRun(store, args)
	if err != nil {
		return err
	}

	log, err := txlog.Open(cfg.General.TxLogDir, run.ID, logger)
	if err != nil {
		return fmt.Errorf("opening transaction log: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	stats, err := recovery.Recover(ctx, log, store, recoverDryRun, logger)
	if err != nil {
		return err
	}

	verb := "recovered"
	if recoverDryRun {
		verb = "would recover"
	}
	fmt.Printf("Scanned %d completions: %d already present, %s %d\n",
		stats.Scanned, stats.AlreadyPresent, verb, stats.Recovered)
	for _, msg := range stats.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	run, err := resolveRun(store, args)
	store.Close()
	if err != nil {
		return err
	}

	path := filepath.Join(cfg.General.TxLogDir, txlog.Filename(run.ID))
	fmt.Printf("Following %s (Ctrl-C to stop)\n", path)

	ctx, stop := signalContext()
	defer stop()

	follower := watch.NewFollower(path, logger)
	err = follower.Follow(ctx, func(entry txlog.Entry) {
		switch entry.EventType {
		case txlog.EventJobCompleted:
			fmt.Printf("%s  completed  %s/%dp/%s iter %d\n",
				entry.Timestamp.Format("15:04:05"), entry.Job.EngineName,
				entry.Job.PatternCount, entry.Job.InputSize, entry.Job.Iteration)
		case txlog.EventJobFailed:
			fmt.Printf("%s  failed     %s/%dp/%s iter %d: %s\n",
				entry.Timestamp.Format("15:04:05"), entry.Job.EngineName,
				entry.Job.PatternCount, entry.Job.InputSize, entry.Job.Iteration, entry.Error)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := resolveRun(store, args)
	if err != nil {
		return err
	}

	suspects, err := cleanup.FindSuspicious(store, run.ID, cfg.Policies)
	if err != nil {
		return err
	}
	if len(suspects) == 0 {
		fmt.Println("No suspicious results found")
		return nil
	}

	for _, s := range suspects {
		fmt.Printf("%s  %s iter %d: %s\n", s.Job.ID, s.Job.Combo(), s.Job.Iteration, s.Reason)
	}
	if !invalidateApply {
		fmt.Printf("%d suspicious results; rerun with --apply to requeue them\n", len(suspects))
		return nil
	}

	n, err := cleanup.Invalidate(store, suspects, logger)
	if err != nil {
		return err
	}
	fmt.Printf("Requeued %d jobs\n", n)
	return nil
}

func runSkipTimeouts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := resolveRun(store, args)
	if err != nil {
		return err
	}

	requeued, skipped, err := cleanup.SkipRedundantTimeouts(store, run.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Requeued %d timeouts for retry, skipped %d redundant ones\n", requeued, skipped)
	return nil
}

func runRecalcTimeouts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := resolveRun(store, args)
	if err != nil {
		return err
	}

	changes, err := cleanup.RecalculateTimeouts(store, run.ID, recalcApply, cfg.Matrix.TimeoutSeconds, logger)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		fmt.Println("No timeout budgets to shrink")
		return nil
	}

	for _, c := range changes {
		fmt.Printf("%s  %s: %ds -> %ds\n", c.JobID, c.Combo, c.OldSeconds, c.NewSeconds)
	}
	if !recalcApply {
		fmt.Printf("%d budgets would shrink; rerun with --apply to write them\n", len(changes))
	} else {
		fmt.Printf("Updated %d budgets\n", len(changes))
	}
	return nil
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	path, err := store.Backup(cfg.General.BackupDir)
	if err != nil {
		return err
	}
	fmt.Printf("Backup written to %s\n", path)
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	backups, err := jobstore.ListBackups(cfg.General.BackupDir)
	if err != nil {
		return err
	}
	fmt.Print(report.Backups(backups))
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := jobstore.Restore(args[0], cfg.General.DatabasePath); err != nil {
		return err
	}
	fmt.Printf("Restored %s from %s\n", cfg.General.DatabasePath, args[0])
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Batches) == 0 {
		return fmt.Errorf("no batches configured")
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	sched, err := batch.NewScheduler(cfg.Batches, logger)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("Scheduling %d batches (Ctrl-C to stop)\n", len(cfg.Batches))
	sched.Start(ctx, func(ctx context.Context, b config.BatchConfig) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		run, err := matrix.Expand(cfg, store, logger)
		if err != nil {
			return err
		}
		return executeRun(ctx, cfg, store, run, logger)
	})
	return nil
}
