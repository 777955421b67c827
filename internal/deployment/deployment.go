// Package deployment mirrors a static site into the web root with a
// snapshot before every change, and rolls back to the latest snapshot.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"sitebox/internal/backup"
	"sitebox/internal/config"
	"sitebox/internal/errs"
	"sitebox/internal/security"
	"sitebox/pkg/cmdutil"
	"sitebox/pkg/fileutil"
)

var (
	// ErrSourceInvalid is returned when the source directory is missing or empty.
	ErrSourceInvalid = errors.New("source directory is missing or empty")

	// ErrDestUnavailable is returned when the destination cannot be created or written.
	ErrDestUnavailable = errors.New("destination directory is not writable")

	// ErrBackupUnavailable is returned when the backup directory cannot hold
	// the deployment lock.
	ErrBackupUnavailable = errors.New("backup directory is not usable")

	// ErrNoBackupAvailable is returned by Rollback when there is nothing to restore.
	ErrNoBackupAvailable = errors.New("no backup available to roll back to")
)

// Report describes a finished deployment.
type Report struct {
	Snapshot  *backup.Snapshot `json:"snapshot,omitempty"`
	Copied    int              `json:"copied"`
	Deleted   int              `json:"deleted"`
	Unchanged int              `json:"unchanged"`
	Duration  time.Duration    `json:"duration"`
	Warnings  []string         `json:"warnings,omitempty"`
}

// Deployer is the only component that mutates the web root.
type Deployer struct {
	store      *backup.Store
	maxBackups int
	owner      Owner
	configTest []string
	reload     []string
	excludes   *Excludes
	executor   *Executor
	locks      *LockManager
	logger     *slog.Logger
}

// NewDeployer creates a Deployer from the run configuration. Commands run
// through runner; nil uses the real system.
func NewDeployer(cfg config.Config, runner cmdutil.Runner, logger *slog.Logger) (*Deployer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	excludes, err := NewExcludes(DefaultExcludes)
	if err != nil {
		return nil, err
	}
	maxBackups := cfg.MaxBackups
	if maxBackups < 1 {
		maxBackups = config.DefaultMaxBackups
	}
	return &Deployer{
		store:      backup.NewStore(cfg.BackupDir, logger),
		maxBackups: maxBackups,
		owner:      Owner{User: cfg.WebUser, Group: cfg.WebGroup},
		configTest: cfg.ConfigTestCommand,
		reload:     cfg.ReloadCommand,
		excludes:   excludes,
		executor:   NewExecutor(runner),
		locks:      NewLockManager(),
		logger:     logger,
	}, nil
}

// Store returns the backup store the deployer snapshots into.
func (d *Deployer) Store() *backup.Store {
	return d.store
}

// Plan reports what Deploy would change without touching anything.
func (d *Deployer) Plan(ctx context.Context, sourceDir, destDir string) (*SyncPlan, error) {
	if err := d.checkPaths(sourceDir, destDir); err != nil {
		return nil, err
	}
	return planMirror(ctx, sourceDir, destDir, d.excludes)
}

// Deploy makes destDir an exact copy of sourceDir, minus excluded names.
// The previous content is snapshotted first, ownership and permissions are
// normalized, the server configuration is tested and the server reloaded.
func (d *Deployer) Deploy(ctx context.Context, sourceDir, destDir string) (*Report, error) {
	start := time.Now()

	if err := d.checkPaths(sourceDir, destDir); err != nil {
		return nil, err
	}

	lock, err := d.lock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	if err := ensureWritable(destDir); err != nil {
		return nil, err
	}

	report := &Report{}

	empty, err := fileutil.IsDirEmpty(destDir)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", destDir, err)
	}
	if empty {
		d.logger.Info("destination is empty, no snapshot needed", "dest", destDir)
	} else {
		snap, err := d.store.Create(ctx, destDir)
		if err != nil {
			return nil, fmt.Errorf("snapshot before deploy: %w", err)
		}
		report.Snapshot = snap

		if _, err := d.store.Prune(d.maxBackups); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("pruning old snapshots: %v", err))
			d.logger.Warn("pruning old snapshots failed", "error", err)
		}
	}

	plan, err := planMirror(ctx, sourceDir, destDir, d.excludes)
	if err != nil {
		return nil, err
	}
	if err := applyMirror(ctx, sourceDir, destDir, plan); err != nil {
		return nil, fmt.Errorf("syncing %s to %s: %w", sourceDir, destDir, err)
	}
	report.Copied = len(plan.Copy)
	report.Deleted = len(plan.Delete)
	report.Unchanged = plan.Unchanged
	d.logger.Info("content synced", "source", sourceDir, "dest", destDir,
		"copied", report.Copied, "deleted", report.Deleted, "unchanged", report.Unchanged)

	warnings, err := d.activate(ctx, destDir)
	report.Warnings = append(report.Warnings, warnings...)
	report.Duration = time.Since(start)
	if err != nil {
		return report, err
	}

	d.logger.Info("deployment complete", "dest", destDir, "duration", report.Duration.Round(time.Millisecond))
	return report, nil
}

// Rollback replaces destDir with the latest snapshot. It does not take a
// new snapshot first.
func (d *Deployer) Rollback(ctx context.Context, destDir string) (*backup.Snapshot, error) {
	if err := d.checkDest(destDir); err != nil {
		return nil, err
	}

	lock, err := d.lock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	snap, err := d.store.Latest()
	if errors.Is(err, backup.ErrEmptyStore) {
		return nil, &errs.StateError{Err: ErrNoBackupAvailable}
	}
	if err != nil {
		return nil, err
	}

	if err := ensureWritable(destDir); err != nil {
		return nil, err
	}
	if err := clearDir(destDir); err != nil {
		return nil, fmt.Errorf("clearing %s: %w", destDir, err)
	}
	if err := d.store.Restore(ctx, *snap, destDir); err != nil {
		return nil, err
	}

	if _, err := d.activate(ctx, destDir); err != nil {
		return snap, err
	}

	d.logger.Info("rollback complete", "snapshot", snap.Name, "dest", destDir)
	return snap, nil
}

func (d *Deployer) lock() (*Lock, error) {
	lock, err := d.locks.TryLock(d.store.Dir())
	if errors.Is(err, ErrLocked) {
		return nil, &errs.StateError{Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackupUnavailable, err)
	}
	return lock, nil
}

// activate normalizes ownership and permissions, tests the server
// configuration and reloads.
func (d *Deployer) activate(ctx context.Context, destDir string) ([]string, error) {
	warnings, err := normalize(ctx, destDir, d.owner)
	for _, w := range warnings {
		d.logger.Warn(w)
	}
	if err != nil {
		return warnings, err
	}

	result, err := d.executor.ValidateConfig(ctx, d.configTest)
	if err != nil {
		d.logger.Error("configuration test failed, not reloading", "command", cmdutil.FormatCommand(d.configTest), "output", result.Output)
		return warnings, err
	}

	if _, err := d.executor.Reload(ctx, d.reload); err != nil {
		return warnings, err
	}
	d.logger.Info("web server reloaded", "command", cmdutil.FormatCommand(d.reload))
	return warnings, nil
}

func (d *Deployer) checkPaths(sourceDir, destDir string) error {
	if !fileutil.DirExists(sourceDir) {
		return &errs.ValidationError{Err: fmt.Errorf("%w: %s does not exist", ErrSourceInvalid, sourceDir)}
	}
	empty, err := fileutil.IsDirEmpty(sourceDir)
	if err != nil {
		return &errs.ValidationError{Err: fmt.Errorf("%w: %v", ErrSourceInvalid, err)}
	}
	if empty {
		return &errs.ValidationError{Err: fmt.Errorf("%w: %s is empty", ErrSourceInvalid, sourceDir)}
	}

	if err := d.checkDest(destDir); err != nil {
		return err
	}

	absSrc, _ := filepath.Abs(sourceDir)
	absDest, _ := filepath.Abs(destDir)
	if _, err := security.SanitizePathWithin(absSrc, absDest); err == nil {
		return errs.Validation("destination %s must not be inside the source %s", destDir, sourceDir)
	}
	if _, err := security.SanitizePathWithin(absDest, absSrc); err == nil {
		return errs.Validation("source %s must not be inside the destination %s", sourceDir, destDir)
	}
	return nil
}

func (d *Deployer) checkDest(destDir string) error {
	abs, err := filepath.Abs(destDir)
	if err != nil {
		return &errs.ValidationError{Err: err}
	}
	if security.IsDangerousRoot(abs) {
		return errs.Validation("refusing to use system directory %s as the web root", destDir)
	}
	if security.Overlaps(abs, d.store.Dir()) {
		return errs.Validation("backup directory %s must not be inside or contain the web root %s", d.store.Dir(), destDir)
	}
	return nil
}

func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, security.PermPublicDir); err != nil {
		return fmt.Errorf("%w: %v", ErrDestUnavailable, err)
	}
	f, err := os.CreateTemp(dir, ".sitebox-probe-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDestUnavailable, err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}

// clearDir removes everything inside dir but keeps dir itself.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
