package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sitebox/internal/config"
	"sitebox/internal/deployment"
	"sitebox/pkg/cmdutil"
)

var (
	deployRollback bool
	deployDryRun   bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy site content or roll back",
	Long: `Mirror SITE_SOURCE_DIR into WEB_ROOT.

This command will:
- Snapshot the current web root into BACKUP_DIR (keeping MAX_BACKUPS)
- Mirror the source, deleting files that are no longer present
- Set ownership and permissions (0644 files, 0755 directories)
- Test the nginx configuration and reload nginx

With --rollback the web root is replaced by the latest snapshot instead.`,
	Example: `  sitebox deploy
  sitebox deploy --rollback`,
	Args: cobra.NoArgs,
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().BoolVar(&deployRollback, "rollback", false, "Restore the latest snapshot")
	deployCmd.Flags().BoolVar(&deployDryRun, "dry-run", false, "Show what would change without touching the web root")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(config.Requirements{Deploy: true}); err != nil {
		return err
	}

	logger, logFile, logPath, err := openRunLog(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFile.Close()

	deployer, err := deployment.NewDeployer(cfg, cmdutil.ExecRunner{}, logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	switch {
	case deployRollback:
		fmt.Printf("Rolling back %s to the latest snapshot...\n", cfg.WebRoot)
		snap, err := deployer.Rollback(ctx, cfg.WebRoot)
		if err != nil {
			return fmt.Errorf("rollback failed: %w (see log: %s)", err, logPath)
		}
		fmt.Printf("\nRollback successful!\n")
		fmt.Printf("  Restored: %s (%s, taken %s)\n", snap.Name, humanize.Bytes(uint64(snap.Size)), humanize.Time(snap.CreatedAt))

	case deployDryRun:
		plan, err := deployer.Plan(ctx, cfg.SourceDir, cfg.WebRoot)
		if err != nil {
			return err
		}
		fmt.Printf("Would mirror %s into %s:\n", cfg.SourceDir, cfg.WebRoot)
		for _, p := range plan.Copy {
			fmt.Printf("  copy    %s\n", p)
		}
		for _, p := range plan.Delete {
			fmt.Printf("  delete  %s\n", p)
		}
		fmt.Printf("  %d unchanged\n", plan.Unchanged)

	default:
		report, err := deployer.Deploy(ctx, cfg.SourceDir, cfg.WebRoot)
		if err != nil {
			return fmt.Errorf("deployment failed: %w (see log: %s)", err, logPath)
		}
		fmt.Printf("\nDeployment successful!\n")
		fmt.Printf("  Copied: %d  Deleted: %d  Unchanged: %d\n", report.Copied, report.Deleted, report.Unchanged)
		if report.Snapshot != nil {
			fmt.Printf("  Snapshot: %s (%s)\n", report.Snapshot.Name, humanize.Bytes(uint64(report.Snapshot.Size)))
		}
		for _, w := range report.Warnings {
			fmt.Printf("  Warning: %s\n", w)
		}
	}
	return nil
}
