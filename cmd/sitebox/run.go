package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sitebox/internal/certs"
	"sitebox/internal/config"
	"sitebox/internal/ddns"
	"sitebox/internal/deployment"
	"sitebox/internal/history"
	"sitebox/internal/ipaddr"
	"sitebox/internal/pipeline"
	"sitebox/internal/provision"
	"sitebox/pkg/cmdutil"
)

var (
	skipServerSetup bool
	skipDNSUpdate   bool
	skipSiteDeploy  bool
	skipSSLSetup    bool
	runDryRun       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full setup pipeline",
	Long: `Run the setup pipeline. Steps run in this order and the first failure stops the run:

  server-setup   install nginx, certbot and ufw, write the nginx site
  dns-update     point the DuckDNS record at this host's public IP
  site-deploy    snapshot the web root and mirror the site into it
  ssl-setup      issue or renew the Let's Encrypt certificate

Every run writes logs/deploy-YYYYMMDD-HHMMSS.log and is recorded in the history database.`,
	Example: `  sitebox run
  sitebox run --skip-server-setup --skip-ssl-setup
  sitebox run --dry-run`,
	Args: cobra.NoArgs,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().BoolVar(&skipServerSetup, "skip-server-setup", false, "Skip package, nginx and firewall setup")
	runCmd.Flags().BoolVar(&skipDNSUpdate, "skip-dns-update", false, "Skip the DuckDNS update")
	runCmd.Flags().BoolVar(&skipSiteDeploy, "skip-site-deploy", false, "Skip deploying site content")
	runCmd.Flags().BoolVar(&skipSSLSetup, "skip-ssl-setup", false, "Skip certificate issuance or renewal")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Describe every step without changing anything")
}

func runOptions(logPath string) pipeline.Options {
	return pipeline.Options{
		Skip: map[pipeline.StepID]bool{
			pipeline.StepServerSetup: skipServerSetup,
			pipeline.StepDNSUpdate:   skipDNSUpdate,
			pipeline.StepSiteDeploy:  skipSiteDeploy,
			pipeline.StepSSLSetup:    skipSSLSetup,
		},
		DryRun:  runDryRun,
		LogPath: logPath,
	}
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, logFile, logPath, err := openRunLog(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFile.Close()

	logger.Info("Starting sitebox", "version", version, "config", cfg.Source, "log", logPath)

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}

	recorders := []pipeline.Recorder{pipeline.LogRecorder{Logger: logger}}
	if hist, err := history.NewHistory(cfg.HistoryDB); err != nil {
		logger.Warn("History database unavailable, run will not be recorded", "db", cfg.HistoryDB, "error", err)
	} else {
		defer hist.Close()
		recorders = append(recorders, pipeline.HistoryRecorder{History: hist})
	}

	orch := pipeline.New(cfg, comps, logger, recorders...)
	run, err := orch.Run(cmd.Context(), runOptions(logPath))
	if run != nil {
		printSummary(run)
	}
	if err != nil {
		if run == nil {
			logger.Error("Run aborted before any step", "error", err)
			return fmt.Errorf("%w (see log: %s)", err, logPath)
		}
		return err
	}
	return nil
}

func buildComponents(cfg config.Config, logger *slog.Logger) (pipeline.Components, error) {
	runner := cmdutil.ExecRunner{}

	resolver := ipaddr.NewResolver(logger)
	checker := ddns.NewChecker(logger, cfg.DNSResolver)

	deployer, err := deployment.NewDeployer(cfg, runner, logger)
	if err != nil {
		return pipeline.Components{}, err
	}

	return pipeline.Components{
		Provisioner: provision.New(cfg, runner, os.Stdout, logger),
		Resolver:    resolver,
		Updater:     ddns.NewUpdater(logger),
		Checker:     checker,
		Deployer:    deployer,
		Certs:       certs.NewManager(cfg, runner, resolver, checker, logger),
	}, nil
}

func printSummary(run *pipeline.Run) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "STEP\tOUTCOME\tDURATION\tDETAIL")
	for _, r := range run.Results {
		detail := r.Detail
		if i := strings.IndexByte(detail, '\n'); i >= 0 {
			detail = detail[:i]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Step, r.Outcome, r.Duration.Round(time.Millisecond), detail)
	}
	w.Flush()

	if run.LogPath != "" {
		fmt.Printf("\nLog: %s\n", run.LogPath)
	}
}
