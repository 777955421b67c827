package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"sitebox/internal/backup"
	"sitebox/internal/history"
	"sitebox/internal/server"
)

var (
	host string
	port int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status API",
	Long: `Start an HTTP server exposing run history and snapshots:

  GET /health         status, latest run and snapshot count
  GET /runs?limit=N   recent runs
  GET /runs/{id}      one run with its steps
  GET /backups        snapshots, newest first`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("SITEBOX_HOST", "127.0.0.1"), "Host to bind to")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("SITEBOX_PORT", 5000), "Port to listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, logFile, err := setupLogging(filepath.Join(cfg.LogDir, "serve.log"), os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFile.Close()

	logger.Info("Initializing history database", "db", cfg.HistoryDB)
	hist, err := history.NewHistory(cfg.HistoryDB)
	if err != nil {
		logger.Error("Failed to initialize history database", "error", err)
		return fmt.Errorf("failed to initialize history database: %w", err)
	}
	defer hist.Close()

	srv := server.NewServer(hist, backup.NewStore(cfg.BackupDir, logger), cfg.FQDN(), logger, false)

	if err := srv.Start(cmd.Context(), host, port); err != nil {
		logger.Error("Server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
