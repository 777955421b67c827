package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"sitebox/internal/config"
	"sitebox/internal/security"
	"sitebox/pkg/fileutil"
)

// LatestLogName is a symlink to the newest run log.
const LatestLogName = "latest.log"

// runLogPath returns the log file for a run started at t.
func runLogPath(logDir string, t time.Time) string {
	return filepath.Join(logDir, "deploy-"+t.Format("20060102-150405")+".log")
}

// setupLogging configures slog for file and console logging.
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string, console io.Writer) (*slog.Logger, *os.File, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, security.PermDirectory); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, security.PermLogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// every line goes to the console too, with its level tag
	multiWriter := io.MultiWriter(console, file)
	handler := slog.NewTextHandler(multiWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	return slog.New(handler), file, nil
}

// openRunLog creates the timestamped log for this run and points
// latest.log at it.
func openRunLog(cfg config.Config) (*slog.Logger, *os.File, string, error) {
	path := runLogPath(cfg.LogDir, time.Now())
	logger, file, err := setupLogging(path, os.Stdout)
	if err != nil {
		return nil, nil, "", err
	}

	latest := filepath.Join(cfg.LogDir, LatestLogName)
	if err := fileutil.UpdateSymlinkAtomic(latest, filepath.Base(path)); err != nil {
		logger.Warn("could not update latest log link", "error", err)
	}

	slog.SetDefault(logger)
	return logger, file, path, nil
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
