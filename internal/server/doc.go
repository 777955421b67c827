// Package server implements the read-only HTTP status API for sitebox.
//
// This package provides:
//   - Health endpoint reporting the latest run and snapshot count
//   - Run history endpoints backed by internal/history
//   - Snapshot listing backed by internal/backup
//   - Per-IP rate limiting and structured logging of all HTTP requests
//
// The API never triggers a run; deployments are started from the CLI.
package server
