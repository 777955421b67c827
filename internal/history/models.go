package history

import "time"

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunRecord is one pipeline run as stored in the database.
type RunRecord struct {
	ID              int64        `json:"id"`
	Status          string       `json:"status"` // running, completed, failed
	DryRun          bool         `json:"dry_run"`
	Skipped         []string     `json:"skipped,omitempty"`
	LogPath         string       `json:"log_path,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`     // nullable
	DurationSeconds *float64     `json:"duration_seconds,omitempty"` // nullable
	ErrorMessage    *string      `json:"error,omitempty"`            // nullable
	Steps           []StepRecord `json:"steps,omitempty"`
}

// StepRecord is the outcome of one pipeline step within a run.
type StepRecord struct {
	Step            string    `json:"step"`
	Outcome         string    `json:"outcome"` // skipped, dry-run, succeeded, failed
	Detail          string    `json:"detail,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
	Warnings        []string  `json:"warnings,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
}
