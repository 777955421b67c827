package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sitebox/internal/errs"
	"sitebox/internal/history"
)

// Recorder is a sink for run events. Each StepResult is delivered as soon
// as the step finishes, so a crashed run still leaves its last result.
type Recorder interface {
	RunStarted(ctx context.Context, run *Run) error
	StepFinished(ctx context.Context, run *Run, result StepResult) error
	RunFinished(ctx context.Context, run *Run, err error) error
}

// MemoryRecorder keeps results in memory.
type MemoryRecorder struct {
	mu       sync.Mutex
	Results  []StepResult
	Started  int
	Finished int
	Err      error
}

func (m *MemoryRecorder) RunStarted(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Started++
	return nil
}

func (m *MemoryRecorder) StepFinished(ctx context.Context, run *Run, result StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Results = append(m.Results, result)
	return nil
}

func (m *MemoryRecorder) RunFinished(ctx context.Context, run *Run, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Finished++
	m.Err = err
	return nil
}

// LogRecorder writes one status line per step.
type LogRecorder struct {
	Logger *slog.Logger
}

func (l LogRecorder) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l LogRecorder) RunStarted(ctx context.Context, run *Run) error {
	if run.LogPath != "" {
		l.logger().Info("run log", "path", run.LogPath)
	}
	return nil
}

func (l LogRecorder) StepFinished(ctx context.Context, run *Run, result StepResult) error {
	attrs := []any{
		"step", result.Step,
		"outcome", result.Outcome,
		"duration", result.Duration.Round(time.Millisecond),
	}
	if result.Detail != "" {
		attrs = append(attrs, "detail", result.Detail)
	}

	log := l.logger()
	for _, w := range result.Warnings {
		log.Warn(w, "step", result.Step)
	}
	if result.Outcome == OutcomeFailed {
		attrs = append(attrs, "kind", errs.Kind(result.Err), "error", result.Err)
		log.Error("step finished", attrs...)
		return nil
	}
	log.Info("step finished", attrs...)
	return nil
}

func (l LogRecorder) RunFinished(ctx context.Context, run *Run, err error) error {
	if err != nil {
		l.logger().Error("run failed", "error", err)
		return nil
	}
	l.logger().Info("run finished", "steps", len(run.Results), "dry_run", run.DryRun)
	return nil
}

// HistoryRecorder persists runs to the history database.
type HistoryRecorder struct {
	History *history.History
}

func (h HistoryRecorder) RunStarted(ctx context.Context, run *Run) error {
	skipped := make([]string, 0, len(run.Skipped))
	for _, s := range run.Skipped {
		skipped = append(skipped, string(s))
	}

	id, err := h.History.StartRun(ctx, &history.RunRecord{
		DryRun:    run.DryRun,
		Skipped:   skipped,
		LogPath:   run.LogPath,
		StartedAt: run.StartedAt,
	})
	if err != nil {
		return err
	}
	run.ID = id
	return nil
}

func (h HistoryRecorder) StepFinished(ctx context.Context, run *Run, result StepResult) error {
	if run.ID == 0 {
		return nil
	}
	return h.History.RecordStep(context.WithoutCancel(ctx), run.ID, &history.StepRecord{
		Step:            string(result.Step),
		Outcome:         string(result.Outcome),
		Detail:          result.Detail,
		DurationSeconds: result.Duration.Seconds(),
		Warnings:        result.Warnings,
	})
}

func (h HistoryRecorder) RunFinished(ctx context.Context, run *Run, err error) error {
	if run.ID == 0 {
		return nil
	}
	status := history.StatusCompleted
	if err != nil {
		status = history.StatusFailed
	}
	// the run context may already be cancelled
	return h.History.FinishRun(context.WithoutCancel(ctx), run.ID, status, run.EndedAt, err)
}
