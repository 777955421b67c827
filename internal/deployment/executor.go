package deployment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitebox/internal/errs"
	"sitebox/pkg/cmdutil"
)

// DefaultCommandTimeout bounds config test and reload commands.
const DefaultCommandTimeout = 60 * time.Second

// ErrConfigInvalid marks a failed web server configuration test. It is
// always wrapped in an errs.PartialApplyError: content was synced but the
// server was not reloaded.
var ErrConfigInvalid = errors.New("web server configuration test failed")

// ExecutionResult represents the result of running a command
type ExecutionResult struct {
	ReturnCode int
	Output     string
	Duration   time.Duration
}

// OK checks if the execution was successful
func (r *ExecutionResult) OK() bool {
	return r != nil && r.ReturnCode == 0
}

// Executor runs the web server control commands.
type Executor struct {
	runner  cmdutil.Runner
	timeout time.Duration
}

// NewExecutor creates a new executor
func NewExecutor(runner cmdutil.Runner) *Executor {
	if runner == nil {
		runner = cmdutil.ExecRunner{}
	}
	return &Executor{runner: runner, timeout: DefaultCommandTimeout}
}

// RunCommand executes a command with the executor's timeout.
func (e *Executor) RunCommand(ctx context.Context, command []string) (*ExecutionResult, error) {
	result, err := e.runner.Run(ctx, cmdutil.ExecOptions{Timeout: e.timeout}, command)

	execResult := &ExecutionResult{ReturnCode: -1}
	if result != nil {
		execResult.ReturnCode = result.ExitCode
		execResult.Output = strings.TrimSpace(string(result.Output))
		execResult.Duration = result.Duration
	}

	if err != nil {
		return execResult, err
	}
	return execResult, nil
}

// ValidateConfig runs the configuration test command. A failure is
// reported as a partial apply carrying the command output.
func (e *Executor) ValidateConfig(ctx context.Context, command []string) (*ExecutionResult, error) {
	result, err := e.RunCommand(ctx, command)
	if err != nil || !result.OK() {
		if err == nil {
			err = fmt.Errorf("exit code %d", result.ReturnCode)
		}
		return result, &errs.PartialApplyError{
			Err:    fmt.Errorf("%w: %s: %v", ErrConfigInvalid, cmdutil.FormatCommand(command), err),
			Output: result.Output,
		}
	}
	return result, nil
}

// Reload asks the web server to pick up new content and configuration.
// It never restarts the service.
func (e *Executor) Reload(ctx context.Context, command []string) (*ExecutionResult, error) {
	result, err := e.RunCommand(ctx, command)
	if err != nil {
		return result, fmt.Errorf("reloading web server (%s): %w", cmdutil.FormatCommand(command), err)
	}
	return result, nil
}
