// Package cmdutiltest provides a scripted cmdutil.Runner for tests.
package cmdutiltest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"sitebox/pkg/cmdutil"
)

// Response is the scripted outcome for a command.
type Response struct {
	Output   string
	ExitCode int
	Err      error
}

// Runner records every command and answers from a table keyed by the
// command's first words. Unmatched commands succeed with empty output.
type Runner struct {
	mu        sync.Mutex
	Responses map[string]Response
	Calls     [][]string
}

// NewRunner creates a fake runner.
func NewRunner() *Runner {
	return &Runner{Responses: make(map[string]Response)}
}

// On scripts the response for commands starting with prefix
// ("systemctl reload", "nginx -t", ...).
func (r *Runner) On(prefix string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Responses[prefix] = resp
	return r
}

// Run implements cmdutil.Runner.
func (r *Runner) Run(ctx context.Context, opts cmdutil.ExecOptions, cmdParts []string) (*cmdutil.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Calls = append(r.Calls, append([]string(nil), cmdParts...))

	line := strings.Join(cmdParts, " ")
	best := ""
	for prefix := range r.Responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}

	resp, ok := r.Responses[best]
	if !ok {
		return &cmdutil.Result{}, nil
	}

	result := &cmdutil.Result{Output: []byte(resp.Output), ExitCode: resp.ExitCode}
	if resp.Err != nil {
		return result, resp.Err
	}
	if resp.ExitCode != 0 {
		return result, fmt.Errorf("command %s failed: exit status %d", cmdutil.FormatCommand(cmdParts), resp.ExitCode)
	}
	return result, nil
}

// Called reports whether any recorded command starts with prefix.
func (r *Runner) Called(prefix string) bool {
	return r.Count(prefix) > 0
}

// Count returns how many recorded commands start with prefix.
func (r *Runner) Count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.Calls {
		if strings.HasPrefix(strings.Join(c, " "), prefix) {
			n++
		}
	}
	return n
}
