// Package pipeline runs the four setup steps in a fixed order with skip
// flags, dry-run and fail-fast semantics.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sitebox/internal/certs"
	"sitebox/internal/config"
	"sitebox/internal/deployment"
	"sitebox/internal/errs"
	"sitebox/internal/provision"
)

// StepID names a pipeline step.
type StepID string

const (
	StepServerSetup StepID = "server-setup"
	StepDNSUpdate   StepID = "dns-update"
	StepSiteDeploy  StepID = "site-deploy"
	StepSSLSetup    StepID = "ssl-setup"
)

// Steps is the fixed execution order.
var Steps = []StepID{StepServerSetup, StepDNSUpdate, StepSiteDeploy, StepSSLSetup}

// Outcome is the result class of one step.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDryRun    Outcome = "dry-run"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// StepResult is emitted exactly once per step per run.
type StepResult struct {
	Step     StepID        `json:"step"`
	Outcome  Outcome       `json:"outcome"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
	Warnings []string      `json:"warnings,omitempty"`
	Err      error         `json:"-"`
}

// Phase is the orchestrator's coarse state.
type Phase int

const (
	NotStarted Phase = iota
	Running
	Completed
	Failed
)

// State is the orchestrator state. Step is the index into Steps for the
// Running and Failed phases.
type State struct {
	Phase Phase
	Step  int
}

func (s State) String() string {
	switch s.Phase {
	case NotStarted:
		return "not-started"
	case Running:
		return fmt.Sprintf("running(%s)", Steps[s.Step])
	case Completed:
		return "completed"
	case Failed:
		return fmt.Sprintf("failed(%s)", Steps[s.Step])
	default:
		return "unknown"
	}
}

// Options selects what a run does.
type Options struct {
	Skip    map[StepID]bool
	DryRun  bool
	LogPath string
}

// Skipped returns the skipped steps in execution order.
func (o Options) Skipped() []StepID {
	var out []StepID
	for _, s := range Steps {
		if o.Skip[s] {
			out = append(out, s)
		}
	}
	return out
}

// Requirements derives the configuration keys the non-skipped steps need.
func (o Options) Requirements() config.Requirements {
	return config.Requirements{
		Server: !o.Skip[StepServerSetup],
		DNS:    !o.Skip[StepDNSUpdate],
		Deploy: !o.Skip[StepSiteDeploy],
		SSL:    !o.Skip[StepSSLSetup],
	}
}

// Run is one execution of the pipeline.
type Run struct {
	ID        int64        `json:"id,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
	DryRun    bool         `json:"dry_run"`
	Skipped   []StepID     `json:"skipped,omitempty"`
	LogPath   string       `json:"log_path,omitempty"`
	Results   []StepResult `json:"results"`
}

// RunError is returned when a step fails. It points at the run log.
type RunError struct {
	Step    StepID
	LogPath string
	Err     error
}

func (e *RunError) Error() string {
	if e.LogPath == "" {
		return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %s failed: %v (see log: %s)", e.Step, e.Err, e.LogPath)
}

func (e *RunError) Unwrap() error { return e.Err }

// Provisioner prepares the host.
type Provisioner interface {
	Run(ctx context.Context) (*provision.Report, error)
	Describe() string
}

// IPResolver returns this host's public IPv4 address.
type IPResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// DNSUpdater points the dynamic DNS record at an address.
type DNSUpdater interface {
	Update(ctx context.Context, domain, token, ip string) error
}

// PropagationChecker polls DNS until domain resolves to ip.
type PropagationChecker interface {
	VerifyPropagation(ctx context.Context, domain, ip string, attempts int, interval time.Duration) (bool, error)
}

// SiteDeployer mirrors content into the web root.
type SiteDeployer interface {
	Plan(ctx context.Context, sourceDir, destDir string) (*deployment.SyncPlan, error)
	Deploy(ctx context.Context, sourceDir, destDir string) (*deployment.Report, error)
}

// CertManager issues or renews the site certificate.
type CertManager interface {
	Exists(domain string) bool
	Ensure(ctx context.Context, domain, email string) (*certs.Outcome, error)
}

// Components are the collaborators each step calls.
type Components struct {
	Provisioner Provisioner
	Resolver    IPResolver
	Updater     DNSUpdater
	Checker     PropagationChecker
	Deployer    SiteDeployer
	Certs       CertManager
}

// Orchestrator runs the pipeline steps sequentially.
type Orchestrator struct {
	cfg       config.Config
	comps     Components
	recorders []Recorder
	logger    *slog.Logger
	state     State
	now       func() time.Time
}

// New creates an Orchestrator. Every StepResult is handed to each recorder
// as soon as it is produced.
func New(cfg config.Config, comps Components, logger *slog.Logger, recorders ...Recorder) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		comps:     comps,
		recorders: recorders,
		logger:    logger,
		now:       time.Now,
	}
}

// State returns the current orchestrator state.
func (o *Orchestrator) State() State {
	return o.state
}

// Run executes the pipeline. Configuration needed by the non-skipped steps
// is validated before any step runs. The first failing step halts the run
// and the returned error is a *RunError.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Run, error) {
	if err := o.cfg.Validate(opts.Requirements()); err != nil {
		return nil, err
	}

	run := &Run{
		StartedAt: o.now(),
		DryRun:    opts.DryRun,
		Skipped:   opts.Skipped(),
		LogPath:   opts.LogPath,
	}
	o.notify(func(r Recorder) error { return r.RunStarted(ctx, run) })
	o.logger.Info("pipeline started", "dry_run", run.DryRun, "skipped", run.Skipped)

	var runErr error
	for i, id := range Steps {
		o.state = State{Phase: Running, Step: i}
		result := o.runStep(ctx, id, opts)
		run.Results = append(run.Results, result)
		o.notify(func(r Recorder) error { return r.StepFinished(ctx, run, result) })

		if result.Outcome == OutcomeFailed {
			o.state = State{Phase: Failed, Step: i}
			runErr = &RunError{Step: id, LogPath: opts.LogPath, Err: result.Err}
			break
		}
	}

	run.EndedAt = o.now()
	if runErr == nil {
		o.state = State{Phase: Completed}
		o.logger.Info("pipeline completed", "duration", run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
	} else {
		o.logger.Error("pipeline failed", "state", o.state.String(), "kind", errs.Kind(runErr), "error", runErr)
	}
	o.notify(func(r Recorder) error { return r.RunFinished(ctx, run, runErr) })

	return run, runErr
}

func (o *Orchestrator) runStep(ctx context.Context, id StepID, opts Options) (result StepResult) {
	result.Step = id

	if opts.Skip[id] {
		result.Outcome = OutcomeSkipped
		result.Detail = "skipped by flag"
		return result
	}

	start := o.now()
	defer func() { result.Duration = o.now().Sub(start) }()

	if opts.DryRun {
		result.Outcome = OutcomeDryRun
		result.Detail, result.Warnings = o.describe(ctx, id)
		return result
	}

	o.logger.Info("step started", "step", id)
	detail, warnings, err := o.execute(ctx, id)
	result.Detail = detail
	result.Warnings = warnings
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = err
		if result.Detail == "" {
			result.Detail = err.Error()
		}
		return result
	}
	result.Outcome = OutcomeSucceeded
	return result
}

func (o *Orchestrator) execute(ctx context.Context, id StepID) (string, []string, error) {
	switch id {
	case StepServerSetup:
		return o.serverSetup(ctx)
	case StepDNSUpdate:
		return o.dnsUpdate(ctx)
	case StepSiteDeploy:
		return o.siteDeploy(ctx)
	case StepSSLSetup:
		return o.sslSetup(ctx)
	default:
		return "", nil, fmt.Errorf("unknown step %q", id)
	}
}

func (o *Orchestrator) notify(fn func(Recorder) error) {
	for _, r := range o.recorders {
		if err := fn(r); err != nil {
			o.logger.Warn("recording run failed", "recorder", fmt.Sprintf("%T", r), "error", err)
		}
	}
}
