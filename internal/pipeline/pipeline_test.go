package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitebox/internal/certs"
	"sitebox/internal/config"
	"sitebox/internal/deployment"
	"sitebox/internal/errs"
	"sitebox/internal/history"
	"sitebox/internal/provision"
	"sitebox/pkg/cmdutil/cmdutiltest"
)

type fakeProvisioner struct {
	calls int
	err   error
}

func (f *fakeProvisioner) Run(ctx context.Context) (*provision.Report, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &provision.Report{Changed: true, Installed: []string{"nginx"}}, nil
}

func (f *fakeProvisioner) Describe() string { return "would provision" }

type fakeResolver struct {
	calls int
	ip    string
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context) (string, error) {
	f.calls++
	return f.ip, f.err
}

type fakeUpdater struct {
	calls int
	err   error
}

func (f *fakeUpdater) Update(ctx context.Context, domain, token, ip string) error {
	f.calls++
	return f.err
}

type fakeChecker struct {
	calls      int
	propagated bool
}

func (f *fakeChecker) VerifyPropagation(ctx context.Context, domain, ip string, attempts int, interval time.Duration) (bool, error) {
	f.calls++
	return f.propagated, nil
}

type fakeDeployer struct {
	deploys int
	plans   int
	err     error
}

func (f *fakeDeployer) Plan(ctx context.Context, src, dest string) (*deployment.SyncPlan, error) {
	f.plans++
	return &deployment.SyncPlan{Copy: []string{"index.html"}}, nil
}

func (f *fakeDeployer) Deploy(ctx context.Context, src, dest string) (*deployment.Report, error) {
	f.deploys++
	if f.err != nil {
		return nil, f.err
	}
	return &deployment.Report{Copied: 1}, nil
}

type fakeCerts struct {
	calls   int
	outcome *certs.Outcome
	err     error
}

func (f *fakeCerts) Exists(domain string) bool { return false }

func (f *fakeCerts) Ensure(ctx context.Context, domain, email string) (*certs.Outcome, error) {
	f.calls++
	if f.outcome == nil {
		return &certs.Outcome{Status: certs.StatusIssued, Propagated: true}, f.err
	}
	return f.outcome, f.err
}

type fixture struct {
	cfg         config.Config
	provisioner *fakeProvisioner
	resolver    *fakeResolver
	updater     *fakeUpdater
	checker     *fakeChecker
	deployer    *fakeDeployer
	certs       *fakeCerts
	recorder    *MemoryRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	return &fixture{
		cfg: config.Config{
			Domain:           "mysite",
			Token:            "a1b2c3d4-real-token",
			Email:            "ops@example.com",
			SourceDir:        filepath.Join(root, "src"),
			WebRoot:          filepath.Join(root, "www"),
			BackupDir:        filepath.Join(root, "backups"),
			MaxBackups:       5,
			DNSCheckAttempts: 3,
			DNSCheckInterval: time.Millisecond,
		},
		provisioner: &fakeProvisioner{},
		resolver:    &fakeResolver{ip: "203.0.113.7"},
		updater:     &fakeUpdater{},
		checker:     &fakeChecker{propagated: true},
		deployer:    &fakeDeployer{},
		certs:       &fakeCerts{},
		recorder:    &MemoryRecorder{},
	}
}

func (f *fixture) orchestrator(extra ...Recorder) *Orchestrator {
	comps := Components{
		Provisioner: f.provisioner,
		Resolver:    f.resolver,
		Updater:     f.updater,
		Checker:     f.checker,
		Deployer:    f.deployer,
		Certs:       f.certs,
	}
	return New(f.cfg, comps, nil, append([]Recorder{f.recorder}, extra...)...)
}

func outcomes(results []StepResult) []Outcome {
	out := make([]Outcome, 0, len(results))
	for _, r := range results {
		out = append(out, r.Outcome)
	}
	return out
}

func TestRunAllStepsSucceed(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()

	run, err := o.Run(context.Background(), Options{LogPath: "logs/deploy.log"})
	require.NoError(t, err)

	assert.Equal(t, []Outcome{OutcomeSucceeded, OutcomeSucceeded, OutcomeSucceeded, OutcomeSucceeded}, outcomes(run.Results))
	assert.Equal(t, State{Phase: Completed}, o.State())
	assert.Equal(t, run.Results, f.recorder.Results)
	assert.Equal(t, 1, f.recorder.Started)
	assert.Equal(t, 1, f.recorder.Finished)
	assert.NoError(t, f.recorder.Err)

	for i, id := range Steps {
		assert.Equal(t, id, run.Results[i].Step)
	}
	assert.Equal(t, "mysite.duckdns.org -> 203.0.113.7", run.Results[1].Detail)
	assert.Contains(t, run.Results[3].Detail, "issued")
	assert.Equal(t, "logs/deploy.log", run.LogPath)
}

func TestRunShortCircuitsAtDNSUpdate(t *testing.T) {
	f := newFixture(t)
	f.updater.err = &errs.AuthError{Op: "duckdns update", Detail: "KO"}
	o := f.orchestrator()

	run, err := o.Run(context.Background(), Options{LogPath: "logs/deploy-20260301-120000.log"})
	require.Error(t, err)

	require.Len(t, run.Results, 2)
	assert.Equal(t, OutcomeSucceeded, run.Results[0].Outcome)
	assert.Equal(t, OutcomeFailed, run.Results[1].Outcome)
	assert.Len(t, f.recorder.Results, 2)

	assert.Zero(t, f.deployer.deploys)
	assert.Zero(t, f.certs.calls)
	assert.Zero(t, f.checker.calls)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, StepDNSUpdate, runErr.Step)
	assert.Contains(t, err.Error(), "logs/deploy-20260301-120000.log")

	var authErr *errs.AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.Equal(t, State{Phase: Failed, Step: 1}, o.State())
	assert.Equal(t, "failed(dns-update)", o.State().String())
	assert.Equal(t, err, f.recorder.Err)
}

func TestRunDryRunIsPure(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, os.MkdirAll(f.cfg.SourceDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.SourceDir, "index.html"), []byte("new"), 0644))
	require.NoError(t, os.MkdirAll(f.cfg.WebRoot, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.WebRoot, "old.html"), []byte("old"), 0644))

	runner := cmdutiltest.NewRunner()
	deployer, err := deployment.NewDeployer(f.cfg, runner, nil)
	require.NoError(t, err)

	o := New(f.cfg, Components{
		Provisioner: f.provisioner,
		Resolver:    f.resolver,
		Updater:     f.updater,
		Checker:     f.checker,
		Deployer:    deployer,
		Certs:       f.certs,
	}, nil, f.recorder)

	run, err := o.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, []Outcome{OutcomeDryRun, OutcomeDryRun, OutcomeDryRun, OutcomeDryRun}, outcomes(run.Results))
	assert.Contains(t, run.Results[2].Detail, "1 to copy, 1 to delete")

	assert.Zero(t, f.provisioner.calls)
	assert.Zero(t, f.resolver.calls)
	assert.Zero(t, f.updater.calls)
	assert.Zero(t, f.checker.calls)
	assert.Zero(t, f.certs.calls)
	assert.Empty(t, runner.Calls)

	entries, err := os.ReadDir(f.cfg.WebRoot)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "old.html", entries[0].Name())

	_, err = os.Stat(f.cfg.BackupDir)
	assert.True(t, os.IsNotExist(err), "backup directory created during dry run")
}

func TestRunSkipFlags(t *testing.T) {
	f := newFixture(t)
	f.cfg.Token = ""
	o := f.orchestrator()

	run, err := o.Run(context.Background(), Options{Skip: map[StepID]bool{
		StepServerSetup: true,
		StepDNSUpdate:   true,
	}})
	require.NoError(t, err, "token is not needed when dns-update is skipped")

	assert.Equal(t, []Outcome{OutcomeSkipped, OutcomeSkipped, OutcomeSucceeded, OutcomeSucceeded}, outcomes(run.Results))
	assert.Equal(t, []StepID{StepServerSetup, StepDNSUpdate}, run.Skipped)
	assert.Zero(t, f.provisioner.calls)
	assert.Zero(t, f.updater.calls)
	assert.Equal(t, 1, f.certs.calls, "ssl-setup runs its own propagation check even when dns-update is skipped")
}

func TestRunValidatesBeforeAnyStep(t *testing.T) {
	f := newFixture(t)
	f.cfg.Token = ""
	f.cfg.Email = ""
	o := f.orchestrator()

	run, err := o.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.Nil(t, run)

	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "DUCKDNS_TOKEN")
	assert.Contains(t, err.Error(), "LETSENCRYPT_EMAIL")

	assert.Zero(t, f.provisioner.calls)
	assert.Zero(t, f.recorder.Started)
	assert.Equal(t, State{Phase: NotStarted}, o.State())
}

func TestRunPropagationMissIsWarning(t *testing.T) {
	f := newFixture(t)
	f.checker.propagated = false
	f.certs.outcome = &certs.Outcome{Status: certs.StatusRenewed, Warnings: []string{"TLS verification inconclusive"}}
	o := f.orchestrator()

	run, err := o.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSucceeded, run.Results[1].Outcome)
	require.Len(t, run.Results[1].Warnings, 1)
	assert.Contains(t, run.Results[1].Warnings[0], "does not resolve")

	assert.Equal(t, OutcomeSucceeded, run.Results[3].Outcome)
	assert.Equal(t, []string{"TLS verification inconclusive"}, run.Results[3].Warnings)
}

func TestRunResolverFailureStopsDNS(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = errs.Transport("resolve public IP", errors.New("all services failed"))
	o := f.orchestrator()

	run, err := o.Run(context.Background(), Options{})
	require.Error(t, err)

	require.Len(t, run.Results, 2)
	assert.Zero(t, f.updater.calls)
	assert.Equal(t, "transport", errs.Kind(err))
}

func TestRunDeployPartialApply(t *testing.T) {
	f := newFixture(t)
	f.deployer.err = &errs.PartialApplyError{Err: deployment.ErrConfigInvalid, Output: "nginx: [emerg]"}
	o := f.orchestrator()

	run, err := o.Run(context.Background(), Options{})
	require.Error(t, err)

	require.Len(t, run.Results, 3)
	assert.Equal(t, OutcomeFailed, run.Results[2].Outcome)
	assert.ErrorIs(t, err, deployment.ErrConfigInvalid)
	assert.Zero(t, f.certs.calls)
	assert.Equal(t, "failed(site-deploy)", o.State().String())
}

func TestHistoryRecorder(t *testing.T) {
	hist, err := history.NewHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer hist.Close()

	f := newFixture(t)
	f.certs.err = &certs.IssuanceError{Domain: "mysite.duckdns.org", Err: errors.New("exit status 1")}
	o := f.orchestrator(HistoryRecorder{History: hist}, LogRecorder{})

	run, err := o.Run(context.Background(), Options{
		Skip:    map[StepID]bool{StepServerSetup: true},
		LogPath: "logs/deploy.log",
	})
	require.Error(t, err)
	require.NotZero(t, run.ID)

	stored, err := hist.GetRun(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, history.StatusFailed, stored.Status)
	assert.Equal(t, []string{"server-setup"}, stored.Skipped)
	assert.Equal(t, "logs/deploy.log", stored.LogPath)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "ssl-setup")

	require.Len(t, stored.Steps, 4)
	assert.Equal(t, "skipped", stored.Steps[0].Outcome)
	assert.Equal(t, "failed", stored.Steps[3].Outcome)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{State{Phase: NotStarted}, "not-started"},
		{State{Phase: Running, Step: 2}, "running(site-deploy)"},
		{State{Phase: Completed}, "completed"},
		{State{Phase: Failed, Step: 3}, "failed(ssl-setup)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
