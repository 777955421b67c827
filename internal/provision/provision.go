// Package provision prepares the host to serve the site: packages, the
// nginx site file, the firewall and the running web server.
package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sitebox/internal/config"
	"sitebox/internal/security"
	"sitebox/pkg/cmdutil"
	"sitebox/pkg/fileutil"
	"sitebox/pkg/templates"
)

// Packages are installed with apt when missing.
var Packages = []string{"nginx", "certbot", "python3-certbot-nginx", "ufw"}

// ServiceName is the web server unit that must be active.
const ServiceName = "nginx"

const (
	aptTimeout     = 10 * time.Minute
	commandTimeout = time.Minute
)

// ErrServiceInactive is returned when the web server is not running after
// setup.
var ErrServiceInactive = errors.New("web server is not active")

// Report describes a finished server setup.
type Report struct {
	Installed []string `json:"installed,omitempty"`
	SiteFile  string   `json:"site_file"`
	Changed   bool     `json:"changed"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Provisioner runs the server setup actions in a fixed order.
type Provisioner struct {
	runner     cmdutil.Runner
	progress   *Progress
	logger     *slog.Logger
	domain     string
	webRoot    string
	configTest []string

	sitesAvailable string
	sitesEnabled   string
	aptUpdated     bool
}

// New creates a Provisioner for the configured domain and web root.
func New(cfg config.Config, runner cmdutil.Runner, out io.Writer, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = cmdutil.ExecRunner{}
	}
	return &Provisioner{
		runner:         runner,
		progress:       NewProgress(out),
		logger:         logger,
		domain:         cfg.FQDN(),
		webRoot:        cfg.WebRoot,
		configTest:     cfg.ConfigTestCommand,
		sitesAvailable: "/etc/nginx/sites-available",
		sitesEnabled:   "/etc/nginx/sites-enabled",
	}
}

type step struct {
	name string
	fn   func(context.Context, *Report) error
}

func (p *Provisioner) steps() []step {
	return []step{
		{"installing packages", p.ensurePackages},
		{"preparing web root", p.ensureWebRoot},
		{"configuring nginx site", p.writeSite},
		{"configuring firewall", p.configureFirewall},
		{"starting web server", p.ensureActive},
	}
}

// Describe lists the actions Run would take, for dry runs.
func (p *Provisioner) Describe() string {
	names := make([]string, 0, len(p.steps()))
	for _, s := range p.steps() {
		names = append(names, s.name)
	}
	return fmt.Sprintf("would ensure packages %s, write nginx site %s serving %s, allow HTTP/HTTPS in ufw and check %s is active (%s)",
		strings.Join(Packages, ", "), p.sitePath(), p.webRoot, ServiceName, strings.Join(names, ", "))
}

// Run executes every setup action, stopping at the first failure.
func (p *Provisioner) Run(ctx context.Context) (*Report, error) {
	if p.domain == "" {
		return nil, fmt.Errorf("server setup needs a domain for the nginx site")
	}

	report := &Report{SiteFile: p.sitePath()}
	for _, s := range p.steps() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.fn(ctx, report); err != nil {
			return report, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return report, nil
}

// Active reports whether the web server unit is running.
func (p *Provisioner) Active(ctx context.Context) bool {
	_, err := p.run(ctx, "systemctl", "is-active", "--quiet", ServiceName)
	return err == nil
}

func (p *Provisioner) sitePath() string {
	return filepath.Join(p.sitesAvailable, p.domain)
}

func (p *Provisioner) run(ctx context.Context, name string, args ...string) (*cmdutil.Result, error) {
	cmd := append([]string{name}, args...)
	p.logger.Debug("running command", "command", cmdutil.FormatCommand(cmd))
	result, err := p.runner.Run(ctx, cmdutil.ExecOptions{Timeout: commandTimeout}, cmd)
	if err != nil && result != nil && len(result.Output) > 0 {
		return result, fmt.Errorf("%w\nOutput: %s", err, strings.TrimSpace(string(result.Output)))
	}
	return result, err
}

func (p *Provisioner) ensurePackages(ctx context.Context, report *Report) error {
	for _, pkg := range Packages {
		if _, err := p.run(ctx, "dpkg", "-s", pkg); err == nil {
			p.progress.Success(fmt.Sprintf("Package %s already installed...", pkg))
			continue
		}

		env := append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
		if !p.aptUpdated {
			if _, err := p.runner.Run(ctx, cmdutil.ExecOptions{Timeout: aptTimeout, Env: env}, []string{"apt-get", "update"}); err != nil {
				p.progress.Fail("Updating apt package index...")
				return err
			}
			p.aptUpdated = true
			p.progress.Success("Updating apt package index...")
		}

		if _, err := p.runner.Run(ctx, cmdutil.ExecOptions{Timeout: aptTimeout, Env: env}, []string{"apt-get", "install", "-y", pkg}); err != nil {
			p.progress.Fail(fmt.Sprintf("Installing package %s...", pkg))
			return fmt.Errorf("installing package %s: %w", pkg, err)
		}
		report.Installed = append(report.Installed, pkg)
		report.Changed = true
		p.progress.Success(fmt.Sprintf("Installing package %s...", pkg))
		p.logger.Info("package installed", "package", pkg)
	}
	return nil
}

func (p *Provisioner) ensureWebRoot(ctx context.Context, report *Report) error {
	if fileutil.DirExists(p.webRoot) {
		p.progress.Success(fmt.Sprintf("Web root %s exists...", p.webRoot))
		return nil
	}
	if err := os.MkdirAll(p.webRoot, security.PermPublicDir); err != nil {
		p.progress.Fail(fmt.Sprintf("Creating web root %s...", p.webRoot))
		return err
	}
	report.Changed = true
	p.progress.Success(fmt.Sprintf("Creating web root %s...", p.webRoot))
	return nil
}

func (p *Provisioner) writeSite(ctx context.Context, report *Report) error {
	site, err := templates.RenderNginxSite(p.domain, p.webRoot)
	if err != nil {
		return fmt.Errorf("rendering nginx template: %w", err)
	}

	path := p.sitePath()
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if bytes.Equal(existing, []byte(site)) {
		p.progress.Success(fmt.Sprintf("Nginx config for %s up to date...", p.domain))
	} else {
		if err := os.MkdirAll(p.sitesAvailable, security.PermPublicDir); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(site), security.PermPublicFile); err != nil {
			p.progress.Fail(fmt.Sprintf("Creating nginx config for %s...", p.domain))
			return fmt.Errorf("writing nginx config: %w", err)
		}
		report.Changed = true
		p.progress.Success(fmt.Sprintf("Creating nginx config for %s...", p.domain))
	}

	enabled := filepath.Join(p.sitesEnabled, p.domain)
	if target, err := os.Readlink(enabled); err == nil && target == path {
		p.progress.Success("Nginx site already enabled...")
	} else {
		if err := os.MkdirAll(p.sitesEnabled, security.PermPublicDir); err != nil {
			return err
		}
		if err := fileutil.UpdateSymlinkAtomic(enabled, path); err != nil {
			p.progress.Fail("Linking nginx site config...")
			return err
		}
		report.Changed = true
		p.progress.Success("Linking nginx site config...")
	}

	// the stock site also listens on port 80 as default_server
	def := filepath.Join(p.sitesEnabled, "default")
	if fileutil.IsSymlink(def) {
		if err := os.Remove(def); err != nil {
			p.warn(report, fmt.Sprintf("Could not disable default nginx site: %v", err))
		} else {
			report.Changed = true
			p.progress.Success("Disabling default nginx site...")
		}
	}

	test := p.configTest
	if len(test) == 0 {
		test = []string{"nginx", "-t"}
	}
	if _, err := p.run(ctx, test[0], test[1:]...); err != nil {
		p.progress.Fail("Testing nginx configuration...")
		return err
	}
	p.progress.Success("Testing nginx configuration...")
	return nil
}

func (p *Provisioner) configureFirewall(ctx context.Context, report *Report) error {
	if _, err := p.run(ctx, "ufw", "status"); err != nil {
		p.warn(report, "ufw not available, skipping firewall rules...")
		return nil
	}
	for _, rule := range []string{"OpenSSH", "Nginx Full"} {
		if _, err := p.run(ctx, "ufw", "allow", rule); err != nil {
			p.warn(report, fmt.Sprintf("Could not allow %s in ufw: %v", rule, err))
			continue
		}
		p.progress.Success(fmt.Sprintf("Allowing %s in ufw...", rule))
	}
	return nil
}

func (p *Provisioner) ensureActive(ctx context.Context, report *Report) error {
	if p.Active(ctx) {
		if _, err := p.run(ctx, "systemctl", "reload", ServiceName); err != nil {
			p.progress.Fail("Reloading nginx...")
			return err
		}
		p.progress.Success("Reloading nginx...")
		return nil
	}

	if _, err := p.run(ctx, "systemctl", "enable", "--now", ServiceName); err != nil {
		p.progress.Fail("Starting nginx...")
		return err
	}
	report.Changed = true

	if !p.Active(ctx) {
		p.progress.Fail("Starting nginx...")
		return ErrServiceInactive
	}
	p.progress.Success("Starting nginx...")
	return nil
}

func (p *Provisioner) warn(report *Report, msg string) {
	report.Warnings = append(report.Warnings, msg)
	p.progress.Warn(msg)
	p.logger.Warn(msg)
}
