// Package certs obtains and renews Let's Encrypt certificates with certbot.
package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"time"

	"sitebox/internal/config"
	"sitebox/internal/errs"
	"sitebox/internal/security"
	"sitebox/pkg/cmdutil"
	"sitebox/pkg/fileutil"
)

// DefaultLiveDir is where certbot keeps the current certificate per domain.
const DefaultLiveDir = "/etc/letsencrypt/live"

const (
	certbotTimeout = 5 * time.Minute
	tlsTimeout     = 10 * time.Second
)

// Status is the outcome of Ensure.
type Status string

const (
	StatusIssued       Status = "issued"
	StatusRenewed      Status = "renewed"
	StatusAlreadyValid Status = "already-valid"
)

// ErrNotPropagated is returned in strict mode when the domain does not yet
// resolve to this host.
var ErrNotPropagated = errors.New("DNS record has not propagated")

// IssuanceError carries certbot's output when it fails.
type IssuanceError struct {
	Domain string
	Output string
	Err    error
}

func (e *IssuanceError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("certificate for %s: %v", e.Domain, e.Err)
	}
	return fmt.Sprintf("certificate for %s: %v\n%s", e.Domain, e.Err, e.Output)
}

func (e *IssuanceError) Unwrap() error { return e.Err }

// Resolver returns this host's public address.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// PropagationChecker reports whether domain resolves to ip.
type PropagationChecker interface {
	VerifyPropagation(ctx context.Context, domain, ip string, attempts int, interval time.Duration) (bool, error)
}

// Outcome describes what Ensure did.
type Outcome struct {
	Status      Status   `json:"status"`
	Propagated  bool     `json:"propagated"`
	TLSVerified bool     `json:"tls_verified"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Manager runs certbot through a command runner.
type Manager struct {
	runner   cmdutil.Runner
	resolver Resolver
	checker  PropagationChecker
	attempts int
	interval time.Duration
	strict   bool
	logger   *slog.Logger

	liveDir  string
	rootCAs  *x509.CertPool
	dialAddr func(domain string) string
}

// NewManager creates a Manager from the run configuration.
func NewManager(cfg config.Config, runner cmdutil.Runner, resolver Resolver, checker PropagationChecker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = cmdutil.ExecRunner{}
	}
	return &Manager{
		runner:   runner,
		resolver: resolver,
		checker:  checker,
		attempts: cfg.DNSCheckAttempts,
		interval: cfg.DNSCheckInterval,
		strict:   cfg.SSLStrictDNS,
		logger:   logger,
		liveDir:  DefaultLiveDir,
		dialAddr: func(domain string) string { return net.JoinHostPort(domain, "443") },
	}
}

// Exists reports whether certbot already manages a certificate for domain.
func (m *Manager) Exists(domain string) bool {
	return fileutil.FileExists(filepath.Join(m.liveDir, domain, "fullchain.pem"))
}

// Ensure makes sure domain has a valid certificate: renew when one exists,
// issue otherwise. The DNS propagation check runs first and is advisory
// unless strict mode is on. The final TLS check only produces warnings.
func (m *Manager) Ensure(ctx context.Context, domain, email string) (*Outcome, error) {
	if err := security.ValidateDomain(domain); err != nil {
		return nil, &errs.ValidationError{Err: err}
	}

	out := &Outcome{}
	warn := func(msg string, args ...interface{}) {
		s := fmt.Sprintf(msg, args...)
		out.Warnings = append(out.Warnings, s)
		m.logger.Warn(s)
	}

	propagated, err := m.checkPropagation(ctx, domain, warn)
	if err != nil {
		return out, err
	}
	out.Propagated = propagated
	if !propagated && m.strict {
		return out, &errs.StateError{Err: fmt.Errorf("%w: %s", ErrNotPropagated, domain)}
	}

	if m.Exists(domain) {
		m.logger.Info("certificate exists, attempting renewal", "domain", domain)
		output, err := m.run(ctx, []string{"certbot", "renew", "--cert-name", domain, "--non-interactive"})
		if err != nil {
			return out, &IssuanceError{Domain: domain, Output: output, Err: err}
		}
		if strings.Contains(output, "not yet due for renewal") {
			out.Status = StatusAlreadyValid
		} else {
			out.Status = StatusRenewed
		}
	} else {
		if err := security.ValidateEmail(email); err != nil {
			return out, &errs.ValidationError{Err: err}
		}
		m.logger.Info("requesting certificate", "domain", domain, "email", email)
		output, err := m.run(ctx, []string{
			"certbot",
			"--nginx",
			"--non-interactive",
			"--agree-tos",
			"--redirect",
			"--email", email,
			"-d", domain,
		})
		if err != nil {
			return out, &IssuanceError{Domain: domain, Output: output, Err: err}
		}
		out.Status = StatusIssued
	}
	m.logger.Info("certificate ready", "domain", domain, "status", out.Status)

	if err := m.VerifyTLS(ctx, domain); err != nil {
		warn("TLS verification for %s inconclusive: %v", domain, err)
	} else {
		out.TLSVerified = true
	}

	return out, nil
}

func (m *Manager) checkPropagation(ctx context.Context, domain string, warn func(string, ...interface{})) (bool, error) {
	if m.checker == nil || m.resolver == nil {
		warn("DNS propagation check not configured, continuing")
		return false, nil
	}

	ip, err := m.resolver.Resolve(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		warn("cannot check DNS propagation, public IP unknown: %v", err)
		return false, nil
	}

	ok, err := m.checker.VerifyPropagation(ctx, domain, ip, m.attempts, m.interval)
	if err != nil {
		return false, err
	}
	if !ok {
		warn("%s does not resolve to %s yet, certificate validation may fail", domain, ip)
	}
	return ok, nil
}

func (m *Manager) run(ctx context.Context, cmd []string) (string, error) {
	result, err := m.runner.Run(ctx, cmdutil.ExecOptions{Timeout: certbotTimeout}, cmd)
	output := ""
	if result != nil {
		output = strings.TrimSpace(string(result.Output))
	}
	return output, err
}

// VerifyTLS connects to domain on port 443 and checks that the served
// chain verifies against the system roots for that name.
func (m *Manager) VerifyTLS(ctx context.Context, domain string) error {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: tlsTimeout},
		Config: &tls.Config{
			ServerName: domain,
			RootCAs:    m.rootCAs,
			MinVersion: tls.VersionTLS12,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, tlsTimeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", m.dialAddr(domain))
	if err != nil {
		return err
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) > 0 {
		leaf := state.PeerCertificates[0]
		m.logger.Info("TLS certificate verified", "domain", domain,
			"issuer", leaf.Issuer.CommonName, "expires", leaf.NotAfter.Format(time.RFC3339))
	}
	return nil
}
