package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sitebox/internal/errs"
)

func (o *Orchestrator) serverSetup(ctx context.Context) (string, []string, error) {
	report, err := o.comps.Provisioner.Run(ctx)
	if err != nil {
		return "", nil, err
	}

	detail := fmt.Sprintf("nginx serving %s from %s", o.cfg.FQDN(), o.cfg.WebRoot)
	if len(report.Installed) > 0 {
		detail += fmt.Sprintf(", installed %s", strings.Join(report.Installed, ", "))
	}
	if !report.Changed {
		detail += " (no changes)"
	}
	return detail, report.Warnings, nil
}

// dnsUpdate points the record at this host. A propagation timeout is only
// a warning here.
func (o *Orchestrator) dnsUpdate(ctx context.Context) (string, []string, error) {
	ip, err := o.comps.Resolver.Resolve(ctx)
	if err != nil {
		return "", nil, err
	}

	domain := o.cfg.FQDN()
	if err := o.comps.Updater.Update(ctx, o.cfg.Domain, o.cfg.Token, ip); err != nil {
		return "", nil, err
	}
	o.logger.Info("DNS record updated", "domain", domain, "ip", ip)

	var warnings []string
	ok, err := o.comps.Checker.VerifyPropagation(ctx, domain, ip, o.cfg.DNSCheckAttempts, o.cfg.DNSCheckInterval)
	switch {
	case err != nil:
		return "", nil, err
	case !ok:
		msg := fmt.Sprintf("%s does not resolve to %s yet after %d checks", domain, ip, o.cfg.DNSCheckAttempts)
		o.logger.Warn(msg)
		warnings = append(warnings, msg)
	default:
		o.logger.Info("DNS propagated", "domain", domain, "ip", ip)
	}

	return fmt.Sprintf("%s -> %s", domain, ip), warnings, nil
}

func (o *Orchestrator) siteDeploy(ctx context.Context) (string, []string, error) {
	report, err := o.comps.Deployer.Deploy(ctx, o.cfg.SourceDir, o.cfg.WebRoot)
	if err != nil {
		var partial *errs.PartialApplyError
		if report != nil && errors.As(err, &partial) {
			return fmt.Sprintf("content synced to %s but not activated: %v", o.cfg.WebRoot, err), report.Warnings, err
		}
		return "", nil, err
	}

	detail := fmt.Sprintf("%s -> %s: %d copied, %d deleted, %d unchanged",
		o.cfg.SourceDir, o.cfg.WebRoot, report.Copied, report.Deleted, report.Unchanged)
	if report.Snapshot != nil {
		detail += fmt.Sprintf(", snapshot %s", report.Snapshot.Name)
	}
	return detail, report.Warnings, nil
}

// sslSetup always runs its own propagation check inside Ensure, even when
// dns-update was skipped in this run.
func (o *Orchestrator) sslSetup(ctx context.Context) (string, []string, error) {
	domain := o.cfg.FQDN()
	outcome, err := o.comps.Certs.Ensure(ctx, domain, o.cfg.Email)
	if err != nil {
		var warnings []string
		if outcome != nil {
			warnings = outcome.Warnings
		}
		return "", warnings, err
	}

	detail := fmt.Sprintf("certificate for %s %s", domain, outcome.Status)
	if outcome.TLSVerified {
		detail += ", TLS verified"
	}
	return detail, outcome.Warnings, nil
}

// describe reports what a step would do without changing anything.
func (o *Orchestrator) describe(ctx context.Context, id StepID) (string, []string) {
	domain := o.cfg.FQDN()

	switch id {
	case StepServerSetup:
		return o.comps.Provisioner.Describe(), nil

	case StepDNSUpdate:
		return fmt.Sprintf("would resolve the public IP, update %s at DuckDNS and check propagation (%d x %s)",
			domain, o.cfg.DNSCheckAttempts, o.cfg.DNSCheckInterval), nil

	case StepSiteDeploy:
		base := fmt.Sprintf("would snapshot %s into %s (keeping %d) and mirror %s into it",
			o.cfg.WebRoot, o.cfg.BackupDir, o.cfg.MaxBackups, o.cfg.SourceDir)
		plan, err := o.comps.Deployer.Plan(ctx, o.cfg.SourceDir, o.cfg.WebRoot)
		if err != nil {
			return base, []string{fmt.Sprintf("cannot plan mirror: %v", err)}
		}
		return fmt.Sprintf("%s: %d to copy, %d to delete, %d unchanged, then reload",
			base, len(plan.Copy), len(plan.Delete), plan.Unchanged), nil

	case StepSSLSetup:
		action := "issue"
		if o.comps.Certs.Exists(domain) {
			action = "renew"
		}
		return fmt.Sprintf("would check DNS propagation then %s the certificate for %s (contact %s)",
			action, domain, o.cfg.Email), nil
	}
	return "", nil
}
