package ddns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/miekg/dns"
)

// Default resolvers for the propagation check. The second is only asked
// when the first does not answer.
var DefaultResolvers = []string{"1.1.1.1:53", "8.8.8.8:53"}

const (
	DefaultAttempts = 12
	DefaultInterval = 10 * time.Second
	queryTimeout    = 5 * time.Second
)

// Checker polls public resolvers until a DuckDNS name resolves to an
// expected address.
type Checker struct {
	client    *dns.Client
	resolvers []string
	logger    *slog.Logger
}

// NewChecker creates a Checker. With no resolvers the defaults are used; a
// single resolver gets the default fallback appended.
func NewChecker(logger *slog.Logger, resolvers ...string) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	resolvers = append([]string(nil), resolvers...)
	for i, r := range resolvers {
		if _, _, err := net.SplitHostPort(r); err != nil {
			resolvers[i] = net.JoinHostPort(r, "53")
		}
	}
	switch len(resolvers) {
	case 0:
		resolvers = DefaultResolvers
	case 1:
		if resolvers[0] != DefaultResolvers[1] {
			resolvers = []string{resolvers[0], DefaultResolvers[1]}
		}
	}
	return &Checker{
		client:    &dns.Client{Net: "udp", Timeout: queryTimeout},
		resolvers: resolvers,
		logger:    logger,
	}
}

// SetQueryTimeout bounds each DNS exchange.
func (c *Checker) SetQueryTimeout(d time.Duration) {
	c.client.Timeout = d
}

// FQDN returns the fully qualified DuckDNS name for domain.
func FQDN(domain string) string {
	return dns.Fqdn(Subdomain(domain) + duckSuffix)
}

// Lookup returns the A records for fqdn from the first resolver that
// answers.
func (c *Checker) Lookup(ctx context.Context, fqdn string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(fqdn), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	for _, resolver := range c.resolvers {
		res, _, err := c.client.ExchangeContext(ctx, msg, resolver)
		if err != nil {
			lastErr = fmt.Errorf("query %s: %w", resolver, err)
			continue
		}
		if res.Rcode != dns.RcodeSuccess && res.Rcode != dns.RcodeNameError {
			lastErr = fmt.Errorf("query %s: %s", resolver, dns.RcodeToString[res.Rcode])
			continue
		}

		var addrs []string
		for _, rr := range res.Answer {
			if a, ok := rr.(*dns.A); ok {
				addrs = append(addrs, a.A.String())
			}
		}
		return addrs, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no resolvers configured")
	}
	return nil, lastErr
}

// VerifyPropagation asks the resolvers up to attempts times, interval apart,
// whether domain resolves to expectedIP. It reports false without error
// when the attempts run out; only context cancellation is an error.
func (c *Checker) VerifyPropagation(ctx context.Context, domain, expectedIP string, attempts int, interval time.Duration) (bool, error) {
	if attempts < 1 {
		attempts = 1
	}
	fqdn := FQDN(domain)
	attempt := 0

	check := func() error {
		attempt++
		addrs, err := c.Lookup(ctx, fqdn)
		if err != nil {
			c.logger.Debug("propagation query failed", "domain", fqdn, "attempt", attempt, "error", err)
			return err
		}
		for _, a := range addrs {
			if a == expectedIP {
				return nil
			}
		}
		c.logger.Debug("record not propagated yet", "domain", fqdn, "attempt", attempt, "got", addrs, "want", expectedIP)
		return fmt.Errorf("%s resolves to %v, want %s", fqdn, addrs, expectedIP)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)

	if err := backoff.Retry(check, b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		c.logger.Warn("DNS propagation not confirmed", "domain", fqdn, "attempts", attempt, "last", err)
		return false, nil
	}
	c.logger.Info("DNS propagation confirmed", "domain", fqdn, "ip", expectedIP, "attempts", attempt)
	return true, nil
}
