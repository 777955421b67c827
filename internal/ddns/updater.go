// Package ddns updates a DuckDNS record and checks that the change is
// visible through public recursive resolvers.
package ddns

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"sitebox/internal/errs"
	"sitebox/internal/ipaddr"
	"sitebox/internal/security"
)

// DefaultEndpoint is the DuckDNS update URL.
const DefaultEndpoint = "https://www.duckdns.org/update"

// DefaultTimeout bounds the update request.
const DefaultTimeout = 10 * time.Second

const duckSuffix = ".duckdns.org"

const opUpdate = "duckdns update"

// Updater calls the DuckDNS update API.
type Updater struct {
	client   *resty.Client
	endpoint string
	logger   *slog.Logger
}

// UpdaterOption configures an Updater.
type UpdaterOption func(*Updater)

// WithEndpoint points the updater at a different URL, used by tests.
func WithEndpoint(url string) UpdaterOption {
	return func(u *Updater) { u.endpoint = url }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) UpdaterOption {
	return func(u *Updater) { u.client.SetTimeout(d) }
}

// NewUpdater creates an Updater for the public DuckDNS endpoint.
func NewUpdater(logger *slog.Logger, opts ...UpdaterOption) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Updater{
		client: resty.New().
			SetTimeout(DefaultTimeout).
			SetHeader("User-Agent", "sitebox"),
		endpoint: DefaultEndpoint,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Subdomain reduces "name" or "name.duckdns.org" to "name".
func Subdomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimSuffix(d, ".")
	return strings.TrimSuffix(d, duckSuffix)
}

// Update points domain at ip. The provider answers a plain "OK" or "KO".
func (u *Updater) Update(ctx context.Context, domain, token, ip string) error {
	sub := Subdomain(domain)
	if sub == "" {
		return errs.Validation("domain cannot be empty")
	}
	if strings.Contains(sub, ".") {
		return errs.Validation("domain %q is not a DuckDNS subdomain", domain)
	}
	if err := security.ValidateDomain(sub); err != nil {
		return &errs.ValidationError{Err: err}
	}
	if err := security.ValidateToken(token); err != nil {
		return &errs.ValidationError{Err: err}
	}
	if !ipaddr.ValidIPv4(ip) {
		return errs.Validation("invalid IPv4 address %q", ip)
	}

	u.logger.Info("updating DuckDNS record", "domain", sub+duckSuffix, "ip", ip, "token", security.MaskSecret(token))

	resp, err := u.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"domains": sub,
			"token":   token,
			"ip":      ip,
		}).
		Get(u.endpoint)
	if err != nil {
		return &errs.TransportError{
			Op:    opUpdate,
			Cause: errs.Classify(err),
			Err:   redact(err, token),
		}
	}

	body := strings.TrimSpace(resp.String())
	switch body {
	case "OK":
		u.logger.Info("DuckDNS record updated", "domain", sub+duckSuffix, "ip", ip)
		return nil
	case "KO":
		return &errs.AuthError{Op: opUpdate, Detail: "provider answered KO, check the domain and token"}
	default:
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		return &errs.ProtocolError{
			Op:     opUpdate,
			Status: resp.StatusCode(),
			Body:   strings.ReplaceAll(body, token, redactedMark),
		}
	}
}

const redactedMark = "***REDACTED***"

// redactedError hides a secret in the message of a wrapped error while
// keeping it unwrappable.
type redactedError struct {
	err    error
	secret string
}

func redact(err error, secret string) error {
	return &redactedError{err: err, secret: secret}
}

func (e *redactedError) Error() string {
	if e.secret == "" {
		return e.err.Error()
	}
	return strings.ReplaceAll(e.err.Error(), e.secret, redactedMark)
}

func (e *redactedError) Unwrap() error { return e.err }
