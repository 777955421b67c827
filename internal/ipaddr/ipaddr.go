// Package ipaddr discovers the host's public IPv4 address through external
// address-echo services.
package ipaddr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"sitebox/internal/errs"
)

// DefaultServices are queried in order until one returns a valid address.
var DefaultServices = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
	"https://ipecho.net/plain",
}

// DefaultTimeout bounds each service request.
const DefaultTimeout = 5 * time.Second

// ErrResolution is returned when every service failed.
var ErrResolution = errors.New("could not determine public IP address")

// Attempt records one failed service query.
type Attempt struct {
	Service string
	Cause   errs.TransportCause
	Err     error
}

// ResolutionError lists every failed attempt. It matches ErrResolution with
// errors.Is.
type ResolutionError struct {
	Attempts []Attempt
}

func (e *ResolutionError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s (%s): %v", a.Service, a.Cause, a.Err))
	}
	return fmt.Sprintf("%v: %s", ErrResolution, strings.Join(parts, "; "))
}

func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }

// Resolver queries address-echo services sequentially.
type Resolver struct {
	client   *resty.Client
	services []string
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithServices replaces the service list.
func WithServices(services ...string) Option {
	return func(r *Resolver) { r.services = services }
}

// WithTimeout sets the per-service timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.client.SetTimeout(d) }
}

// NewResolver creates a resolver with the default services and timeout.
func NewResolver(logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		client: resty.New().
			SetTimeout(DefaultTimeout).
			SetHeader("User-Agent", "sitebox"),
		services: DefaultServices,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the first valid IPv4 address reported by a service.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	var failed []Attempt

	for _, service := range r.services {
		ip, err := r.query(ctx, service)
		if err == nil {
			r.logger.Debug("resolved public IP", "service", service, "ip", ip)
			return ip, nil
		}

		cause := errs.CauseRequest
		var terr *errs.TransportError
		if errors.As(err, &terr) {
			cause = terr.Cause
		}
		failed = append(failed, Attempt{Service: service, Cause: cause, Err: err})
		r.logger.Warn("IP service failed, trying next", "service", service, "cause", cause, "error", err)

		if ctx.Err() != nil {
			break
		}
	}

	return "", &errs.TransportError{
		Op:    "resolve public IP",
		Cause: lastCause(failed),
		Err:   &ResolutionError{Attempts: failed},
	}
}

func (r *Resolver) query(ctx context.Context, service string) (string, error) {
	resp, err := r.client.R().SetContext(ctx).Get(service)
	if err != nil {
		return "", errs.Transport("GET "+service, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode())
	}

	ip := strings.TrimSpace(resp.String())
	if !ValidIPv4(ip) {
		return "", fmt.Errorf("invalid response %q", truncate(ip, 64))
	}
	return ip, nil
}

// ValidIPv4 reports whether s is four dot-separated decimal components, each
// in 0-255, with nothing else around them.
func ValidIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

func lastCause(attempts []Attempt) errs.TransportCause {
	if len(attempts) == 0 {
		return errs.CauseRequest
	}
	return attempts[len(attempts)-1].Cause
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
