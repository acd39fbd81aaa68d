// Package l7policy enforces L7 network policy on proxied HTTP requests.
//
// A Filter is created per request. Its verdict cannot be reached when the
// request headers arrive because the destination identity depends on the
// upstream host the proxy picks later, so DecodeHeaders only registers an
// upstream callback; the callback evaluates the endpoint policy once the
// host is known. A request is denied unless that evaluation explicitly
// allowed it.
package l7policy

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/l7policy/internal/accesslog"
	"github.com/mbd888/l7policy/internal/metrics"
)

// DefaultDeniedBody is sent with local 403 replies unless configured otherwise.
const DefaultDeniedBody = "Access denied"

// ErrPolicyNameRemoved is returned when the removed policy_name option is set.
var ErrPolicyNameRemoved = errors.New("l7policy: 'policy_name' is no longer supported")

// FilterOptions is the external configuration of the filter.
type FilterOptions struct {
	AccessLogPath string
	Denied403Body string

	// PolicyName is no longer supported; any value is rejected.
	PolicyName string
	// IsIngress is deprecated and ignored. Nil means not configured.
	IsIngress *bool
}

// EntryLogger receives access log records. *accesslog.Sink implements it.
type EntryLogger interface {
	Log(entry *accesslog.Entry, typ accesslog.EntryType)
	Close() error
}

// Config is shared by every Filter created under one filter configuration.
// It is not modified after NewConfig returns.
type Config struct {
	deniedBody   string
	accessLog    EntryLogger
	accessDenied prometheus.Counter
	clock        quartz.Clock
	logger       *slog.Logger

	sinkOpts  []accesslog.Option
	closeOnce sync.Once
}

// ConfigOption configures a Config.
type ConfigOption func(*Config)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConfigOption {
	return func(c *Config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the time source used to stamp responses.
func WithClock(clock quartz.Clock) ConfigOption {
	return func(c *Config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithAccessDeniedCounter replaces the cilium_access_denied_total counter.
func WithAccessDeniedCounter(counter prometheus.Counter) ConfigOption {
	return func(c *Config) {
		if counter != nil {
			c.accessDenied = counter
		}
	}
}

// WithAccessLog uses l instead of opening AccessLogPath.
func WithAccessLog(l EntryLogger) ConfigOption {
	return func(c *Config) {
		c.accessLog = l
	}
}

// WithSinkOptions passes options to the access log sink opened from
// AccessLogPath.
func WithSinkOptions(opts ...accesslog.Option) ConfigOption {
	return func(c *Config) {
		c.sinkOpts = append(c.sinkOpts, opts...)
	}
}

// NewConfig validates opts and opens the access log. Failing to reach the
// access log collector is not an error; the filter then runs without logging.
func NewConfig(opts FilterOptions, deps ...ConfigOption) (*Config, error) {
	c := &Config{
		accessDenied: metrics.AccessDeniedTotal,
		clock:        quartz.NewReal(),
		logger:       slog.Default(),
	}
	for _, opt := range deps {
		opt(c)
	}

	if opts.PolicyName != "" {
		return nil, fmt.Errorf("%w: %q", ErrPolicyNameRemoved, opts.PolicyName)
	}
	if opts.IsIngress != nil {
		c.logger.Warn("cilium.l7policy: 'is_ingress' config option is deprecated and is ignored",
			"is_ingress", *opts.IsIngress)
	}

	if c.accessLog == nil && opts.AccessLogPath != "" {
		sink, err := accesslog.Open(opts.AccessLogPath, c.logger, c.sinkOpts...)
		if err != nil {
			c.logger.Warn("Cilium filter can not open access log socket",
				"path", opts.AccessLogPath, "error", err)
		} else {
			c.accessLog = sink
		}
	}

	c.deniedBody = normalizeDeniedBody(opts.Denied403Body)
	return c, nil
}

// normalizeDeniedBody applies the default body and makes sure it ends in
// exactly one CRLF.
func normalizeDeniedBody(body string) string {
	if body == "" {
		body = DefaultDeniedBody
	}
	if !strings.HasSuffix(body, "\r\n") {
		body += "\r\n"
	}
	return body
}

// DeniedBody returns the body of local 403 replies. It always ends in CRLF.
func (c *Config) DeniedBody() string { return c.deniedBody }

// Clock returns the configured time source.
func (c *Config) Clock() quartz.Clock { return c.clock }

// HasAccessLog reports whether records are being delivered anywhere.
func (c *Config) HasAccessLog() bool { return c.accessLog != nil }

// Log sends entry tagged with typ to the access log, if there is one.
func (c *Config) Log(entry *accesslog.Entry, typ accesslog.EntryType) {
	if c.accessLog != nil {
		c.accessLog.Log(entry, typ)
	}
}

// Close closes the access log. Safe to call more than once.
func (c *Config) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.accessLog != nil {
			err = c.accessLog.Close()
		}
	})
	return err
}
