// Package proxy is an HTTP reverse proxy that enforces L7 policy on every
// request through an l7policy.Filter.
//
// The proxy plays the host of the filter: it attaches the socket option to
// each accepted connection, runs DecodeHeaders, picks the upstream host and
// fires the filter's upstream callbacks before dialing, and passes every
// response, upstream or local, through EncodeHeaders.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/l7policy/internal/circuitbreaker"
	"github.com/mbd888/l7policy/internal/identity"
	"github.com/mbd888/l7policy/internal/l7policy"
	"github.com/mbd888/l7policy/internal/logging"
	"github.com/mbd888/l7policy/internal/metrics"
	"github.com/mbd888/l7policy/internal/sockopt"
)

// Errors
var (
	ErrNoUpstream   = errors.New("proxy: no upstream host")
	ErrPolicyDenied = errors.New("proxy: upstream connection refused by policy")
	ErrCircuitOpen  = errors.New("proxy: upstream circuit open")
)

const requestIDHeader = "X-Request-ID"

// Listener describes the traffic a Proxy handles.
type Listener struct {
	// Ingress is true when clients connect to the local endpoint, false when
	// the local endpoint is the client.
	Ingress bool
	// PodIP is the address of the local endpoint.
	PodIP string
	// Identity is the security identity of the local endpoint.
	Identity identity.NumericIdentity
	// UpstreamAddr is where ingress traffic is forwarded (the local workload).
	UpstreamAddr string
}

// HostLookup resolves a host name to addresses.
type HostLookup func(ctx context.Context, host string) ([]netip.Addr, error)

func lookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTransport sets the transport used for upstream requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) {
		if rt != nil {
			p.transport = rt
		}
	}
}

// WithHostLookup replaces DNS resolution of upstream host names.
func WithHostLookup(lookup HostLookup) Option {
	return func(p *Proxy) {
		if lookup != nil {
			p.lookupHost = lookup
		}
	}
}

// WithBreaker replaces the upstream circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(p *Proxy) {
		if b != nil {
			p.breaker = b
		}
	}
}

// Proxy enforces L7 policy for one listener.
type Proxy struct {
	cfg        *l7policy.Config
	listener   Listener
	resolver   identity.Resolver
	policies   sockopt.PolicyLookup
	logger     *slog.Logger
	transport  http.RoundTripper
	lookupHost HostLookup
	breaker    *circuitbreaker.Breaker
	rp         *httputil.ReverseProxy
}

// New creates a proxy. cfg is shared with every request the proxy handles.
func New(cfg *l7policy.Config, l Listener, resolver identity.Resolver, policies sockopt.PolicyLookup, opts ...Option) *Proxy {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.Proxy = nil

	p := &Proxy{
		cfg:        cfg,
		listener:   l,
		resolver:   resolver,
		policies:   policies,
		logger:     slog.Default(),
		transport:  base,
		lookupHost: lookupIP,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = circuitbreaker.New(5, 30*time.Second, nil)
	}

	p.rp = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		Transport:      &upstreamTransport{p: p},
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.errorHandler,
	}
	return p
}

// Server returns an http.Server serving the proxy on addr.
func (p *Proxy) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           p,
		ConnContext:       p.ConnContext,
		ConnState:         p.ConnState,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelWarn),
	}
}

// ConnContext attaches the socket option of an accepted connection.
func (p *Proxy) ConnContext(ctx context.Context, c net.Conn) context.Context {
	var port uint16
	if ap, err := identity.AddrPort(c.LocalAddr()); err == nil {
		port = ap.Port()
	}
	opt := sockopt.New(p.listener.PodIP, p.listener.Ingress, p.listener.Identity, port, p.resolver, p.policies)
	return sockopt.WithOptions(ctx, sockopt.Options{opt})
}

// ConnState tracks open downstream connections.
func (p *Proxy) ConnState(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		metrics.ActiveConnections.Inc()
	case http.StateClosed, http.StateHijacked:
		metrics.ActiveConnections.Dec()
	}
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" {
		reqID = logging.NewRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	w.Header().Set(requestIDHeader, reqID)

	ctx := logging.WithRequestID(r.Context(), reqID)
	ctx = logging.WithLogger(ctx, p.logger)

	st := newStream(r, p.cfg.Clock().Now())
	r = r.WithContext(withStream(ctx, st))
	st.req = r
	st.filter = l7policy.NewFilter(p.cfg, st)
	defer st.filter.OnDestroy()

	if st.filter.DecodeHeaders(r) == l7policy.StopIteration {
		p.reply(w, st)
		return
	}
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	target := pr.In.Host
	if pr.In.URL.Host != "" {
		target = pr.In.URL.Host
	}
	if p.listener.Ingress && p.listener.UpstreamAddr != "" {
		target = p.listener.UpstreamAddr
	}
	pr.Out.URL.Scheme = "http"
	pr.Out.URL.Host = target
	pr.Out.Host = pr.In.Host
	pr.SetXForwarded()
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	if st := streamFrom(resp.Request.Context()); st != nil {
		st.filter.EncodeHeaders(resp.StatusCode, resp.Header)
	}
	p.observe(resp.StatusCode)
	return nil
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.L(r.Context())

	code, body := http.StatusBadGateway, "upstream connect error\r\n"
	switch {
	case errors.Is(err, ErrPolicyDenied):
		code, body = http.StatusForbidden, p.cfg.DeniedBody()
	case errors.Is(err, ErrNoUpstream):
		code, body = http.StatusServiceUnavailable, "no healthy upstream\r\n"
		logger.Warn("upstream selection failed", "error", err)
	case errors.Is(err, ErrCircuitOpen):
		code, body = http.StatusServiceUnavailable, "no healthy upstream\r\n"
		logger.Debug("upstream circuit open", "error", err)
	case errors.Is(err, context.Canceled):
		logger.Debug("client went away", "error", err)
	default:
		metrics.UpstreamErrorsTotal.WithLabelValues("round_trip").Inc()
		logger.Warn("upstream request failed", "error", err)
	}

	st := streamFrom(r.Context())
	if st == nil {
		http.Error(w, body, code)
		return
	}
	st.SendLocalReply(code, body)
	p.reply(w, st)
}

func (p *Proxy) reply(w http.ResponseWriter, st *stream) {
	code := st.reply.code
	st.writeLocalReply(w)
	p.observe(code)
}

func (p *Proxy) observe(code int) {
	metrics.ProxiedRequestsTotal.WithLabelValues(metrics.Direction(p.listener.Ingress), metrics.StatusBucket(code)).Inc()
}

// selectUpstream picks the address to connect to for hostport.
func (p *Proxy) selectUpstream(ctx context.Context, hostport string) (net.Addr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host, portStr = hostport, "80"
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", portStr)
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		addrs, lerr := p.lookupHost(ctx, host)
		if lerr != nil {
			return nil, lerr
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("no addresses for %s", host)
		}
		ip = addrs[0]
	}
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(ip.Unmap(), uint16(port))), nil
}

// upstreamTransport selects the upstream host and consults the filter
// before any connection is made.
type upstreamTransport struct {
	p *Proxy
}

func (t *upstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	st := streamFrom(req.Context())
	if st == nil {
		return nil, fmt.Errorf("%w: request has no stream", ErrNoUpstream)
	}

	addr, err := t.p.selectUpstream(req.Context(), req.URL.Host)
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues("no_upstream").Inc()
		return nil, fmt.Errorf("%w: %v", ErrNoUpstream, err)
	}
	if !st.upstreamSelected(addr) {
		return nil, ErrPolicyDenied
	}

	// Connect to exactly the address the policy decision was made for.
	key := addr.String()
	if !t.p.breaker.Allow(key) {
		metrics.UpstreamErrorsTotal.WithLabelValues("circuit_open").Inc()
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, key)
	}
	req.URL.Host = key
	resp, err := t.p.transport.RoundTrip(req)
	switch {
	case err == nil:
		t.p.breaker.RecordSuccess(key)
	case errors.Is(err, context.Canceled):
		// The client left; says nothing about the upstream.
	default:
		t.p.breaker.RecordFailure(key)
	}
	return resp, err
}
