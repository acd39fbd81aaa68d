package l7policy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/l7policy/internal/accesslog"
	"github.com/mbd888/l7policy/internal/identity"
	"github.com/mbd888/l7policy/internal/policy"
	"github.com/mbd888/l7policy/internal/sockopt"
)

// --- host fakes ---

type fakeConn struct{ opts sockopt.Options }

func (c *fakeConn) SocketOptions() sockopt.Options { return c.opts }

type fakeInfo struct {
	remote   net.Addr
	upstream net.Addr
	start    time.Time
}

func (i *fakeInfo) DownstreamRemoteAddress() net.Addr { return i.remote }
func (i *fakeInfo) UpstreamHostAddress() net.Addr     { return i.upstream }
func (i *fakeInfo) StartTime() time.Time              { return i.start }

type fakeCallbacks struct {
	conn Connection
	info *fakeInfo

	localReplies int
	localCode    int
	localBody    string
	upstream     []UpstreamCallback
}

func (c *fakeCallbacks) Connection() Connection { return c.conn }

func (c *fakeCallbacks) StreamInfo() StreamInfo {
	if c.info == nil {
		return nil
	}
	return c.info
}

func (c *fakeCallbacks) SendLocalReply(code int, body string) {
	c.localReplies++
	c.localCode = code
	c.localBody = body
}

func (c *fakeCallbacks) AddUpstreamCallback(cb UpstreamCallback) {
	c.upstream = append(c.upstream, cb)
}

// selectUpstream plays the host picking an upstream and running callbacks.
func (c *fakeCallbacks) selectUpstream(req *http.Request) bool {
	allowed := true
	for _, cb := range c.upstream {
		if !cb(req, c.StreamInfo()) {
			allowed = false
		}
	}
	return allowed
}

type recorder struct {
	mu      sync.Mutex
	entries []*accesslog.Entry
	closed  int
}

func (r *recorder) Log(e *accesslog.Entry, typ accesslog.EntryType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := e.Clone()
	cp.EntryType = typ
	r.entries = append(r.entries, cp)
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *recorder) types() []accesslog.EntryType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]accesslog.EntryType, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.EntryType)
	}
	return out
}

func (r *recorder) last() *accesslog.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[len(r.entries)-1]
}

type policyCall struct {
	ingress  bool
	port     uint16
	remoteID identity.NumericIdentity
}

type stubPolicy struct {
	mu      sync.Mutex
	allowed bool
	calls   []policyCall
}

func (p *stubPolicy) Allowed(ingress bool, port uint16, remoteID identity.NumericIdentity, _ *http.Request, entry *accesslog.Entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, policyCall{ingress, port, remoteID})
	if p.allowed {
		entry.RuleRef = "stub"
	}
	return p.allowed
}

type stubLookup struct{ p policy.Policy }

func (l stubLookup) Lookup(string) policy.Policy { return l.p }

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.Counter.GetValue()
}

type harness struct {
	cfg     *Config
	rec     *recorder
	denied  prometheus.Counter
	clock   *quartz.Mock
	logBuf  *bytes.Buffer
	started time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rec:     &recorder{},
		denied:  prometheus.NewCounter(prometheus.CounterOpts{Name: "test_access_denied_total"}),
		clock:   quartz.NewMock(t),
		logBuf:  &bytes.Buffer{},
		started: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.clock.Set(h.started.Add(250 * time.Millisecond))
	logger := slog.New(slog.NewTextHandler(h.logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg, err := NewConfig(FilterOptions{},
		WithAccessLog(h.rec),
		WithAccessDeniedCounter(h.denied),
		WithClock(h.clock),
		WithLogger(logger),
	)
	require.NoError(t, err)
	h.cfg = cfg
	return h
}

func (h *harness) stream(opt *sockopt.SocketOption, upstream net.Addr) *fakeCallbacks {
	var opts sockopt.Options
	if opt != nil {
		opts = sockopt.Options{opt}
	}
	return &fakeCallbacks{
		conn: &fakeConn{opts: opts},
		info: &fakeInfo{
			remote:   &net.TCPAddr{IP: net.ParseIP("10.0.9.9"), Port: 51000},
			upstream: upstream,
			start:    h.started,
		},
	}
}

func tcpAddr(ip string, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

// --- Config ---

func TestNewConfig_DeniedBody(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"default", "", "Access denied\r\n"},
		{"appends crlf", "Go away", "Go away\r\n"},
		{"keeps crlf", "Go away\r\n", "Go away\r\n"},
		{"bare lf", "Go away\n", "Go away\n\r\n"},
		{"bare cr", "x\r", "x\r\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConfig(FilterOptions{Denied403Body: tt.in})
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.DeniedBody())
			// Normalizing again never doubles the terminator.
			assert.Equal(t, tt.want, normalizeDeniedBody(cfg.DeniedBody()))
		})
	}
}

func TestNewConfig_PolicyNameRemoved(t *testing.T) {
	cfg, err := NewConfig(FilterOptions{PolicyName: "legacy"})
	assert.ErrorIs(t, err, ErrPolicyNameRemoved)
	assert.Nil(t, cfg)
}

func TestNewConfig_IsIngressDeprecated(t *testing.T) {
	var buf bytes.Buffer
	ingress := true
	cfg, err := NewConfig(FilterOptions{IsIngress: &ingress}, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Contains(t, buf.String(), "deprecated")
}

func TestNewConfig_AccessLogUnavailable(t *testing.T) {
	var buf bytes.Buffer
	cfg, err := NewConfig(
		FilterOptions{AccessLogPath: filepath.Join(t.TempDir(), "missing.sock")},
		WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
	)
	require.NoError(t, err)
	assert.False(t, cfg.HasAccessLog())
	assert.Contains(t, buf.String(), "can not open access log socket")

	assert.NotPanics(t, func() { cfg.Log(&accesslog.Entry{}, accesslog.EntryDenied) })
	assert.NoError(t, cfg.Close())
}

func TestNewConfig_OpensAccessLog(t *testing.T) {
	dir, err := os.MkdirTemp("", "l7")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	got := make(chan *accesslog.Entry, 4)
	collector := accesslog.NewCollector(slog.Default(), filepath.Join(dir, "a.sock"),
		accesslog.HandlerFunc(func(_ context.Context, e *accesslog.Entry) { got <- e }))
	require.NoError(t, collector.Start())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = collector.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = collector.Close()
	})

	cfg, err := NewConfig(FilterOptions{AccessLogPath: collector.SocketPath()}, WithSinkOptions(accesslog.WithBufferSize(8)))
	require.NoError(t, err)
	require.True(t, cfg.HasAccessLog())

	cfg.Log(&accesslog.Entry{ID: "rec-1", PolicyName: "10.0.0.2"}, accesslog.EntryDenied)
	select {
	case e := <-got:
		assert.Equal(t, "rec-1", e.ID)
		assert.Equal(t, accesslog.EntryDenied, e.EntryType)
	case <-time.After(5 * time.Second):
		t.Fatal("record not delivered")
	}
	require.NoError(t, cfg.Close())
	require.NoError(t, cfg.Close())
}

func TestConfig_CloseOnce(t *testing.T) {
	rec := &recorder{}
	cfg, err := NewConfig(FilterOptions{}, WithAccessLog(rec))
	require.NoError(t, err)
	require.NoError(t, cfg.Close())
	require.NoError(t, cfg.Close())
	assert.Equal(t, 1, rec.closed)
}

// --- Filter ---

func TestFilter_NoConnection(t *testing.T) {
	h := newHarness(t)
	cb := &fakeCallbacks{}
	f := NewFilter(h.cfg, cb)

	status := f.DecodeHeaders(httptest.NewRequest(http.MethodGet, "http://svc/", nil))
	assert.Equal(t, StopIteration, status)
	assert.Equal(t, 1, cb.localReplies)
	assert.Equal(t, http.StatusForbidden, cb.localCode)
	assert.Equal(t, "Access denied\r\n", cb.localBody)
	assert.Empty(t, cb.upstream)
	assert.Equal(t, Denied, f.State())
	assert.Contains(t, h.logBuf.String(), "No connection")

	assert.Equal(t, Continue, f.EncodeHeaders(http.StatusForbidden, nil))
	assert.Empty(t, h.rec.types())
	assert.Equal(t, 1.0, counterValue(t, h.denied))
}

func TestFilter_StripsOriginalDestinationHint(t *testing.T) {
	h := newHarness(t)
	cb := h.stream(sockopt.New("10.0.0.2", true, 100, 80, nil, nil), tcpAddr("10.0.0.2", 80))
	req := httptest.NewRequest(http.MethodGet, "http://svc/", nil)
	req.Header.Set("x-envoy-original-dst-host", "10.6.6.6:80")

	assert.Equal(t, Continue, NewFilter(h.cfg, cb).DecodeHeaders(req))
	assert.Empty(t, req.Header.Get("X-Envoy-Original-Dst-Host"))
}

func TestFilter_IngressAllowed(t *testing.T) {
	h := newHarness(t)
	pol := &stubPolicy{allowed: true}
	cache := identity.NewIPCache()
	cache.Replace(map[netip.Prefix]identity.NumericIdentity{netip.MustParsePrefix("10.0.0.0/8"): 999})

	opt := sockopt.New("10.0.0.2", true, 100, 80, cache, stubLookup{pol})
	cb := h.stream(opt, tcpAddr("10.0.0.2", 8080))
	f := NewFilter(h.cfg, cb)
	req := httptest.NewRequest(http.MethodGet, "http://svc/public", nil)

	require.Equal(t, Continue, f.DecodeHeaders(req))
	require.Len(t, cb.upstream, 1)
	assert.Equal(t, Pending, f.State())
	assert.Empty(t, h.rec.types(), "nothing is logged before the upstream is selected")

	assert.True(t, cb.selectUpstream(req))
	assert.Equal(t, Allowed, f.State())
	assert.Equal(t, []policyCall{{ingress: true, port: 80, remoteID: 100}}, pol.calls)
	assert.Equal(t, []accesslog.EntryType{accesslog.EntryRequest}, h.rec.types())

	reqEntry := h.rec.last()
	assert.Equal(t, identity.NumericIdentity(100), reqEntry.SourceSecurityID)
	assert.Equal(t, identity.NumericIdentity(100), reqEntry.DestinationSecurityID)
	assert.Equal(t, uint16(80), reqEntry.DestinationPort)
	assert.Equal(t, "10.0.0.2", reqEntry.PolicyName)
	assert.Equal(t, "10.0.9.9:51000", reqEntry.SourceAddress)
	assert.Equal(t, "stub", reqEntry.RuleRef)
	assert.Equal(t, h.started, reqEntry.Timestamp)

	assert.Equal(t, Continue, f.EncodeHeaders(http.StatusOK, http.Header{"Content-Type": {"text/plain"}}))
	assert.Equal(t, []accesslog.EntryType{accesslog.EntryRequest, accesslog.EntryResponse}, h.rec.types())
	resp := h.rec.last()
	assert.Equal(t, http.StatusOK, resp.HTTP.Status)
	assert.Equal(t, h.started.Add(250*time.Millisecond), resp.Timestamp)
	assert.Equal(t, reqEntry.ID, resp.ID)
	assert.Zero(t, counterValue(t, h.denied))
}

func TestFilter_EgressDenied(t *testing.T) {
	h := newHarness(t)
	pol := &stubPolicy{allowed: false}
	cache := identity.NewIPCache()
	cache.Replace(map[netip.Prefix]identity.NumericIdentity{netip.MustParsePrefix("10.0.1.0/24"): 200})

	opt := sockopt.New("10.0.0.2", false, 100, 80, cache, stubLookup{pol})
	cb := h.stream(opt, tcpAddr("10.0.1.5", 8080))
	f := NewFilter(h.cfg, cb)
	req := httptest.NewRequest(http.MethodGet, "http://backend/", nil)

	require.Equal(t, Continue, f.DecodeHeaders(req))
	assert.False(t, cb.selectUpstream(req))
	assert.Equal(t, Denied, f.State())
	assert.Equal(t, []policyCall{{ingress: false, port: 8080, remoteID: 200}}, pol.calls)

	// Denied is emitted when the decision is made.
	assert.Equal(t, []accesslog.EntryType{accesslog.EntryDenied}, h.rec.types())
	e := h.rec.last()
	assert.Equal(t, identity.NumericIdentity(200), e.DestinationSecurityID)
	assert.Equal(t, uint16(8080), e.DestinationPort)
	assert.Equal(t, "10.0.1.5:8080", e.DestinationAddress)
	assert.Zero(t, counterValue(t, h.denied))

	f.EncodeHeaders(http.StatusForbidden, nil)
	assert.Equal(t, []accesslog.EntryType{accesslog.EntryDenied}, h.rec.types())
	assert.Equal(t, 1.0, counterValue(t, h.denied))
}

func TestFilter_NoPolicyDefaultsToDeny(t *testing.T) {
	h := newHarness(t)
	opt := sockopt.New("10.0.0.2", true, 100, 80, nil, stubLookup{})
	cb := h.stream(opt, tcpAddr("10.0.0.2", 80))
	f := NewFilter(h.cfg, cb)
	req := httptest.NewRequest(http.MethodGet, "http://svc/", nil)

	f.DecodeHeaders(req)
	assert.False(t, cb.selectUpstream(req))
	assert.Contains(t, h.logBuf.String(), "defaulting to DENY")

	f.EncodeHeaders(http.StatusForbidden, nil)
	assert.Equal(t, []accesslog.EntryType{accesslog.EntryDenied}, h.rec.types())
	assert.Equal(t, 1.0, counterValue(t, h.denied))
}

func TestFilter_SoftFailuresDeny(t *testing.T) {
	allow := &stubPolicy{allowed: true}
	tests := []struct {
		name     string
		opt      *sockopt.SocketOption
		upstream net.Addr
		logLine  string
	}{
		{"no socket option", nil, tcpAddr("10.0.0.2", 80), "Socket Option not found"},
		{"no upstream address", sockopt.New("10.0.0.2", false, 100, 80, nil, stubLookup{allow}), nil, "No destination address"},
		{"typed nil upstream", sockopt.New("10.0.0.2", false, 100, 80, nil, stubLookup{allow}), (*net.TCPAddr)(nil), "No destination address"},
		{"non-ip egress", sockopt.New("10.0.0.2", false, 100, 80, nil, stubLookup{allow}), &net.UnixAddr{Name: "/run/app.sock", Net: "unix"}, "Non-IP destination address"},
		{"non-ip ingress", sockopt.New("10.0.0.2", true, 100, 80, nil, stubLookup{allow}), &net.UnixAddr{Name: "/run/app.sock", Net: "unix"}, "Non-IP destination address"},
		{"egress upstream without ip", sockopt.New("10.0.0.2", false, 100, 80, nil, stubLookup{allow}), &net.TCPAddr{Port: 8080}, "Non-IP destination address"},
		{"ingress upstream without ip", sockopt.New("10.0.0.2", true, 100, 80, nil, stubLookup{allow}), &net.TCPAddr{Port: 8080}, "Non-IP destination address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			cb := h.stream(tt.opt, tt.upstream)
			f := NewFilter(h.cfg, cb)
			req := httptest.NewRequest(http.MethodGet, "http://svc/", nil)

			require.Equal(t, Continue, f.DecodeHeaders(req))
			assert.False(t, cb.selectUpstream(req))
			assert.Equal(t, Denied, f.State())
			assert.Contains(t, h.logBuf.String(), tt.logLine)
			assert.Empty(t, h.rec.types(), "nothing evaluated, nothing logged yet")

			f.EncodeHeaders(http.StatusForbidden, nil)
			assert.Equal(t, []accesslog.EntryType{accesslog.EntryDenied}, h.rec.types())
			assert.Equal(t, http.StatusForbidden, h.rec.last().HTTP.Status)
			assert.Equal(t, 1.0, counterValue(t, h.denied))
		})
	}
	assert.Empty(t, allow.calls)
}

func TestFilter_UpstreamNeverSelected(t *testing.T) {
	h := newHarness(t)
	pol := &stubPolicy{allowed: true}
	cb := h.stream(sockopt.New("10.0.0.2", true, 100, 80, nil, stubLookup{pol}), tcpAddr("10.0.0.2", 80))
	f := NewFilter(h.cfg, cb)

	f.DecodeHeaders(httptest.NewRequest(http.MethodGet, "http://svc/", nil))
	f.EncodeHeaders(http.StatusServiceUnavailable, nil)

	assert.Equal(t, Pending, f.State())
	assert.Empty(t, pol.calls)
	assert.Equal(t, []accesslog.EntryType{accesslog.EntryDenied}, h.rec.types())
	assert.Equal(t, 1.0, counterValue(t, h.denied))
}

func TestFilter_DecidesOnce(t *testing.T) {
	h := newHarness(t)
	pol := &stubPolicy{allowed: true}
	cb := h.stream(sockopt.New("10.0.0.2", true, 100, 80, nil, stubLookup{pol}), tcpAddr("10.0.0.2", 80))
	f := NewFilter(h.cfg, cb)
	req := httptest.NewRequest(http.MethodGet, "http://svc/", nil)

	f.DecodeHeaders(req)
	assert.True(t, cb.selectUpstream(req))
	pol.allowed = false
	assert.True(t, cb.selectUpstream(req), "a retried upstream selection repeats the verdict")
	assert.Len(t, pol.calls, 1)
	assert.Equal(t, []accesslog.EntryType{accesslog.EntryRequest}, h.rec.types())
}

func TestFilter_ResponseHandledOnce(t *testing.T) {
	h := newHarness(t)
	cb := h.stream(sockopt.New("10.0.0.2", true, 100, 80, nil, stubLookup{&stubPolicy{allowed: true}}), tcpAddr("10.0.0.2", 80))
	f := NewFilter(h.cfg, cb)
	req := httptest.NewRequest(http.MethodGet, "http://svc/", nil)

	f.DecodeHeaders(req)
	cb.selectUpstream(req)
	f.EncodeHeaders(http.StatusOK, nil)
	f.EncodeHeaders(http.StatusBadGateway, nil)
	f.OnDestroy()

	assert.Equal(t, []accesslog.EntryType{accesslog.EntryRequest, accesslog.EntryResponse}, h.rec.types())
	assert.Equal(t, http.StatusOK, h.rec.last().HTTP.Status)
}

func TestFilter_ConcurrentDenials(t *testing.T) {
	h := newHarness(t)
	cfg, err := NewConfig(FilterOptions{},
		WithAccessLog(h.rec),
		WithAccessDeniedCounter(h.denied),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb := h.stream(sockopt.New("10.0.0.2", true, 100, 80, nil, stubLookup{}), tcpAddr("10.0.0.2", 80))
			f := NewFilter(cfg, cb)
			req := httptest.NewRequest(http.MethodGet, "http://svc/", nil)
			f.DecodeHeaders(req)
			cb.selectUpstream(req)
			f.EncodeHeaders(http.StatusForbidden, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(n), counterValue(t, h.denied))
	assert.Len(t, h.rec.types(), n)
}

func TestStateAndStatusStrings(t *testing.T) {
	assert.Equal(t, "Pending", Pending.String())
	assert.Equal(t, "Allowed", Allowed.String())
	assert.Equal(t, "Denied", Denied.String())
	assert.Equal(t, "Continue", Continue.String())
	assert.Equal(t, "StopIteration", StopIteration.String())
}
