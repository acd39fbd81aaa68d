package l7policy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/l7policy/internal/accesslog"
	"github.com/mbd888/l7policy/internal/identity"
	"github.com/mbd888/l7policy/internal/logging"
	"github.com/mbd888/l7policy/internal/metrics"
	"github.com/mbd888/l7policy/internal/sockopt"
	"github.com/mbd888/l7policy/internal/traces"
)

// originalDstHostHeader is a routing hint clients must not be able to set.
const originalDstHostHeader = "X-Envoy-Original-Dst-Host"

// State is the decision state of one request.
type State int

const (
	// Pending means the upstream callback has not run yet.
	Pending State = iota
	// Allowed means a bound policy allowed the request.
	Allowed
	// Denied means evaluation failed or the policy rejected the request.
	Denied
)

func (s State) String() string {
	switch s {
	case Allowed:
		return "Allowed"
	case Denied:
		return "Denied"
	default:
		return "Pending"
	}
}

// Filter enforces policy for a single request. The host drives it from one
// goroutine at a time: DecodeHeaders, then the upstream callback, then
// EncodeHeaders.
type Filter struct {
	cfg       *Config
	callbacks StreamCallbacks

	state State
	req   *http.Request
	entry accesslog.Entry

	entryReady     bool // InitFromRequest has run
	decisionLogged bool // a Request or Denied record was emitted
	responseDone   bool
	noConnection   bool
}

// NewFilter creates the filter for one request.
func NewFilter(cfg *Config, callbacks StreamCallbacks) *Filter {
	return &Filter{
		cfg:       cfg,
		callbacks: callbacks,
	}
}

// State returns the current decision state.
func (f *Filter) State() State { return f.state }

// DecodeHeaders handles the request headers. It never waits for the verdict:
// evaluation is deferred to the upstream callback it registers.
func (f *Filter) DecodeHeaders(req *http.Request) HeadersStatus {
	if req != nil {
		req.Header.Del(originalDstHostHeader)
	}
	f.req = req

	conn := f.callbacks.Connection()
	if conn == nil {
		f.log(req).Warn("cilium.l7policy: No connection")
		f.state = Denied
		f.noConnection = true
		f.callbacks.SendLocalReply(http.StatusForbidden, f.cfg.DeniedBody())
		return StopIteration
	}

	opts := conn.SocketOptions()
	f.callbacks.AddUpstreamCallback(func(req *http.Request, info StreamInfo) bool {
		return f.onUpstreamSelected(req, info, opts)
	})
	return Continue
}

// onUpstreamSelected decides once; later invocations repeat the verdict.
func (f *Filter) onUpstreamSelected(req *http.Request, info StreamInfo, opts sockopt.Options) bool {
	if f.state != Pending {
		return f.state == Allowed
	}
	if req == nil {
		req = f.req
	}

	f.state = Denied
	if f.evaluate(req, info, opts) {
		f.state = Allowed
	}
	return f.state == Allowed
}

func (f *Filter) evaluate(req *http.Request, info StreamInfo, opts sockopt.Options) bool {
	logger := f.log(req)

	option := sockopt.GetSocketOption(opts)
	if option == nil {
		logger.Warn("cilium.l7policy: Cilium Socket Option not found")
		return false
	}
	if info == nil {
		logger.Warn("cilium.l7policy: No destination address")
		return false
	}

	// Ingress traffic terminates at the local endpoint. Egress traffic may
	// have been routed to another port than the one the client dialled.
	dstAddr := info.UpstreamHostAddress()
	dstID, dstPort := option.Identity, option.Port
	var err error
	if option.Ingress {
		_, err = identity.AddrPort(dstAddr)
	} else {
		dstID, dstPort, err = identity.Resolve(option, dstAddr)
	}
	if err != nil {
		if errors.Is(err, identity.ErrNoAddress) {
			logger.Warn("cilium.l7policy: No destination address")
		} else {
			logger.Warn("cilium.l7policy: Non-IP destination address", "address", dstAddr.String())
		}
		return false
	}
	direction := metrics.Direction(option.Ingress)

	f.entry.InitFromRequest(option.PodIP, option.Ingress, option.Identity,
		info.DownstreamRemoteAddress(), dstID, dstAddr, dstPort, info, req)
	f.entryReady = true

	pol := option.GetPolicy()
	if pol == nil {
		logger.Debug("cilium.l7policy: No policy found for pod, defaulting to DENY",
			"direction", direction, "pod", option.PodIP)
		metrics.PolicyVerdictsTotal.WithLabelValues(direction, "deny").Inc()
		f.emitDecision(accesslog.EntryDenied)
		return false
	}

	remoteID := dstID
	if option.Ingress {
		remoteID = option.Identity
	}

	_, span := traces.StartSpan(requestContext(req), "l7policy.evaluate",
		traces.PodIP(option.PodIP),
		traces.Ingress(option.Ingress),
		traces.SourceIdentity(option.Identity.Uint32()),
		traces.DestinationIdentity(dstID.Uint32()),
		traces.DestinationPort(dstPort),
	)
	timer := prometheus.NewTimer(metrics.PolicyEvaluationDuration)
	allowed := pol.Allowed(option.Ingress, dstPort, remoteID, req, &f.entry)
	timer.ObserveDuration()
	span.SetAttributes(traces.Verdict(allowed), traces.RuleRef(f.entry.RuleRef))
	span.End()

	verdict := "DENY"
	if allowed {
		verdict = "ALLOW"
	}
	logger.Debug("cilium.l7policy: policy lookup",
		"direction", direction,
		"source_identity", option.Identity,
		"destination_identity", dstID,
		"endpoint", option.PodIP,
		"port", dstPort,
		"verdict", verdict,
	)
	metrics.PolicyVerdictsTotal.WithLabelValues(direction, verdictLabel(allowed)).Inc()

	if allowed {
		f.emitDecision(accesslog.EntryRequest)
		return true
	}
	f.emitDecision(accesslog.EntryDenied)
	return false
}

// EncodeHeaders handles the response headers, whether they came from the
// upstream or from a local reply. Only the first call has any effect.
func (f *Filter) EncodeHeaders(status int, header http.Header) HeadersStatus {
	if f.responseDone {
		return Continue
	}
	f.responseDone = true

	if f.state == Allowed {
		f.entry.UpdateFromResponse(status, header, f.cfg.Clock())
		f.cfg.Log(&f.entry, accesslog.EntryResponse)
		return Continue
	}

	// Every request that was not allowed is counted here, whether the
	// policy rejected it or it was never evaluated.
	f.cfg.accessDenied.Inc()
	if f.noConnection {
		return Continue
	}

	if !f.entryReady {
		info := f.callbacks.StreamInfo()
		var remote net.Addr
		if info != nil {
			remote = info.DownstreamRemoteAddress()
		}
		f.entry.InitFromRequest("", false, identity.IdentityUnknown, remote,
			identity.IdentityUnknown, nil, 0, info, f.req)
		f.entryReady = true
	}
	f.entry.UpdateFromResponse(status, header, f.cfg.Clock())
	f.emitDecision(accesslog.EntryDenied)
	return Continue
}

// OnDestroy releases the request. Nothing more is logged for it.
func (f *Filter) OnDestroy() {
	f.req = nil
}

// emitDecision sends the single Request-or-Denied record of the request.
func (f *Filter) emitDecision(typ accesslog.EntryType) {
	if f.decisionLogged {
		return
	}
	f.decisionLogged = true
	f.cfg.Log(&f.entry, typ)
}

func (f *Filter) log(req *http.Request) *slog.Logger {
	logger := f.cfg.logger
	if id := logging.RequestID(requestContext(req)); id != "" {
		logger = logger.With("request_id", id)
	}
	return logger
}

func requestContext(req *http.Request) context.Context {
	if req == nil {
		return context.Background()
	}
	return req.Context()
}

func verdictLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}
