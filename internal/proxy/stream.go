package proxy

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/mbd888/l7policy/internal/l7policy"
	"github.com/mbd888/l7policy/internal/sockopt"
)

// connection is the downstream connection as seen by the filter.
type connection struct {
	opts sockopt.Options
}

func (c *connection) SocketOptions() sockopt.Options { return c.opts }

type localReply struct {
	code int
	body string
}

// stream is one proxied request. It implements l7policy.StreamCallbacks
// and l7policy.StreamInfo.
type stream struct {
	req      *http.Request // inbound request, as the filter saw it
	conn     *connection
	remote   net.Addr
	upstream net.Addr
	start    time.Time

	callbacks []l7policy.UpstreamCallback
	reply     *localReply
	filter    *l7policy.Filter
}

func newStream(r *http.Request, start time.Time) *stream {
	s := &stream{
		req:    r,
		remote: parseAddr(r.RemoteAddr),
		start:  start,
	}
	if opts := sockopt.FromContext(r.Context()); len(opts) > 0 {
		s.conn = &connection{opts: opts}
	}
	return s
}

// Connection implements l7policy.StreamCallbacks.
func (s *stream) Connection() l7policy.Connection {
	if s.conn == nil {
		return nil
	}
	return s.conn
}

// StreamInfo implements l7policy.StreamCallbacks.
func (s *stream) StreamInfo() l7policy.StreamInfo { return s }

// SendLocalReply implements l7policy.StreamCallbacks. The reply is written
// by the proxy once the filter call returns.
func (s *stream) SendLocalReply(code int, body string) {
	s.reply = &localReply{code: code, body: body}
}

// AddUpstreamCallback implements l7policy.StreamCallbacks.
func (s *stream) AddUpstreamCallback(cb l7policy.UpstreamCallback) {
	s.callbacks = append(s.callbacks, cb)
}

func (s *stream) DownstreamRemoteAddress() net.Addr { return s.remote }
func (s *stream) UpstreamHostAddress() net.Addr     { return s.upstream }
func (s *stream) StartTime() time.Time              { return s.start }

// upstreamSelected records the chosen host and runs the callbacks. Every
// callback runs; the connection may proceed only if all of them agree.
func (s *stream) upstreamSelected(addr net.Addr) bool {
	s.upstream = addr
	allowed := true
	for _, cb := range s.callbacks {
		if !cb(s.req, s) {
			allowed = false
		}
	}
	return allowed
}

// writeLocalReply sends the pending local reply through the filter's
// response path.
func (s *stream) writeLocalReply(w http.ResponseWriter) {
	if s.reply == nil {
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/plain")
	h.Set("Content-Length", strconv.Itoa(len(s.reply.body)))
	if s.filter != nil {
		s.filter.EncodeHeaders(s.reply.code, h)
	}
	w.WriteHeader(s.reply.code)
	_, _ = w.Write([]byte(s.reply.body))
}

func parseAddr(s string) net.Addr {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil
	}
	return net.TCPAddrFromAddrPort(ap)
}

type streamKey struct{}

func withStream(ctx context.Context, s *stream) context.Context {
	return context.WithValue(ctx, streamKey{}, s)
}

func streamFrom(ctx context.Context) *stream {
	s, _ := ctx.Value(streamKey{}).(*stream)
	return s
}

var (
	_ l7policy.StreamCallbacks = (*stream)(nil)
	_ l7policy.StreamInfo      = (*stream)(nil)
)
