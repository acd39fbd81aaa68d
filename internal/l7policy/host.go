package l7policy

import (
	"net"
	"net/http"
	"time"

	"github.com/mbd888/l7policy/internal/sockopt"
)

// HeadersStatus tells the host whether to keep processing the stream.
type HeadersStatus int

const (
	// Continue lets the stream proceed.
	Continue HeadersStatus = iota
	// StopIteration means the filter answered the request itself.
	StopIteration
)

func (s HeadersStatus) String() string {
	if s == StopIteration {
		return "StopIteration"
	}
	return "Continue"
}

// Connection is the downstream connection of a stream.
type Connection interface {
	SocketOptions() sockopt.Options
}

// StreamInfo describes a stream. UpstreamHostAddress is nil until the host
// has selected an upstream.
type StreamInfo interface {
	DownstreamRemoteAddress() net.Addr
	UpstreamHostAddress() net.Addr
	StartTime() time.Time
}

// UpstreamCallback runs once the upstream host is selected. Returning false
// makes the host refuse the upstream connection.
type UpstreamCallback func(req *http.Request, info StreamInfo) bool

// StreamCallbacks is what the host provides to a Filter.
type StreamCallbacks interface {
	// Connection returns nil when the stream has no downstream connection.
	Connection() Connection
	StreamInfo() StreamInfo
	SendLocalReply(code int, body string)
	AddUpstreamCallback(cb UpstreamCallback)
}
