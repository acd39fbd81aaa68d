// Package accesslog builds L7 audit records and ships them to an external
// collector over a unix socket.
//
// Lifecycle of one record:
//  1. InitFromRequest once the upstream host is known
//  2. Sink.Log with EntryRequest when the policy allowed the request
//  3. UpdateFromResponse when response headers (or a local reply) pass by
//  4. Sink.Log with EntryResponse, or EntryDenied if the request was never allowed
package accesslog

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/mbd888/l7policy/internal/identity"
)

// ErrUnknownEntryType is returned when decoding an entry type outside the closed set.
var ErrUnknownEntryType = errors.New("accesslog: unknown entry type")

// EntryType classifies a record by its role in the request lifecycle.
type EntryType int

const (
	EntryRequest  EntryType = iota // allowed and forwarded
	EntryResponse                  // completion of a forwarded request
	EntryDenied                    // rejected, or never successfully evaluated
)

func (t EntryType) String() string {
	switch t {
	case EntryRequest:
		return "Request"
	case EntryResponse:
		return "Response"
	case EntryDenied:
		return "Denied"
	default:
		return fmt.Sprintf("EntryType(%d)", int(t))
	}
}

// MarshalText encodes the type by name.
func (t EntryType) MarshalText() ([]byte, error) {
	switch t {
	case EntryRequest, EntryResponse, EntryDenied:
		return []byte(t.String()), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownEntryType, int(t))
}

// UnmarshalText decodes a type name.
func (t *EntryType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Request":
		*t = EntryRequest
	case "Response":
		*t = EntryResponse
	case "Denied":
		*t = EntryDenied
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEntryType, string(b))
	}
	return nil
}

// StreamInfo is the part of the host's stream state the entry reads.
type StreamInfo interface {
	StartTime() time.Time
}

// KeyValue is a single header line.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// HTTPLogEntry holds the HTTP side of a record.
type HTTPLogEntry struct {
	Protocol        string     `json:"protocol,omitempty"`
	Scheme          string     `json:"scheme,omitempty"`
	Host            string     `json:"host,omitempty"`
	Path            string     `json:"path,omitempty"`
	Method          string     `json:"method,omitempty"`
	Headers         []KeyValue `json:"headers,omitempty"`
	Status          int        `json:"status,omitempty"`
	ResponseHeaders []KeyValue `json:"responseHeaders,omitempty"`
	MissingHeaders  []KeyValue `json:"missingHeaders,omitempty"`
	RejectedHeaders []KeyValue `json:"rejectedHeaders,omitempty"`
}

// Entry is one audit record. A request owns its Entry exclusively; the sink
// receives copies.
type Entry struct {
	ID                    string                   `json:"id"`
	Timestamp             time.Time                `json:"timestamp"`
	EntryType             EntryType                `json:"entryType"`
	IsIngress             bool                     `json:"isIngress"`
	PolicyName            string                   `json:"policyName"`
	RuleRef               string                   `json:"ruleRef,omitempty"`
	SourceSecurityID      identity.NumericIdentity `json:"sourceSecurityId"`
	DestinationSecurityID identity.NumericIdentity `json:"destinationSecurityId"`
	SourceAddress         string                   `json:"sourceAddress,omitempty"`
	DestinationAddress    string                   `json:"destinationAddress,omitempty"`
	DestinationPort       uint16                   `json:"destinationPort,omitempty"`
	HTTP                  *HTTPLogEntry            `json:"http,omitempty"`
}

// redactedHeaders never reach the log with their values.
var redactedHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"Set-Cookie":          true,
}

// InitFromRequest fills the request side of the entry. req and info may be nil.
func (e *Entry) InitFromRequest(
	policyName string, ingress bool,
	srcID identity.NumericIdentity, srcAddr net.Addr,
	dstID identity.NumericIdentity, dstAddr net.Addr, dstPort uint16,
	info StreamInfo, req *http.Request,
) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if info != nil {
		e.Timestamp = info.StartTime()
	}
	e.IsIngress = ingress
	e.PolicyName = policyName
	e.SourceSecurityID = srcID
	e.DestinationSecurityID = dstID
	e.SourceAddress = addrString(srcAddr)
	e.DestinationAddress = addrString(dstAddr)
	e.DestinationPort = dstPort

	h := &HTTPLogEntry{}
	if req != nil {
		h.Protocol = req.Proto
		h.Method = req.Method
		h.Host = req.Host
		if req.URL != nil {
			h.Path = req.URL.RequestURI()
			h.Scheme = req.URL.Scheme
			if h.Host == "" {
				h.Host = req.URL.Host
			}
		}
		if h.Scheme == "" {
			h.Scheme = "http"
			if req.TLS != nil {
				h.Scheme = "https"
			}
		}
		h.Headers = headerList(req.Header)
	}
	e.HTTP = h
}

// UpdateFromResponse records the response status and headers and stamps the
// completion time. header may be nil.
func (e *Entry) UpdateFromResponse(status int, header http.Header, clock quartz.Clock) {
	if e.HTTP == nil {
		e.HTTP = &HTTPLogEntry{}
	}
	e.HTTP.Status = status
	e.HTTP.ResponseHeaders = headerList(header)
	if clock != nil {
		e.Timestamp = clock.Now()
	}
}

// AddMissingHeader records a header a rule required but the request lacked.
func (e *Entry) AddMissingHeader(key, value string) {
	if e.HTTP == nil {
		e.HTTP = &HTTPLogEntry{}
	}
	e.HTTP.MissingHeaders = append(e.HTTP.MissingHeaders, KeyValue{Key: key, Value: value})
}

// AddRejectedHeader records a request header whose value a rule rejected.
func (e *Entry) AddRejectedHeader(key, value string) {
	if e.HTTP == nil {
		e.HTTP = &HTTPLogEntry{}
	}
	e.HTTP.RejectedHeaders = append(e.HTTP.RejectedHeaders, KeyValue{Key: key, Value: value})
}

// Clone returns a deep copy, safe to hand to another goroutine.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.HTTP != nil {
		h := *e.HTTP
		h.Headers = cloneKV(e.HTTP.Headers)
		h.ResponseHeaders = cloneKV(e.HTTP.ResponseHeaders)
		h.MissingHeaders = cloneKV(e.HTTP.MissingHeaders)
		h.RejectedHeaders = cloneKV(e.HTTP.RejectedHeaders)
		cp.HTTP = &h
	}
	return &cp
}

func cloneKV(in []KeyValue) []KeyValue {
	if in == nil {
		return nil
	}
	out := make([]KeyValue, len(in))
	copy(out, in)
	return out
}

// headerList flattens headers into sorted key/value lines.
func headerList(h http.Header) []KeyValue {
	if len(h) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]KeyValue, 0, len(h))
	for _, k := range keys {
		canon := http.CanonicalHeaderKey(k)
		for _, v := range h[k] {
			if redactedHeaders[canon] {
				v = "[redacted]"
			}
			out = append(out, KeyValue{Key: strings.ToLower(k), Value: v})
		}
	}
	return out
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	if tcp, ok := a.(*net.TCPAddr); ok && tcp == nil {
		return ""
	}
	return a.String()
}
