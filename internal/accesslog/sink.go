package accesslog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mbd888/l7policy/internal/retry"
)

const (
	// DefaultBufferSize is the number of records queued before Log starts dropping.
	DefaultBufferSize = 1024

	dialTimeout  = 2 * time.Second
	writeTimeout = time.Second

	// socketNetwork preserves record boundaries: one datagram per record.
	socketNetwork = "unixpacket"

	// MaxRecordSize bounds one encoded record. The collector reads at most
	// this many bytes per datagram.
	MaxRecordSize = 64 << 10
)

var errRecordTooLarge = errors.New("accesslog: record too large")

// reconnectBackoff bounds how long one record may wait for a restarted
// collector before it is dropped.
var reconnectBackoff = retry.Backoff{
	Attempts:  4,
	BaseDelay: 25 * time.Millisecond,
	MaxDelay:  250 * time.Millisecond,
}

// Sink delivers records to the collector without blocking the caller.
// A nil *Sink is valid and discards everything.
type Sink struct {
	path   string
	conn   net.Conn // owned by writeLoop until Close
	dial   func() (net.Conn, error)
	logger *slog.Logger

	ctx    context.Context // cancelled by Close to abandon reconnects
	cancel context.CancelFunc

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
	queue  chan *Entry

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Sink.
type Option func(*sinkOptions)

type sinkOptions struct {
	bufferSize int
}

// WithBufferSize overrides DefaultBufferSize.
func WithBufferSize(n int) Option {
	return func(o *sinkOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// Open connects to the collector listening on path.
func Open(path string, logger *slog.Logger, opts ...Option) (*Sink, error) {
	dial := func() (net.Conn, error) {
		return net.DialTimeout(socketNetwork, path, dialTimeout)
	}
	conn, err := dial()
	if err != nil {
		return nil, fmt.Errorf("accesslog: connect %s: %w", path, err)
	}
	s := newSink(path, conn, logger, opts...)
	s.dial = dial
	return s, nil
}

func newSink(path string, conn net.Conn, logger *slog.Logger, opts ...Option) *Sink {
	o := sinkOptions{bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		path:   path,
		conn:   conn,
		logger: logger.With("component", "accesslog", "path", path),
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan *Entry, o.bufferSize),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// Path returns the socket path the sink is connected to.
func (s *Sink) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Log enqueues a copy of entry tagged with typ. It never blocks; when the
// queue is full the record is dropped.
func (s *Sink) Log(entry *Entry, typ EntryType) {
	if s == nil || entry == nil {
		return
	}
	rec := entry.Clone()
	rec.EntryType = typ

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		recordsDropped.WithLabelValues("closed").Inc()
		return
	}
	select {
	case s.queue <- rec:
	default:
		recordsDropped.WithLabelValues("queue_full").Inc()
		s.logger.Warn("dropping access log record, queue full", "entry_type", typ.String())
	}
}

// Close stops accepting records, writes what is already queued and closes
// the connection. Safe to call more than once.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		s.cancel()

		s.wg.Wait()
		err = s.conn.Close()
	})
	return err
}

func (s *Sink) writeLoop() {
	defer s.wg.Done()

	for rec := range s.queue {
		data, trimmed, err := encodeRecord(rec)
		switch {
		case errors.Is(err, errRecordTooLarge):
			recordsDropped.WithLabelValues("too_large").Inc()
			s.logger.Warn("dropping access log record", "id", rec.ID, "error", err)
			continue
		case err != nil:
			recordsDropped.WithLabelValues("encode_failed").Inc()
			s.logger.Warn("encode access log record", "error", err)
			continue
		case trimmed:
			recordsTrimmed.Inc()
		}
		if err := s.write(data); err != nil {
			// The record is lost but the sink stays up for the next one.
			recordsDropped.WithLabelValues("write_failed").Inc()
			s.logger.Warn("write access log record", "error", err)
			continue
		}
		recordsSent.WithLabelValues(rec.EntryType.String()).Inc()
	}
}

// encodeRecord marshals rec. A record over MaxRecordSize loses its request
// and response header lists; if it is still too large it is rejected.
// rec must be owned by the caller.
func encodeRecord(rec *Entry) ([]byte, bool, error) {
	data, err := json.Marshal(rec)
	if err != nil || len(data) <= MaxRecordSize {
		return data, false, err
	}
	if rec.HTTP != nil && len(rec.HTTP.Headers)+len(rec.HTTP.ResponseHeaders) > 0 {
		rec.HTTP.Headers = nil
		rec.HTTP.ResponseHeaders = nil
		if data, err = json.Marshal(rec); err != nil {
			return nil, true, err
		}
		if len(data) <= MaxRecordSize {
			return data, true, nil
		}
	}
	return nil, false, fmt.Errorf("%w: %d bytes", errRecordTooLarge, len(data))
}

// write sends one record, reconnecting once if the collector went away.
func (s *Sink) write(data []byte) error {
	err := s.writeConn(data)
	if err == nil || s.dial == nil {
		return err
	}
	if rerr := s.reconnect(); rerr != nil {
		return fmt.Errorf("%w (reconnect: %v)", err, rerr)
	}
	return s.writeConn(data)
}

func (s *Sink) writeConn(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.conn.Write(data)
	return err
}

func (s *Sink) reconnect() error {
	return reconnectBackoff.Do(s.ctx, func(int) error {
		conn, err := s.dial()
		if err != nil {
			return err
		}
		_ = s.conn.Close()
		s.conn = conn
		sinkReconnects.Inc()
		s.logger.Info("reconnected to access log collector")
		return nil
	})
}
