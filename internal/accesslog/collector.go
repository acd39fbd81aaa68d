package accesslog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
)

// collectorBufferSize absorbs bursts from many proxies writing at once.
const collectorBufferSize = 1024

// Handler consumes records received by the Collector.
type Handler interface {
	HandleEntry(ctx context.Context, entry *Entry)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, entry *Entry)

// HandleEntry calls f.
func (f HandlerFunc) HandleEntry(ctx context.Context, entry *Entry) { f(ctx, entry) }

// Collector is the receiving end of Sink. Accepting connections and
// dispatching to handlers are decoupled:
//   - Start creates the socket and reads records into a buffer
//   - Run drains the buffer into the handlers
type Collector struct {
	logger     *slog.Logger
	socketPath string

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	entries  chan *Entry
	handlers []Handler
}

// NewCollector creates a collector for socketPath.
func NewCollector(logger *slog.Logger, socketPath string, handlers ...Handler) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		logger:     logger.With("component", "accesslog-collector"),
		socketPath: socketPath,
		entries:    make(chan *Entry, collectorBufferSize),
		handlers:   handlers,
	}
}

// SocketPath returns the path the collector listens on.
func (c *Collector) SocketPath() string { return c.socketPath }

// Start listens on the socket and accepts connections in the background.
func (c *Collector) Start() error {
	if err := os.Remove(c.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen(socketNetwork, c.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	c.listener = listener
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.acceptLoop(ctx)

	c.logger.Info("access log collector started", "socket_path", c.socketPath)
	return nil
}

// Run dispatches buffered records to the handlers until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-c.entries:
			for _, h := range c.handlers {
				h.HandleEntry(ctx, e)
			}
		}
	}
}

func (c *Collector) acceptLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("socket accept error", "error", err)
			continue
		}

		c.wg.Add(1)
		go c.handleConnection(ctx, conn)
	}
}

func (c *Collector) handleConnection(ctx context.Context, conn net.Conn) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, MaxRecordSize)
	for {
		n, err := conn.Read(buf)
		switch {
		case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
			return
		case err != nil:
			if ctx.Err() == nil {
				c.logger.Warn("read record", "error", err)
			}
			return
		case n == 0:
			// Zero-length datagram on unixpacket means the peer hung up.
			return
		}

		var e Entry
		if err := json.Unmarshal(buf[:n], &e); err != nil {
			c.logger.Warn("decode record", "error", err)
			continue
		}
		recordsReceived.WithLabelValues(e.EntryType.String()).Inc()

		select {
		case c.entries <- &e:
		default:
			collectorDropped.Inc()
			c.logger.Warn("dropping access log record, buffer full", "id", e.ID)
		}
	}
}

// Close stops the collector and blocks until its goroutines exit.
func (c *Collector) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.listener != nil {
		_ = c.listener.Close()
	}
	c.wg.Wait()

	if err := os.Remove(c.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LogHandler writes each record to logger.
func LogHandler(logger *slog.Logger) Handler {
	return HandlerFunc(func(ctx context.Context, e *Entry) {
		attrs := []any{
			"id", e.ID,
			"entry_type", e.EntryType.String(),
			"ingress", e.IsIngress,
			"policy", e.PolicyName,
			"src_identity", e.SourceSecurityID.Uint32(),
			"dst_identity", e.DestinationSecurityID.Uint32(),
			"src", e.SourceAddress,
			"dst", e.DestinationAddress,
		}
		if e.HTTP != nil {
			attrs = append(attrs, "method", e.HTTP.Method, "path", e.HTTP.Path, "status", e.HTTP.Status)
		}
		if e.EntryType == EntryDenied {
			logger.WarnContext(ctx, "access denied", attrs...)
			return
		}
		logger.InfoContext(ctx, "access", attrs...)
	})
}
