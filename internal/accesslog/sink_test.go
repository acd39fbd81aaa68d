package accesslog

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, name string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := recordsDropped.GetMetricWithLabelValues(name)
	require.NoError(t, err)
	require.NoError(t, c.Write(m))
	return m.Counter.GetValue()
}

// socketPath returns a short path; unix socket paths are limited to ~100 bytes.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "al")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "access.sock")
}

func startCollector(t *testing.T) (*Collector, <-chan *Entry) {
	t.Helper()
	got := make(chan *Entry, 16)
	c := NewCollector(slog.Default(), socketPath(t), HandlerFunc(func(_ context.Context, e *Entry) {
		got <- e
	}))
	require.NoError(t, c.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = c.Close()
	})
	return c, got
}

func receive(t *testing.T, ch <-chan *Entry) *Entry {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for access log record")
		return nil
	}
}

func TestSink_DeliversTaggedCopies(t *testing.T) {
	c, got := startCollector(t)
	sink, err := Open(c.SocketPath(), slog.Default())
	require.NoError(t, err)

	var e Entry
	e.InitFromRequest("10.0.0.2", false, 100, nil, 200, nil, 8080, nil, nil)
	sink.Log(&e, EntryRequest)

	// Mutating the request's entry after Log must not leak into the record.
	e.HTTP.Status = 503
	sink.Log(&e, EntryResponse)

	first := receive(t, got)
	second := receive(t, got)
	assert.Equal(t, EntryRequest, first.EntryType)
	assert.Zero(t, first.HTTP.Status)
	assert.Equal(t, EntryResponse, second.EntryType)
	assert.Equal(t, 503, second.HTTP.Status)
	assert.Equal(t, e.ID, first.ID)
	assert.Equal(t, uint16(8080), first.DestinationPort)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
}

func TestOpen_NoCollector(t *testing.T) {
	_, err := Open(filepath.Join(socketPath(t)+".missing"), slog.Default())
	assert.Error(t, err)
}

func TestSink_NilIsNoop(t *testing.T) {
	var s *Sink
	assert.NotPanics(t, func() {
		s.Log(&Entry{}, EntryDenied)
		assert.NoError(t, s.Close())
	})
	assert.Empty(t, s.Path())
}

func TestSink_DropsWhenFull(t *testing.T) {
	local, peer := net.Pipe()
	s := newSink("pipe", local, slog.Default(), WithBufferSize(1))

	before := counterValue(t, "queue_full")

	var e Entry
	start := time.Now()
	for i := 0; i < 5; i++ {
		s.Log(&e, EntryDenied)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "Log must not block on a stalled collector")
	assert.GreaterOrEqual(t, counterValue(t, "queue_full")-before, 3.0)

	// Unblock the writer so Close returns promptly.
	_ = peer.Close()
	require.NoError(t, s.Close())
}

func TestSink_TrimsOversizedHeaders(t *testing.T) {
	c, got := startCollector(t)
	sink, err := Open(c.SocketPath(), slog.Default())
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	e := &Entry{ID: "big", HTTP: &HTTPLogEntry{
		Method:  "GET",
		Path:    "/",
		Headers: []KeyValue{{Key: "x-padding", Value: strings.Repeat("a", MaxRecordSize)}},
	}}
	sink.Log(e, EntryRequest)

	rec := receive(t, got)
	assert.Equal(t, "big", rec.ID)
	assert.Equal(t, "GET", rec.HTTP.Method)
	assert.Empty(t, rec.HTTP.Headers)
	assert.Len(t, e.HTTP.Headers, 1, "the caller's entry is untouched")
}

func TestSink_DropsRecordTooLarge(t *testing.T) {
	local, peer := net.Pipe()
	defer func() { _ = peer.Close() }()
	s := newSink("pipe", local, slog.Default())

	before := counterValue(t, "too_large")
	s.Log(&Entry{ID: "huge", HTTP: &HTTPLogEntry{Path: "/" + strings.Repeat("p", MaxRecordSize)}}, EntryRequest)

	require.Eventually(t, func() bool {
		return counterValue(t, "too_large")-before == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Close())
}

func TestEncodeRecord(t *testing.T) {
	small := &Entry{ID: "a", HTTP: &HTTPLogEntry{Headers: []KeyValue{{Key: "k", Value: "v"}}}}
	data, trimmed, err := encodeRecord(small)
	require.NoError(t, err)
	assert.False(t, trimmed)
	assert.Contains(t, string(data), `"k"`)

	_, _, err = encodeRecord(&Entry{ID: strings.Repeat("i", MaxRecordSize)})
	assert.ErrorIs(t, err, errRecordTooLarge)
}

func TestSink_LogAfterClose(t *testing.T) {
	local, peer := net.Pipe()
	defer func() { _ = peer.Close() }()
	s := newSink("pipe", local, slog.Default())
	require.NoError(t, s.Close())

	before := counterValue(t, "closed")
	assert.NotPanics(t, func() { s.Log(&Entry{}, EntryRequest) })
	assert.Equal(t, 1.0, counterValue(t, "closed")-before)
}

func TestLogHandler(t *testing.T) {
	h := LogHandler(slog.Default())
	assert.NotPanics(t, func() {
		h.HandleEntry(context.Background(), &Entry{EntryType: EntryDenied, HTTP: &HTTPLogEntry{Method: "GET"}})
		h.HandleEntry(context.Background(), &Entry{EntryType: EntryRequest})
	})
}

func TestSink_ReconnectsToRestartedCollector(t *testing.T) {
	path := socketPath(t)
	got := make(chan *Entry, 4)
	start := func() func() {
		c := NewCollector(slog.Default(), path, HandlerFunc(func(_ context.Context, e *Entry) {
			got <- e
		}))
		require.NoError(t, c.Start())
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = c.Run(ctx)
		}()
		return func() {
			cancel()
			<-done
			_ = c.Close()
		}
	}

	stop := start()
	sink, err := Open(path, slog.Default())
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	sink.Log(&Entry{ID: "before"}, EntryRequest)
	assert.Equal(t, "before", receive(t, got).ID)

	stop()
	t.Cleanup(start())

	sink.Log(&Entry{ID: "after"}, EntryRequest)
	assert.Equal(t, "after", receive(t, got).ID)
}
