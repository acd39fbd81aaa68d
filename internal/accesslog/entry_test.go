package accesslog

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStreamInfo struct{ start time.Time }

func (f fakeStreamInfo) StartTime() time.Time { return f.start }

func TestEntryType_TextRoundTrip(t *testing.T) {
	for _, typ := range []EntryType{EntryRequest, EntryResponse, EntryDenied} {
		b, err := typ.MarshalText()
		require.NoError(t, err)

		var got EntryType
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, typ, got)
	}

	_, err := EntryType(7).MarshalText()
	assert.ErrorIs(t, err, ErrUnknownEntryType)

	var bad EntryType
	assert.ErrorIs(t, bad.UnmarshalText([]byte("Forwarded")), ErrUnknownEntryType)
}

func TestInitFromRequest(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	req := httptest.NewRequest(http.MethodGet, "http://svc.local/api/v1?x=1", nil)
	req.Header.Set("X-Trace", "abc")
	req.Header.Set("Authorization", "Bearer secret")

	src := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 40000}
	dst := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 80}

	var e Entry
	e.InitFromRequest("10.0.0.2", true, 100, src, 100, dst, 80, fakeStreamInfo{start}, req)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, start, e.Timestamp)
	assert.True(t, e.IsIngress)
	assert.Equal(t, "10.0.0.2", e.PolicyName)
	assert.Equal(t, "10.0.0.1:40000", e.SourceAddress)
	assert.Equal(t, "10.0.0.2:80", e.DestinationAddress)
	assert.Equal(t, uint16(80), e.DestinationPort)
	require.NotNil(t, e.HTTP)
	assert.Equal(t, http.MethodGet, e.HTTP.Method)
	assert.Equal(t, "/api/v1?x=1", e.HTTP.Path)
	assert.Equal(t, "svc.local", e.HTTP.Host)
	assert.Equal(t, "HTTP/1.1", e.HTTP.Protocol)
	assert.Contains(t, e.HTTP.Headers, KeyValue{Key: "x-trace", Value: "abc"})
	assert.Contains(t, e.HTTP.Headers, KeyValue{Key: "authorization", Value: "[redacted]"})
}

func TestInitFromRequest_NilInputs(t *testing.T) {
	var e Entry
	assert.NotPanics(t, func() {
		e.InitFromRequest("", false, 0, nil, 0, nil, 0, nil, nil)
	})
	assert.Empty(t, e.SourceAddress)
	assert.NotNil(t, e.HTTP)
	assert.True(t, e.Timestamp.IsZero())
}

func TestUpdateFromResponse(t *testing.T) {
	mClock := quartz.NewMock(t)
	done := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	mClock.Set(done)

	var e Entry
	e.InitFromRequest("pod", false, 1, nil, 2, nil, 443, nil, nil)

	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	e.UpdateFromResponse(http.StatusForbidden, h, mClock)

	assert.Equal(t, http.StatusForbidden, e.HTTP.Status)
	assert.Equal(t, done, e.Timestamp)
	assert.Equal(t, []KeyValue{{Key: "content-type", Value: "text/plain"}}, e.HTTP.ResponseHeaders)
}

func TestUpdateFromResponse_WithoutRequest(t *testing.T) {
	var e Entry
	assert.NotPanics(t, func() {
		e.UpdateFromResponse(http.StatusOK, nil, nil)
	})
	assert.Equal(t, http.StatusOK, e.HTTP.Status)
	assert.Nil(t, e.HTTP.ResponseHeaders)
}

func TestClone_IsDeep(t *testing.T) {
	var e Entry
	e.InitFromRequest("pod", false, 1, nil, 2, nil, 80, nil, nil)
	e.AddMissingHeader("x-token", "")

	cp := e.Clone()
	e.AddMissingHeader("x-other", "")
	e.HTTP.Status = 500

	assert.Len(t, cp.HTTP.MissingHeaders, 1)
	assert.Zero(t, cp.HTTP.Status)
	assert.Nil(t, (*Entry)(nil).Clone())
}

func TestEntry_JSONCarriesTypeTag(t *testing.T) {
	e := Entry{ID: "abc", EntryType: EntryDenied}
	b, err := json.Marshal(&e)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"entryType":"Denied"`)

	var back Entry
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, EntryDenied, back.EntryType)
}
