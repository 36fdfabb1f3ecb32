package session

import (
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/telemetry-core/logger"
	"github.com/cyberinferno/telemetry-core/wire"
)

func testLogger() logger.Logger {
	return logger.NewZerologLogger(zerolog.Nop(), "test", zerolog.Disabled)
}

func newTestSession(t *testing.T) (*Session, net.Conn, chan InboundEvent, chan WriteResult) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	inbound := make(chan InboundEvent, 8)
	writeDone := make(chan WriteResult, 8)
	s := New(0, server, testLogger(), inbound, writeDone)
	return s, client, inbound, writeDone
}

// newTestSessionWithWriter is like newTestSession but also starts the
// writer goroutine directly, for tests that drive StartStreamWrite without
// going through the full Start() (which also begins the read loop and
// enqueues the ConnectionInfo notification).
func newTestSessionWithWriter(t *testing.T) (*Session, net.Conn, chan InboundEvent, chan WriteResult) {
	t.Helper()
	s, client, inbound, writeDone := newTestSession(t)
	go s.writeLoop()
	return s, client, inbound, writeDone
}

func readFramed(t *testing.T, conn net.Conn) wire.Response {
	t.Helper()
	hdr := make([]byte, wire.HeaderSize)
	_, err := conn.Read(hdr)
	require.NoError(t, err)

	n, err := wire.DecodeHeader(hdr, wire.MaxMessageSize)
	require.NoError(t, err)

	body := make([]byte, n)
	total := 0
	for total < n {
		k, err := conn.Read(body[total:])
		require.NoError(t, err)
		total += k
	}

	resp, err := wire.UnpackResponse(body)
	require.NoError(t, err)
	return resp
}

func TestSession_StartSendsConnectionInfo(t *testing.T) {
	s, client, _, writeDone := newTestSession(t)
	s.Start()

	resp := readFramed(t, client)
	assert.Equal(t, wire.ResponseTypeConnectionInfo, resp.Type)
	assert.Equal(t, int64(wire.NotificationRequestID), resp.RequestID)
	assert.Equal(t, uint32(0), resp.TCPConnectionID)

	select {
	case wr := <-writeDone:
		assert.NoError(t, wr.Err)
		assert.Equal(t, ConnectionId(0), wr.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write completion")
	}
}

func TestSession_EnqueueResponse_NoopWhenStopped(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	s.Stop()
	s.EnqueueResponse(wire.Response{RequestID: 1})
	assert.False(t, s.StartStreamWrite())
}

func TestSession_StartStreamWrite_OnlyOneInflight(t *testing.T) {
	s, client, _, writeDone := newTestSessionWithWriter(t)
	s.EnqueueResponse(wire.Response{RequestID: 1})
	s.EnqueueResponse(wire.Response{RequestID: 2})

	assert.True(t, s.StartStreamWrite())
	// Second call observes the in-flight write and reports true without
	// starting a second one.
	assert.True(t, s.StartStreamWrite())

	first := readFramed(t, client)
	assert.Equal(t, int64(1), first.RequestID)

	select {
	case wr := <-writeDone:
		s.CompleteStreamWrite(wr.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	second := readFramed(t, client)
	assert.Equal(t, int64(2), second.RequestID)
}

func TestSession_CompleteStreamWrite_ErrorStops(t *testing.T) {
	s, client, _, writeDone := newTestSessionWithWriter(t)
	_ = client.Close()

	s.EnqueueResponse(wire.Response{RequestID: 1})
	s.StartStreamWrite()

	select {
	case wr := <-writeDone:
		require.Error(t, wr.Err)
		s.CompleteStreamWrite(wr.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write completion")
	}

	assert.True(t, s.Stopped())
	// CompleteStreamWrite on an already-stopped session is a no-op, not a
	// second Stop().
	s.CompleteStreamWrite(nil)
	assert.True(t, s.Stopped())
}

func TestSession_Dataframe_PackAndDrop(t *testing.T) {
	s, _, _, _ := newTestSession(t)

	small := wire.ControllerDataFrame{SequenceNumber: 1, Body: json.RawMessage(`{"a":1}`)}
	s.EnqueueDataframe(small)
	buf, err := s.PackFrontDataframe()
	require.NoError(t, err)
	assert.True(t, len(buf) > 0)

	oversized := wire.ControllerDataFrame{SequenceNumber: 2, Body: json.RawMessage(`"` + strings.Repeat("x", wire.MaxDataFrameMessageSize*2) + `"`)}
	s2, _, _, _ := newTestSession(t)
	s2.EnqueueDataframe(oversized)
	_, err = s2.PackFrontDataframe()
	assert.Error(t, err)
	s2.DropFrontDataframe()
	assert.False(t, s2.HasQueuedDataframes())
}

func TestSession_BindUDPPeer_NoopWhenStopped(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}
	s.Stop()
	s.BindUDPPeer(addr)
	assert.Nil(t, s.UDPPeer())
}

func TestSession_Stop_Idempotent(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	s.Stop()
	s.Stop()
	assert.True(t, s.Stopped())
}

// A header declaring a zero-length body must read immediately and reach
// DISPATCH with an empty Request, not be treated as a fatal framing error
// (spec.md §8 boundary behavior).
func TestSession_ReadLoop_ZeroLengthBodyIsNotFatal(t *testing.T) {
	s, client, inbound, _ := newTestSession(t)
	go s.readLoop()

	hdr := wire.PackHeader(0)
	_, err := client.Write(hdr[:])
	require.NoError(t, err)

	select {
	case ev := <-inbound:
		require.NoError(t, ev.Err)
		assert.Equal(t, wire.Request{}, ev.Req)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch of empty-body request")
	}
}
