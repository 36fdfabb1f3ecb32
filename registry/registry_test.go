package registry

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/telemetry-core/logger"
	"github.com/cyberinferno/telemetry-core/session"
)

func testLogger() logger.Logger {
	return logger.NewZerologLogger(zerolog.Nop(), "test", zerolog.Disabled)
}

func newTestSession(t *testing.T, id session.ConnectionId) *session.Session {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	return session.New(id, server, testLogger(), make(chan session.InboundEvent, 1), make(chan session.WriteResult, 1))
}

func TestRegistry_NextID_startsAtZero(t *testing.T) {
	r := New(0)
	assert.Equal(t, session.ConnectionId(0), r.NextID())
	assert.Equal(t, session.ConnectionId(1), r.NextID())
}

func TestRegistry_InsertLookupRemove(t *testing.T) {
	r := New(0)
	s := newTestSession(t, r.NextID())
	r.Insert(s)

	got, ok := r.Lookup(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	r.Remove(s.ID())
	_, ok = r.Lookup(s.ID())
	assert.False(t, ok)
}

func TestRegistry_Iter_ascendingOrder(t *testing.T) {
	r := New(0)
	var inserted []session.ConnectionId
	for i := 0; i < 5; i++ {
		s := newTestSession(t, r.NextID())
		r.Insert(s)
		inserted = append(inserted, s.ID())
	}

	var seen []session.ConnectionId
	r.Iter(func(s *session.Session) bool {
		seen = append(seen, s.ID())
		return true
	})

	assert.Equal(t, inserted, seen)
}

func TestRegistry_Iter_skipsRemoved(t *testing.T) {
	r := New(0)
	first := newTestSession(t, r.NextID())
	second := newTestSession(t, r.NextID())
	r.Insert(first)
	r.Insert(second)

	r.Remove(first.ID())

	var seen []session.ConnectionId
	r.Iter(func(s *session.Session) bool {
		seen = append(seen, s.ID())
		return true
	})

	assert.Equal(t, []session.ConnectionId{second.ID()}, seen)
}

func TestRegistry_Iter_stopsEarly(t *testing.T) {
	r := New(0)
	for i := 0; i < 3; i++ {
		r.Insert(newTestSession(t, r.NextID()))
	}

	count := 0
	r.Iter(func(s *session.Session) bool {
		count++
		return false
	})

	assert.Equal(t, 1, count)
}

func TestRegistry_Len(t *testing.T) {
	r := New(0)
	assert.Equal(t, 0, r.Len())
	r.Insert(newTestSession(t, r.NextID()))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CloseAll(t *testing.T) {
	r := New(0)
	s1 := newTestSession(t, r.NextID())
	s2 := newTestSession(t, r.NextID())
	r.Insert(s1)
	r.Insert(s2)

	r.CloseAll()
	assert.True(t, s1.Stopped())
	assert.True(t, s2.Stopped())
	assert.Equal(t, 0, r.Len())
	_, ok := r.Lookup(s1.ID())
	assert.False(t, ok)
	_, ok = r.Lookup(s2.ID())
	assert.False(t, ok)
}
