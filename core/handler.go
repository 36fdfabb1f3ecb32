package core

import (
	"github.com/cyberinferno/telemetry-core/session"
	"github.com/cyberinferno/telemetry-core/wire"
)

// RequestHandler maps an inbound Request to the Response the core writes
// back to the same session's stream. It is invoked synchronously from the
// core loop (spec.md §5) and must not block on unbounded I/O.
type RequestHandler interface {
	Handle(id session.ConnectionId, req wire.Request) wire.Response
}

// HandlerFunc adapts a plain function to RequestHandler, the same
// single-method-interface-plus-func-adapter idiom the teacher uses for
// tcpserver.NewSessionFunc.
type HandlerFunc func(id session.ConnectionId, req wire.Request) wire.Response

// Handle calls f.
func (f HandlerFunc) Handle(id session.ConnectionId, req wire.Request) wire.Response {
	return f(id, req)
}
