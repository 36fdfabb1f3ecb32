// Package session implements the per-client state machine described in
// spec.md §4.2: a reliable stream half (length-prefixed request/response)
// and an optional paired datagram half (telemetry), each with its own FIFO
// write queue and single-in-flight discipline.
//
// All Session fields are mutated exclusively by the core-loop goroutine
// (see package core). The reader and writer goroutines started by Start
// are methods on the *Session, so they hold the session pointer, but they
// read only the fields fixed at construction (id, conn, channels) and never
// the queues, flags or peer. They perform blocking I/O and report results
// back over channels tagged with the ConnectionId; the core loop looks the
// id up again, so a completion arriving after the session is gone is a
// no-op lookup miss.
package session

import (
	"fmt"
	"io"
	"net"

	"github.com/cyberinferno/telemetry-core/logger"
	"github.com/cyberinferno/telemetry-core/wire"
)

// ConnectionId identifies a session for the lifetime of the process. IDs are
// assigned by the registry's id generator and are never reused.
type ConnectionId uint32

// InboundEvent is sent on a session's reader goroutine's fan-in channel for
// every decoded Request, or with Err set for a fatal decode/IO error.
type InboundEvent struct {
	ID  ConnectionId
	Req wire.Request
	Err error
}

// WriteResult reports the outcome of one asynchronous write (stream or
// datagram) back to the core loop.
type WriteResult struct {
	ID  ConnectionId
	Err error
}

// PairingDatagram is a raw datagram received on the shared UDP socket,
// forwarded unparsed so the core loop (single mutator) performs the
// registry lookup and state transition.
type PairingDatagram struct {
	Addr *net.UDPAddr
	Data []byte
	Err  error
}

// Session is the server-side state of one connected client.
type Session struct {
	id   ConnectionId
	conn net.Conn
	log  logger.Logger

	udpPeer *net.UDPAddr // nil == Option<DatagramEndpoint>::None

	responseQueue  []wire.Response
	dataframeQueue []wire.ControllerDataFrame

	streamWriteInflight bool
	udpWriteInflight    bool
	stopped             bool

	writeCh  chan []byte
	inbound  chan<- InboundEvent
	streamWD chan<- WriteResult

	closed chan struct{}
}

// New creates a Session for an accepted stream connection. inbound and
// streamWriteDone are the core loop's fan-in channels; every reader/writer
// goroutine this session starts reports exclusively through them.
func New(id ConnectionId, conn net.Conn, log logger.Logger, inbound chan<- InboundEvent, streamWriteDone chan<- WriteResult) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		log:      log.With(logger.Field{Key: "connection_id", Value: uint32(id)}),
		writeCh:  make(chan []byte, 1),
		inbound:  inbound,
		streamWD: streamWriteDone,
		closed:   make(chan struct{}),
	}
}

// ID returns the session's connection id.
func (s *Session) ID() ConnectionId { return s.id }

// Stopped reports whether the session has been terminated.
func (s *Session) Stopped() bool { return s.stopped }

// UDPPeer returns the bound datagram endpoint, or nil if pairing has not
// completed.
func (s *Session) UDPPeer() *net.UDPAddr { return s.udpPeer }

// Start begins the stream read loop in a dedicated goroutine and enqueues
// the initial ConnectionInfo notification (spec.md §3 "Activated"). The
// write goroutine is started alongside it so StartStreamWrite can hand off
// encoded buffers without blocking the core loop on the network.
func (s *Session) Start() {
	go s.writeLoop()
	go s.readLoop()

	s.EnqueueResponse(wire.ConnectionInfoResponse(uint32(s.id)))
	s.StartStreamWrite()
}

// readLoop implements READ_HEADER -> DECODE -> READ_BODY -> DISPATCH of
// spec.md §4.2. It never touches Session fields; it only decodes bytes and
// forwards the result to the core loop.
func (s *Session) readLoop() {
	hdr := make([]byte, wire.HeaderSize)
	for {
		if _, err := io.ReadFull(s.conn, hdr); err != nil {
			s.sendInbound(InboundEvent{ID: s.id, Err: fmt.Errorf("session: read header: %w", err)})
			return
		}

		n, err := wire.DecodeHeader(hdr, wire.MaxMessageSize)
		if err != nil {
			// Overflow: fatal for the session (spec.md §4.1).
			s.sendInbound(InboundEvent{ID: s.id, Err: fmt.Errorf("session: %w", err)})
			return
		}

		body := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(s.conn, body); err != nil {
				s.sendInbound(InboundEvent{ID: s.id, Err: fmt.Errorf("session: read body: %w", err)})
				return
			}
		}

		req, err := wire.UnpackRequest(body)
		if err != nil {
			s.sendInbound(InboundEvent{ID: s.id, Err: fmt.Errorf("session: %w", err)})
			return
		}

		s.sendInbound(InboundEvent{ID: s.id, Req: req})
	}
}

func (s *Session) sendInbound(ev InboundEvent) {
	select {
	case s.inbound <- ev:
	case <-s.closed:
	}
}

// writeLoop drains writeCh, performing one blocking stream write at a time
// and reporting completion to the core loop. The channel's buffer of 1 plus
// the core loop's own streamWriteInflight bookkeeping enforces "at most one
// outstanding stream write per session" (spec.md §3).
func (s *Session) writeLoop() {
	for {
		select {
		case buf := <-s.writeCh:
			_, err := s.conn.Write(buf)
			select {
			case s.streamWD <- WriteResult{ID: s.id, Err: err}:
			case <-s.closed:
			}
		case <-s.closed:
			return
		}
	}
}

// EnqueueResponse appends r to the response queue. No-op if stopped.
func (s *Session) EnqueueResponse(r wire.Response) {
	if s.stopped {
		return
	}

	s.responseQueue = append(s.responseQueue, r)
}

// StartStreamWrite begins an async write of the queue's front if the session
// is not stopped, no write is already in flight, and the queue is non-empty.
// Returns whether a write is (now, or already) in flight.
func (s *Session) StartStreamWrite() bool {
	if s.stopped {
		return false
	}

	if s.streamWriteInflight {
		return true
	}

	if len(s.responseQueue) == 0 {
		return false
	}

	buf, err := wire.PackMessage(s.responseQueue[0], wire.MaxMessageSize)
	if err != nil {
		// A Response should never fail to encode under MaxMessageSize; treat
		// as a fatal session error rather than silently dropping a reply.
		s.log.Error("failed to pack response, stopping session", logger.Field{Key: "error", Value: err})
		s.Stop()
		return false
	}

	s.streamWriteInflight = true
	select {
	case s.writeCh <- buf:
	case <-s.closed:
	}

	return true
}

// CompleteStreamWrite is called by the core loop when the writer goroutine
// reports a result for this session's in-flight write.
func (s *Session) CompleteStreamWrite(err error) {
	if s.stopped {
		return
	}

	s.streamWriteInflight = false

	if err != nil {
		s.log.Warn("stream write failed", logger.Field{Key: "error", Value: err})
		s.Stop()
		return
	}

	if len(s.responseQueue) > 0 {
		s.responseQueue = s.responseQueue[1:]
	}

	s.StartStreamWrite()
}

// EnqueueDataframe appends f to the dataframe queue. No-op if stopped.
func (s *Session) EnqueueDataframe(f wire.ControllerDataFrame) {
	if s.stopped {
		return
	}

	s.dataframeQueue = append(s.dataframeQueue, f)
}

// HasQueuedDataframes reports whether the dataframe queue is non-empty.
func (s *Session) HasQueuedDataframes() bool {
	return len(s.dataframeQueue) > 0
}

// UDPWriteInflight reports whether this session currently owns the shared
// datagram socket's single outstanding write.
func (s *Session) UDPWriteInflight() bool { return s.udpWriteInflight }

// PackFrontDataframe encodes the front of the dataframe queue. A pack
// failure (oversized frame) is reported to the caller so it can log and
// drop the front without starting a write, per spec.md §4.2.
func (s *Session) PackFrontDataframe() ([]byte, error) {
	if len(s.dataframeQueue) == 0 {
		return nil, fmt.Errorf("session: dataframe queue empty")
	}

	return wire.PackMessage(s.dataframeQueue[0], wire.MaxDataFrameMessageSize)
}

// DropFrontDataframe removes the queue's front frame without sending it
// (used on pack failure).
func (s *Session) DropFrontDataframe() {
	if len(s.dataframeQueue) > 0 {
		s.dataframeQueue = s.dataframeQueue[1:]
	}
}

// MarkUDPWriteStarted records that the shared socket is now sending this
// session's front dataframe.
func (s *Session) MarkUDPWriteStarted() { s.udpWriteInflight = true }

// CompleteUDPWrite is called by the core loop when the shared writer
// goroutine reports a result that corresponds to this session's in-flight
// datagram.
func (s *Session) CompleteUDPWrite(err error) {
	if s.stopped {
		return
	}

	s.udpWriteInflight = false

	if err != nil {
		s.log.Warn("datagram write failed", logger.Field{Key: "error", Value: err})
		s.Stop()
		return
	}

	if len(s.dataframeQueue) > 0 {
		s.dataframeQueue = s.dataframeQueue[1:]
	}
}

// BindUDPPeer associates a datagram endpoint with this session, completing
// the pairing handshake.
func (s *Session) BindUDPPeer(addr *net.UDPAddr) {
	if s.stopped {
		return
	}

	s.udpPeer = addr
}

// Stop is idempotent: it shuts the stream connection down both ways, clears
// in-flight flags, and sets stopped so all further enqueues and completions
// are no-ops.
func (s *Session) Stop() {
	if s.stopped {
		return
	}

	s.stopped = true
	s.streamWriteInflight = false
	s.udpWriteInflight = false

	if err := s.conn.Close(); err != nil {
		s.log.Debug("close failed", logger.Field{Key: "error", Value: err})
	}

	close(s.closed)
}
