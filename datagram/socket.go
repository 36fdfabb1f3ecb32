// Package datagram implements the shared UDP transport of SPEC_FULL §4.4:
// one physical socket serving both the pairing handshake and telemetry
// push, with reader and writer goroutines that never touch Session state
// directly, grounded on the teacher's reader/writer goroutine split in
// eventdriventcpclient.EventDrivenTCPClient. The core loop is the only
// mutator of Session/registry state; this package only moves bytes.
package datagram

import (
	"errors"
	"net"

	"github.com/cyberinferno/telemetry-core/session"
)

// WriteJob is one datagram send request handed to the writer goroutine.
// ConnID is nil for a pairing ack and non-nil for a telemetry send, so the
// core loop can route the completion back to the right place.
type WriteJob struct {
	Target *net.UDPAddr
	Buf    []byte
	ConnID *session.ConnectionId
}

// WriteResult reports the outcome of one WriteJob.
type WriteResult struct {
	ConnID *session.ConnectionId
	Err    error
}

// Socket owns the process's single UDP endpoint. Reads and writes run in
// their own goroutines and report to the core loop over channels.
type Socket struct {
	conn *net.UDPConn

	writeCh chan WriteJob
	closed  chan struct{}
}

// NewSocket wraps an already-bound UDP connection.
func NewSocket(conn *net.UDPConn) *Socket {
	return &Socket{
		conn:    conn,
		writeCh: make(chan WriteJob, 1),
		closed:  make(chan struct{}),
	}
}

// ReadPairingLoop blocks reading datagrams and forwards each one, raw, to
// out. The core loop validates length and performs the registry lookup
// (see HandlePairingDatagram); this loop never parses payloads, so a read
// in flight never blocks a write in flight on the same socket. A read
// error is forwarded and reading continues; the loop returns once the
// socket is closed.
func (s *Socket) ReadPairingLoop(out chan<- session.PairingDatagram) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			select {
			case out <- session.PairingDatagram{Err: err}:
			case <-s.closed:
				return
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case out <- session.PairingDatagram{Addr: addr, Data: data}:
		case <-s.closed:
			return
		}
	}
}

// WriteLoop drains writeCh, performing one blocking WriteToUDP at a time
// and reporting completion to done. The channel's buffer of 1 plus the core
// loop's own bookkeeping of which session (if any) currently owns the
// outstanding write enforces "at most one outstanding datagram send
// process-wide" (spec.md §3).
func (s *Socket) WriteLoop(done chan<- WriteResult) {
	for {
		select {
		case job := <-s.writeCh:
			_, err := s.conn.WriteToUDP(job.Buf, job.Target)
			select {
			case done <- WriteResult{ConnID: job.ConnID, Err: err}:
			case <-s.closed:
			}
		case <-s.closed:
			return
		}
	}
}

// Submit hands a job to the writer goroutine. The core loop must only call
// this when no write is currently in flight on the socket.
func (s *Socket) Submit(job WriteJob) {
	select {
	case s.writeCh <- job:
	case <-s.closed:
	}
}

// Close stops the reader/writer goroutines and closes the underlying
// connection. Idempotent.
func (s *Socket) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}

	return s.conn.Close()
}
