// Package testclient is a minimal event-driven client used only by this
// repo's own integration tests. It is adapted from the teacher's
// eventdriventcpclient.EventDrivenTCPClient: same dial/state-machine/
// goroutine-read-loop shape, retargeted from a generic length-prefixed byte
// stream to this repo's wire protocol (package wire) plus the UDP pairing
// handshake (package datagram). Auto-reconnect is dropped: a short-lived
// test harness has no use for it, and dropping it is a test-harness
// simplification, not a loss of teacher production functionality.
package testclient

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/telemetry-core/datagram"
	"github.com/cyberinferno/telemetry-core/wire"
)

// ConnectionState mirrors the teacher's EventDrivenTCPClient state machine,
// minus Reconnecting (no auto-reconnect here).
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Closed
)

// String returns a human-readable name for the state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionInfo is the id the server's first stream message carries
// (wire.ResponseTypeConnectionInfo), captured so the test can echo it back
// over UDP to pair.
type ConnectionInfo struct {
	ConnectionID uint32
}

// ResponseHandler is invoked for every framed Response read off the stream.
type ResponseHandler func(wire.Response)

// Client dials a telemetry-core Driver's shared TCP+UDP port, reads the
// initial CONNECTION_INFO notification, and can pair and exchange framed
// requests/dataframes. The response handler is invoked from the read
// goroutine; the connection-state handler runs on the goroutine that calls
// Connect or Close. Callers needing synchronization must provide their own.
type Client struct {
	addr string

	mu    sync.RWMutex
	state ConnectionState
	conn  net.Conn

	onState    func(ConnectionState)
	onResponse ResponseHandler

	connInfo        ConnectionInfo
	gotConnInfoCh   chan struct{}
	gotConnInfoOnce sync.Once

	udpConn *net.UDPConn

	stopChan chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

// New returns a Client targeting addr ("host:port"), in Disconnected state.
func New(addr string) *Client {
	return &Client{
		addr:          addr,
		state:         Disconnected,
		stopChan:      make(chan struct{}),
		gotConnInfoCh: make(chan struct{}),
	}
}

// OnConnectionState registers the handler for state transitions.
func (c *Client) OnConnectionState(handler func(ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// OnResponse registers the handler for every decoded Response, including
// the initial CONNECTION_INFO notification and any later notification or
// reply.
func (c *Client) OnResponse(handler ResponseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResponse = handler
}

// Connect dials the stream half and starts the read loop in a goroutine.
func (c *Client) Connect() error {
	c.setState(Connecting)

	conn, err := net.DialTimeout("tcp", c.addr, 10*time.Second)
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("testclient: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setState(Connected)

	c.wg.Add(1)
	go c.readLoop()

	return nil
}

// WaitConnectionInfo blocks until the server's CONNECTION_INFO notification
// has been read, or timeout elapses.
func (c *Client) WaitConnectionInfo(timeout time.Duration) (ConnectionInfo, error) {
	select {
	case <-c.gotConnInfoCh:
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.connInfo, nil
	case <-time.After(timeout):
		return ConnectionInfo{}, fmt.Errorf("testclient: timed out waiting for connection info")
	}
}

// Pair dials the shared UDP port and runs the WAIT_ID handshake: send the
// 4-byte connection id, read back the single-byte ack. It returns whether
// the server accepted the pairing.
func (c *Client) Pair(id uint32) (bool, error) {
	udpConn, err := net.DialUDP("udp", nil, mustResolveUDP(c.addr))
	if err != nil {
		return false, fmt.Errorf("testclient: dial udp: %w", err)
	}

	c.mu.Lock()
	c.udpConn = udpConn
	c.mu.Unlock()

	if _, err := udpConn.Write(datagram.EncodePairingID(id)); err != nil {
		return false, fmt.Errorf("testclient: send pairing id: %w", err)
	}

	buf := make([]byte, 1)
	_ = udpConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := udpConn.Read(buf)
	if err != nil {
		return false, fmt.Errorf("testclient: read pairing ack: %w", err)
	}

	return datagram.DecodeAck(buf[:n]), nil
}

// ReadDataframe blocks for up to timeout waiting for one telemetry datagram
// on the paired UDP socket, and decodes it.
func (c *Client) ReadDataframe(timeout time.Duration) (wire.ControllerDataFrame, error) {
	c.mu.RLock()
	udpConn := c.udpConn
	c.mu.RUnlock()

	if udpConn == nil {
		return wire.ControllerDataFrame{}, fmt.Errorf("testclient: not paired")
	}

	_ = udpConn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 2048)
	n, err := udpConn.Read(buf)
	if err != nil {
		return wire.ControllerDataFrame{}, fmt.Errorf("testclient: read dataframe: %w", err)
	}

	if n < wire.HeaderSize {
		return wire.ControllerDataFrame{}, fmt.Errorf("testclient: short datagram")
	}

	bodyLen, err := wire.DecodeHeader(buf[:wire.HeaderSize], wire.MaxDataFrameMessageSize)
	if err != nil {
		return wire.ControllerDataFrame{}, err
	}

	return wire.UnpackControllerDataFrame(buf[wire.HeaderSize : wire.HeaderSize+bodyLen])
}

// SendRequest frames and writes req on the stream connection.
func (c *Client) SendRequest(req wire.Request) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return fmt.Errorf("testclient: not connected")
	}

	buf, err := wire.PackMessage(req, wire.MaxMessageSize)
	if err != nil {
		return err
	}

	_, err = conn.Write(buf)
	return err
}

// Close shuts the client down: closes both sockets and stops the read loop.
// Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
	}

	if c.udpConn != nil {
		_ = c.udpConn.Close()
	}
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.setState(Closed)
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	hdr := make([]byte, wire.HeaderSize)
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			return
		}

		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}

		n, err := wire.DecodeHeader(hdr, wire.MaxMessageSize)
		if err != nil {
			return
		}

		body := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
		}

		resp, err := wire.UnpackResponse(body)
		if err != nil {
			continue
		}

		if resp.Type == wire.ResponseTypeConnectionInfo {
			c.mu.Lock()
			c.connInfo = ConnectionInfo{ConnectionID: resp.TCPConnectionID}
			c.mu.Unlock()
			c.gotConnInfoOnce.Do(func() { close(c.gotConnInfoCh) })
		}

		c.mu.RLock()
		handler := c.onResponse
		c.mu.RUnlock()

		if handler != nil {
			handler(resp)
		}
	}
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	handler := c.onState
	c.mu.Unlock()

	if handler != nil {
		handler(s)
	}
}

func mustResolveUDP(addr string) *net.UDPAddr {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		panic(err)
	}

	return a
}
