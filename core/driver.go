// Package core implements the event loop driver of SPEC_FULL §4.5: it
// accepts stream connections, owns the shared datagram socket, and drives
// every session and the pairing handshake to completion. The teacher's
// tcpserver.TCPServer accept loop is adapted here into the stream half of
// the acceptor; the single-threaded "poll()" the source specifies is
// realized, per SPEC_FULL §3 NEW, as one core-loop goroutine that owns all
// mutable state and communicates with I/O goroutines purely over channels.
package core

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/cyberinferno/telemetry-core/datagram"
	"github.com/cyberinferno/telemetry-core/logger"
	"github.com/cyberinferno/telemetry-core/registry"
	"github.com/cyberinferno/telemetry-core/session"
	"github.com/cyberinferno/telemetry-core/stats"
	"github.com/cyberinferno/telemetry-core/utils"
	"github.com/cyberinferno/telemetry-core/wire"
)

type notifyJob struct {
	id   session.ConnectionId
	resp wire.Response
}

type dataframeJob struct {
	id    session.ConnectionId
	frame wire.ControllerDataFrame
}

// ackJob is a queued pairing-handshake reply waiting for the shared socket's
// single writer to free up.
type ackJob struct {
	target *net.UDPAddr
	buf    []byte
}

// Driver is the event loop driver: it owns the registry, the shared
// datagram socket, and the accept loop, and is the sole mutator of all of
// their state (spec.md §5).
type Driver struct {
	cfg      Config
	log      logger.Logger
	reg      *registry.Registry
	sched    *datagram.Scheduler
	sock     *datagram.Socket
	tracker  *stats.Tracker
	reporter *stats.Reporter

	listener net.Listener

	accepted        chan net.Conn
	inbound         chan session.InboundEvent
	streamWriteDone chan session.WriteResult
	pairing         chan session.PairingDatagram
	udpWriteDone    chan datagram.WriteResult

	notifyCh    chan notifyJob
	broadcastCh chan wire.Response
	dataframeCh chan dataframeJob

	pendingAcks     []ackJob
	udpBusy         bool
	pendingWriteLen int

	running atomic.Bool
	stopCh  chan struct{}
	stopped chan struct{}
}

// New validates cfg and constructs a Driver. It does not bind any sockets;
// call Start to do that.
func New(cfg Config) (*Driver, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("core: Handler is required")
	}

	if cfg.Log == nil {
		return nil, fmt.Errorf("core: Log is required")
	}

	if cfg.Addr == "" {
		return nil, fmt.Errorf("core: Addr is required")
	}

	dedupLog := newDedupWarnLogger(cfg.Log, cfg.warnDedupTTL())

	return &Driver{
		cfg:             cfg,
		log:             dedupLog,
		reg:             registry.New(0),
		sched:           datagram.NewScheduler(dedupLog),
		tracker:         stats.NewTracker(),
		accepted:        make(chan net.Conn, 16),
		inbound:         make(chan session.InboundEvent, 256),
		streamWriteDone: make(chan session.WriteResult, 256),
		pairing:         make(chan session.PairingDatagram, 256),
		udpWriteDone:    make(chan datagram.WriteResult, 1),
		notifyCh:        make(chan notifyJob, 64),
		broadcastCh:     make(chan wire.Response, 16),
		dataframeCh:     make(chan dataframeJob, 256),
		stopCh:          make(chan struct{}),
		stopped:         make(chan struct{}),
	}, nil
}

// Start implements spec.md §4.5's startup(): binds the stream listener and
// the shared UDP socket, then begins the accept loop, the pairing read
// loop, the shared writer loop, and the core loop, each in its own
// goroutine.
func (d *Driver) Start() error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("core: driver already running")
	}

	ln, err := net.Listen("tcp", d.cfg.Addr)
	if err != nil {
		d.running.Store(false)
		return fmt.Errorf("core: listen tcp %s: %w", d.cfg.Addr, err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", d.cfg.Addr)
	if err != nil {
		_ = ln.Close()
		d.running.Store(false)
		return fmt.Errorf("core: resolve udp %s: %w", d.cfg.Addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = ln.Close()
		d.running.Store(false)
		return fmt.Errorf("core: listen udp %s: %w", d.cfg.Addr, err)
	}

	d.listener = ln
	d.sock = datagram.NewSocket(conn)

	if d.cfg.StatsReportInterval > 0 {
		d.reporter = stats.NewReporter(d.tracker, d.log, d.cfg.StatsReportInterval)
		go d.reporter.Run()
	}

	go d.acceptLoop()
	go d.sock.ReadPairingLoop(d.pairing)
	go d.sock.WriteLoop(d.udpWriteDone)
	go d.run()

	d.log.Info("telemetry core started", logger.Field{Key: "addr", Value: d.cfg.Addr})
	return nil
}

// Stop implements spec.md §4.5's shutdown(): stops the core loop, which
// closes every session and releases the sockets.
func (d *Driver) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}

	close(d.stopCh)
	<-d.stopped
}

// acceptLoop is adapted from tcpserver.TCPServer.AcceptLoop: accept, hand
// off to the core loop, repeat. An accept error is terminal for the
// acceptor (spec.md §7) and, if configured, pages the operator over
// Discord.
func (d *Driver) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !d.running.Load() {
				return
			}

			d.log.Error("accept loop terminating", logger.Field{Key: "error", Value: err})
			if d.cfg.DiscordWebhook != "" {
				utils.SendDiscordNotification(d.cfg.DiscordWebhook,
					fmt.Sprintf("telemetry-core accept loop terminated on %s: %v", d.cfg.Addr, err))
			}

			return
		}

		select {
		case d.accepted <- conn:
		case <-d.stopCh:
			_ = conn.Close()
			return
		}
	}
}

// run is the core loop: the single goroutine that owns the registry and
// every Session's mutable state.
func (d *Driver) run() {
	defer d.shutdown()

	for {
		select {
		case conn := <-d.accepted:
			d.handleAccept(conn)
		case ev := <-d.inbound:
			d.handleInbound(ev)
		case wr := <-d.streamWriteDone:
			d.handleStreamWriteDone(wr)
		case pd := <-d.pairing:
			d.handlePairing(pd)
		case wr := <-d.udpWriteDone:
			d.handleUDPWriteDone(wr)
		case job := <-d.notifyCh:
			d.doSendNotification(job.id, job.resp)
		case resp := <-d.broadcastCh:
			d.doBroadcast(resp)
		case job := <-d.dataframeCh:
			d.doSendDataframe(job.id, job.frame)
		case <-d.stopCh:
			return
		}
	}
}

func (d *Driver) handleAccept(conn net.Conn) {
	id := d.reg.NextID()
	s := session.New(id, conn, d.log, d.inbound, d.streamWriteDone)
	d.reg.Insert(s)
	d.tracker.Track(id)
	s.Start()
	d.log.Info("session activated", logger.Field{Key: "connection_id", Value: uint32(id)})
}

func (d *Driver) handleInbound(ev session.InboundEvent) {
	s, ok := d.reg.Lookup(ev.ID)
	if !ok {
		return
	}

	if ev.Err != nil {
		d.log.Warn("session read failed, stopping", logger.Field{Key: "connection_id", Value: uint32(ev.ID)}, logger.Field{Key: "error", Value: ev.Err})
		d.removeSession(s)
		return
	}

	resp := d.cfg.Handler.Handle(ev.ID, ev.Req)
	s.EnqueueResponse(resp)
	s.StartStreamWrite()
	d.tracker.RecordResponseSent(ev.ID)
}

func (d *Driver) handleStreamWriteDone(wr session.WriteResult) {
	s, ok := d.reg.Lookup(wr.ID)
	if !ok {
		return
	}

	s.CompleteStreamWrite(wr.Err)
	if s.Stopped() {
		d.removeSession(s)
	}
}

func (d *Driver) handlePairing(pd session.PairingDatagram) {
	addr, ack, ok := datagram.HandlePairingDatagram(d.reg, d.log, pd)
	if !ok {
		return
	}

	if datagram.DecodeAck(ack) {
		if id, found := d.lookupByAddr(addr); found {
			d.tracker.MarkPaired(id)
		}
	} else {
		d.log.Warn("pairing rejected: unknown connection id", logger.Field{Key: "peer", Value: addr.String()})
	}

	d.queueAck(ackJob{target: addr, buf: ack})
	d.pump()
}

func (d *Driver) lookupByAddr(addr *net.UDPAddr) (session.ConnectionId, bool) {
	var found session.ConnectionId
	ok := false
	d.reg.Iter(func(s *session.Session) bool {
		if peer := s.UDPPeer(); peer != nil && peer.String() == addr.String() {
			found = s.ID()
			ok = true
			return false
		}

		return true
	})

	return found, ok
}

func (d *Driver) handleUDPWriteDone(wr datagram.WriteResult) {
	d.udpBusy = false

	if wr.ConnID != nil {
		if s, ok := d.reg.Lookup(*wr.ConnID); ok {
			s.CompleteUDPWrite(wr.Err)
			if wr.Err == nil {
				d.tracker.RecordDataframeSent(*wr.ConnID, d.pendingWriteLen)
			} else {
				d.tracker.RecordDataframeDropped(*wr.ConnID)
			}

			if s.Stopped() {
				d.removeSession(s)
			}
		}
	} else if wr.Err != nil {
		d.log.Warn("pairing ack write failed", logger.Field{Key: "error", Value: wr.Err})
	}

	d.pump()
}

// pump drains one queued pairing ack, or failing that asks the scheduler to
// start at most one telemetry write, whenever the shared socket's single
// writer slot is free. This replaces spec.md §4.5's bounded K=32 re-poll
// loop: that loop exists to drain completions that finish synchronously
// within one poll() tick, an artifact of the source's callback model that
// does not arise here because every write genuinely completes
// asynchronously on its own goroutine — so a single pump() per
// state-changing event (enqueue, bind, completion) is sufficient rather
// than a bounded re-poll.
func (d *Driver) pump() {
	if d.udpBusy {
		return
	}

	if len(d.pendingAcks) > 0 {
		job := d.pendingAcks[0]
		d.pendingAcks = d.pendingAcks[1:]
		d.udpBusy = true
		d.pendingWriteLen = 0
		d.sock.Submit(datagram.WriteJob{Target: job.target, Buf: job.buf})
		return
	}

	d.udpBusy = d.sched.TryScheduleOne(d.reg, func(job datagram.WriteJob) {
		d.pendingWriteLen = len(job.Buf)
		d.sock.Submit(job)
	})
}

func (d *Driver) queueAck(job ackJob) {
	d.pendingAcks = append(d.pendingAcks, job)
}

func (d *Driver) removeSession(s *session.Session) {
	s.Stop()
	d.reg.Remove(s.ID())
	d.tracker.Untrack(s.ID())
}

// doSendNotification implements send_notification: sets RequestID to the
// notification sentinel, looks up the session, enqueues, and starts the
// stream write.
func (d *Driver) doSendNotification(id session.ConnectionId, resp wire.Response) {
	s, ok := d.reg.Lookup(id)
	if !ok {
		return
	}

	resp.RequestID = wire.NotificationRequestID
	s.EnqueueResponse(resp)
	s.StartStreamWrite()
}

// doBroadcast implements broadcast_notification: the same enqueue+start for
// every registered session.
func (d *Driver) doBroadcast(resp wire.Response) {
	resp.RequestID = wire.NotificationRequestID

	d.reg.Iter(func(s *session.Session) bool {
		s.EnqueueResponse(resp)
		s.StartStreamWrite()
		return true
	})
}

// doSendDataframe implements send_controller_data_frame: enqueue on the
// session, then invoke the datagram scheduler once.
func (d *Driver) doSendDataframe(id session.ConnectionId, frame wire.ControllerDataFrame) {
	s, ok := d.reg.Lookup(id)
	if !ok {
		return
	}

	s.EnqueueDataframe(frame)
	d.pump()
}

func (d *Driver) shutdown() {
	d.reg.CloseAll()
	_ = d.sock.Close()
	_ = d.listener.Close()

	if d.reporter != nil {
		d.reporter.Stop()
	}

	close(d.stopped)
}

// SendNotification enqueues an unsolicited Response on the given session's
// stream and starts its write.
func (d *Driver) SendNotification(id session.ConnectionId, resp wire.Response) {
	select {
	case d.notifyCh <- notifyJob{id: id, resp: resp}:
	case <-d.stopCh:
	}
}

// BroadcastNotification enqueues resp on every registered session.
func (d *Driver) BroadcastNotification(resp wire.Response) {
	select {
	case d.broadcastCh <- resp:
	case <-d.stopCh:
	}
}

// SendControllerDataFrame enqueues frame on id's dataframe queue and wakes
// the scheduler.
func (d *Driver) SendControllerDataFrame(id session.ConnectionId, frame wire.ControllerDataFrame) {
	select {
	case d.dataframeCh <- dataframeJob{id: id, frame: frame}:
	case <-d.stopCh:
	}
}
