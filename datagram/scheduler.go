package datagram

import (
	"github.com/cyberinferno/telemetry-core/logger"
	"github.com/cyberinferno/telemetry-core/registry"
	"github.com/cyberinferno/telemetry-core/session"
)

// Scheduler implements the telemetry fairness policy of SPEC_FULL §4.4:
// iterate sessions in registry order; the first session encountered that is
// already mid-write, or that newly starts one, ends the pass. This is the
// literal iteration-order policy (scenario 3 of spec.md §8 resolves to
// 0,0,0,1,1,1, not a rotating 0,1,0,1,0,1 cursor), chosen for fidelity to
// the original implementation over stronger fairness — see DESIGN.md.
type Scheduler struct {
	log logger.Logger
}

// NewScheduler constructs a Scheduler that logs dropped oversized frames.
func NewScheduler(log logger.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// TryScheduleOne attempts to start at most one datagram write across every
// registered session, and reports whether one was started. When it returns
// true, send has been called exactly once with the job to submit to the
// shared socket.
func (sch *Scheduler) TryScheduleOne(reg *registry.Registry, send func(job WriteJob)) bool {
	started := false

	reg.Iter(func(sess *session.Session) bool {
		if sess.UDPWriteInflight() {
			// Some session already owns the one outstanding datagram send;
			// nothing else may start this pass.
			return false
		}

		if !sess.HasQueuedDataframes() {
			return true
		}

		peer := sess.UDPPeer()
		if peer == nil {
			// Not yet paired; its queue waits for a later bind.
			return true
		}

		buf, err := sess.PackFrontDataframe()
		if err != nil {
			sch.log.Warn("dropping oversized dataframe",
				logger.Field{Key: "connection_id", Value: uint32(sess.ID())},
				logger.Field{Key: "error", Value: err})
			sess.DropFrontDataframe()
			return true
		}

		id := sess.ID()
		sess.MarkUDPWriteStarted()
		send(WriteJob{Target: peer, Buf: buf, ConnID: &id})
		started = true
		return false
	})

	return started
}
