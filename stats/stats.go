// Package stats tracks per-connection counters and reports aggregate
// telemetry throughput periodically. Unlike registry, which is owned
// exclusively by the core loop and must preserve stable iteration order,
// ConnStats is read from a background reporter goroutine concurrently with
// the core loop's writes — the genuine concurrent-access case safemap and
// safeset are grounded on in the teacher repo.
package stats

import (
	"fmt"
	"time"

	"github.com/cyberinferno/telemetry-core/logger"
	"github.com/cyberinferno/telemetry-core/perfmonitor"
	"github.com/cyberinferno/telemetry-core/safemap"
	"github.com/cyberinferno/telemetry-core/safeset"
	"github.com/cyberinferno/telemetry-core/session"
)

// ConnStats holds the counters maintained for one connection. Fields are
// plain ints rather than atomics: all writers are the single core-loop
// goroutine, and the safemap.SafeMap entry itself is what's shared with the
// reporter, not the struct's fields.
type ConnStats struct {
	DataframesSent    uint64
	DataframesDropped uint64
	BytesSent         uint64
	ResponsesSent     uint64
}

// Tracker aggregates ConnStats per connection plus the set of connections
// that currently have a bound UDP peer. It is written by the core loop and
// read by Reporter's background goroutine.
type Tracker struct {
	conns  *safemap.SafeMap[session.ConnectionId, *ConnStats]
	paired *safeset.SafeSet[session.ConnectionId]
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		conns:  safemap.NewSafeMap[session.ConnectionId, *ConnStats](),
		paired: safeset.NewSafeSet[session.ConnectionId](),
	}
}

// Track registers id so its counters can be recorded; called once per
// accepted connection.
func (t *Tracker) Track(id session.ConnectionId) {
	t.conns.Store(id, &ConnStats{})
}

// Untrack drops id's counters and pairing membership; called on session stop.
func (t *Tracker) Untrack(id session.ConnectionId) {
	t.conns.Delete(id)
	t.paired.Remove(id)
}

// MarkPaired records that id's UDP peer is now bound.
func (t *Tracker) MarkPaired(id session.ConnectionId) {
	t.paired.Add(id)
}

// RecordDataframeSent increments id's sent dataframe and byte counters. It is
// a no-op if id is no longer tracked (session already stopped).
func (t *Tracker) RecordDataframeSent(id session.ConnectionId, bytes int) {
	if s, ok := t.conns.Get(id); ok {
		s.DataframesSent++
		s.BytesSent += uint64(bytes)
	}
}

// RecordDataframeDropped increments id's dropped dataframe counter.
func (t *Tracker) RecordDataframeDropped(id session.ConnectionId) {
	if s, ok := t.conns.Get(id); ok {
		s.DataframesDropped++
	}
}

// RecordResponseSent increments id's response counter.
func (t *Tracker) RecordResponseSent(id session.ConnectionId) {
	if s, ok := t.conns.Get(id); ok {
		s.ResponsesSent++
	}
}

// Snapshot returns the totals across every tracked connection and the
// number of currently paired connections.
func (t *Tracker) Snapshot() (connections int, paired int, dataframesSent uint64, dataframesDropped uint64, bytesSent uint64) {
	connections = t.conns.Len()
	paired = t.paired.Size()

	t.conns.Range(func(_ session.ConnectionId, s *ConnStats) bool {
		dataframesSent += s.DataframesSent
		dataframesDropped += s.DataframesDropped
		bytesSent += s.BytesSent
		return true
	})

	return connections, paired, dataframesSent, dataframesDropped, bytesSent
}

// Reporter periodically logs a Tracker snapshot along with how long the
// report itself took to assemble, timed with perfmonitor.
type Reporter struct {
	tracker  *Tracker
	log      logger.Logger
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewReporter builds a Reporter that logs a Tracker snapshot every interval.
func NewReporter(tracker *Tracker, log logger.Logger, interval time.Duration) *Reporter {
	return &Reporter{
		tracker:  tracker,
		log:      log,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, logging a snapshot on each tick, until Stop is called.
func (r *Reporter) Run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reportOnce()
		case <-r.stop:
			return
		}
	}
}

func (r *Reporter) reportOnce() {
	pm := perfmonitor.NewPerformanceMonitor()
	pm.Start()

	connections, paired, sent, dropped, bytesSent := r.tracker.Snapshot()

	pm.Stop()

	r.log.Info(fmt.Sprintf("telemetry snapshot (%.2fms to assemble)", pm.ElapsedMilliseconds()),
		logger.Field{Key: "connections", Value: connections},
		logger.Field{Key: "paired", Value: paired},
		logger.Field{Key: "dataframes_sent", Value: sent},
		logger.Field{Key: "dataframes_dropped", Value: dropped},
		logger.Field{Key: "bytes_sent", Value: bytesSent})
}

// Stop signals Run to return and waits for it to do so. Safe to call once.
func (r *Reporter) Stop() {
	close(r.stop)
	<-r.done
}
