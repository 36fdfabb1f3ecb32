// Package registry tracks the set of live sessions for the core loop. It is
// grounded on tcpserver.TCPServer's Sessions/AddSession/RemoveSession/
// GetSession, adapted from a concurrency-safe safemap.SafeMap to a plain map
// plus an ascending-id slice: the registry is owned exclusively by the
// single core-loop goroutine (see package core), and the datagram
// scheduler's fairness policy (SPEC_FULL §4.4) depends
// on iteration order being stable between mutations, a guarantee
// sync.Map.Range does not make.
package registry

import (
	"github.com/cyberinferno/telemetry-core/idgenerator"
	"github.com/cyberinferno/telemetry-core/session"
)

// ConnectionId re-exports session.ConnectionId so callers that only need the
// registry package (handlers, the core's public surface) don't also have to
// import session directly.
type ConnectionId = session.ConnectionId

// Registry holds every live Session, keyed by its ConnectionId, along with
// an ascending-order index used by anything that must iterate sessions in a
// stable, repeatable order (e.g. the datagram scheduler's round-robin
// fairness walk).
type Registry struct {
	ids  *idgenerator.IdGenerator
	byID map[session.ConnectionId]*session.Session
	// order holds every ConnectionId ever inserted, ascending, including ones
	// since removed from byID (Lookup on a removed id still returns false);
	// Iter filters those out so callers never see a stale entry.
	order []session.ConnectionId
}

// New creates an empty Registry whose ids are minted starting at startValue.
func New(startValue uint32) *Registry {
	return &Registry{
		ids:  idgenerator.NewIdGenerator(startValue),
		byID: make(map[session.ConnectionId]*session.Session),
	}
}

// NextID mints the next ConnectionId. It does not, by itself, register
// anything; callers pass the id to session.New and then Insert the result.
func (r *Registry) NextID() session.ConnectionId {
	return session.ConnectionId(r.ids.Id())
}

// Insert adds s to the registry under its own ID. Insert assumes IDs are
// assigned by NextID and are therefore already strictly increasing, so order
// stays sorted by simple append.
func (r *Registry) Insert(s *session.Session) {
	id := s.ID()
	if _, exists := r.byID[id]; !exists {
		r.order = append(r.order, id)
	}

	r.byID[id] = s
}

// Lookup returns the session for id, if still registered.
func (r *Registry) Lookup(id session.ConnectionId) (*session.Session, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// Remove drops id from the registry. The id's slot in order is left as a
// tombstone (skipped by Iter) rather than compacted, so Remove stays O(1)
// instead of O(n) on a large connection count.
func (r *Registry) Remove(id session.ConnectionId) {
	delete(r.byID, id)
}

// Iter calls fn for every currently-registered session in ascending
// ConnectionId order, stopping early if fn returns false. The callback must
// not mutate the registry (insert or remove) while iterating.
func (r *Registry) Iter(fn func(*session.Session) bool) {
	for _, id := range r.order {
		s, ok := r.byID[id]
		if !ok {
			continue
		}

		if !fn(s) {
			return
		}
	}
}

// Len reports the number of currently-registered sessions.
func (r *Registry) Len() int {
	return len(r.byID)
}

// CloseAll stops every registered session and empties the registry, used on
// shutdown (spec.md §4.3: "calls stop() on every session, then empties the
// map"). After it returns, Len is 0 and Lookup finds nothing.
func (r *Registry) CloseAll() {
	r.Iter(func(s *session.Session) bool {
		s.Stop()
		return true
	})

	r.byID = make(map[session.ConnectionId]*session.Session)
	r.order = nil
}
