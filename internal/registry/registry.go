// Package registry keeps the set of live connections and their identity and
// session bindings. It never persists or sends anything.
package registry

import (
	"sync"

	"github.com/manpreetbhatti/pairpad/internal/domain"
)

// Conn is the write side of one live client connection.
type Conn interface {
	ID() string
	// Send queues data without blocking and reports whether it was accepted.
	Send(data []byte) bool
}

// Entry is a snapshot of one connection and its bindings.
type Entry struct {
	Conn      Conn
	UserID    string
	SessionID string
}

func (e Entry) Authenticated() bool { return e.UserID != domain.Unbound }
func (e Entry) Joined() bool        { return e.SessionID != domain.Unbound }

type entry struct {
	conn      Conn
	userID    string
	sessionID string
}

func (e *entry) snapshot() Entry {
	return Entry{Conn: e.conn, UserID: e.userID, SessionID: e.sessionID}
}

// shard holds the connections bound to one session.
type shard struct {
	mu    sync.RWMutex
	conns map[string]Entry
}

// Registry indexes connections by id, user and session. Session membership is
// sharded so fan-out reads for one session never contend with another.
type Registry struct {
	// Guards conns, users and every entry's bindings.
	mu    sync.RWMutex
	conns map[string]*entry
	users map[string]map[string]*entry

	shardsMu sync.RWMutex
	shards   map[string]*shard
}

func New() *Registry {
	return &Registry{
		conns:  make(map[string]*entry),
		users:  make(map[string]map[string]*entry),
		shards: make(map[string]*shard),
	}
}

// Register adds an unbound connection. Registering twice is a no-op that
// returns false.
func (r *Registry) Register(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID()]; ok {
		return false
	}
	r.conns[c.ID()] = &entry{conn: c, userID: domain.Unbound, sessionID: domain.Unbound}
	return true
}

// Bind sets the connection's user identity and returns the previous one.
func (r *Registry) Bind(connID, userID string) (previous string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return domain.Unbound, false
	}
	previous = e.userID
	if previous == userID {
		return previous, true
	}
	if previous != domain.Unbound {
		r.removeUserLocked(previous, connID)
	}
	e.userID = userID
	if userID != domain.Unbound {
		byConn, ok := r.users[userID]
		if !ok {
			byConn = make(map[string]*entry)
			r.users[userID] = byConn
		}
		byConn[connID] = e
	}
	if e.sessionID != domain.Unbound {
		r.joinShard(e.sessionID, e)
	}
	return previous, true
}

// BindSession moves the connection into sessionID (domain.Unbound clears the
// binding) and returns the session it was bound to before.
func (r *Registry) BindSession(connID, sessionID string) (previous string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return domain.Unbound, false
	}
	previous = e.sessionID
	if previous == sessionID {
		return previous, true
	}
	if previous != domain.Unbound {
		r.leaveShard(previous, connID)
	}
	e.sessionID = sessionID
	if sessionID != domain.Unbound {
		r.joinShard(sessionID, e)
	}
	return previous, true
}

// Unregister removes the connection and returns its final bindings. Only the
// first call for a connection reports true.
func (r *Registry) Unregister(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return Entry{}, false
	}
	snap := e.snapshot()
	delete(r.conns, connID)
	if e.userID != domain.Unbound {
		r.removeUserLocked(e.userID, connID)
	}
	if e.sessionID != domain.Unbound {
		r.leaveShard(e.sessionID, connID)
	}
	return snap, true
}

func (r *Registry) Lookup(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// ForSession returns the connections currently bound to sessionID.
func (r *Registry) ForSession(sessionID string) []Entry {
	if sessionID == domain.Unbound {
		return nil
	}
	r.shardsMu.RLock()
	s, ok := r.shards[sessionID]
	r.shardsMu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.conns))
	for _, e := range s.conns {
		out = append(out, e)
	}
	return out
}

// ForUser returns every connection bound to userID, whatever their session.
func (r *Registry) ForUser(userID string) []Entry {
	if userID == domain.Unbound {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	byConn := r.users[userID]
	out := make([]Entry, 0, len(byConn))
	for _, e := range byConn {
		out = append(out, e.snapshot())
	}
	return out
}

// CountFor returns how many live connections userID has bound to sessionID.
func (r *Registry) CountFor(sessionID, userID string) int {
	n := 0
	for _, e := range r.ForSession(sessionID) {
		if e.UserID == userID {
			n++
		}
	}
	return n
}

// ActiveSessions maps every session with at least one bound connection to its
// connection count.
func (r *Registry) ActiveSessions() map[string]int {
	r.shardsMu.RLock()
	defer r.shardsMu.RUnlock()

	out := make(map[string]int, len(r.shards))
	for id, s := range r.shards {
		s.mu.RLock()
		out[id] = len(s.conns)
		s.mu.RUnlock()
	}
	return out
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) removeUserLocked(userID, connID string) {
	if byConn, ok := r.users[userID]; ok {
		delete(byConn, connID)
		if len(byConn) == 0 {
			delete(r.users, userID)
		}
	}
}

// joinShard and leaveShard are called with r.mu held. Shards keep value
// snapshots so readers never touch an entry guarded by r.mu; joinShard also
// refreshes the snapshot after a re-bind.
func (r *Registry) joinShard(sessionID string, e *entry) {
	r.shardsMu.Lock()
	s, ok := r.shards[sessionID]
	if !ok {
		s = &shard{conns: make(map[string]Entry)}
		r.shards[sessionID] = s
	}
	s.mu.Lock()
	s.conns[e.conn.ID()] = e.snapshot()
	s.mu.Unlock()
	r.shardsMu.Unlock()
}

func (r *Registry) leaveShard(sessionID, connID string) {
	r.shardsMu.Lock()
	defer r.shardsMu.Unlock()

	s, ok := r.shards[sessionID]
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.conns, connID)
	empty := len(s.conns) == 0
	s.mu.Unlock()
	if empty {
		delete(r.shards, sessionID)
	}
}
