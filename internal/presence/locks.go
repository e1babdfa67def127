package presence

import "sync"

// PairLocks serialises participant writes for one (session, user) pair so
// that the stored active flag is always written from a fresh view of the
// registry. Unrelated pairs never contend.
type PairLocks struct {
	mu    sync.Mutex
	locks map[string]*pairLock
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

func NewPairLocks() *PairLocks {
	return &PairLocks{locks: make(map[string]*pairLock)}
}

// Lock acquires the pair's lock and returns its release function.
func (p *PairLocks) Lock(sessionID, userID string) func() {
	key := sessionID + "\x00" + userID

	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &pairLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}
