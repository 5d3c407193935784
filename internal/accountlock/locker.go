package accountlock

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

// Locker serializes billing work per account. The repair algorithm needs a
// consistent snapshot of all prior items, so two passes over the same
// account must never interleave; distinct accounts proceed in parallel.
type Locker struct {
	mu    sync.Mutex
	locks map[snowflake.ID]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[snowflake.ID]*entry)}
}

// Do runs fn while holding the account's lock.
func (l *Locker) Do(accountID snowflake.ID, fn func() error) error {
	e := l.acquire(accountID)
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		l.release(accountID, e)
	}()
	return fn()
}

func (l *Locker) acquire(accountID snowflake.ID) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[accountID]
	if !ok {
		e = &entry{}
		l.locks[accountID] = e
	}
	e.refs++
	return e
}

func (l *Locker) release(accountID snowflake.ID, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, accountID)
	}
}
