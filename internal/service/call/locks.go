package call

import (
	"sync"

	"github.com/google/uuid"
)

// callLocks serializes state transitions per call id. Entries are
// reference-counted so the table does not grow with call history.
type callLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*callLock
}

type callLock struct {
	mu   sync.Mutex
	refs int
}

func newCallLocks() *callLocks {
	return &callLocks{
		locks: make(map[uuid.UUID]*callLock),
	}
}

// lock acquires the per-call mutex and returns an unlock function
func (c *callLocks) lock(callID uuid.UUID) func() {
	c.mu.Lock()
	entry, ok := c.locks[callID]
	if !ok {
		entry = &callLock{}
		c.locks[callID] = entry
	}
	entry.refs++
	c.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		c.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(c.locks, callID)
		}
		c.mu.Unlock()
	}
}
