package multimutex

import (
	"fmt"
	"sync"
)

// cntMutex is a mutex with a reference counter tracking how many
// goroutines currently hold or wait for it.
type cntMutex struct {
	cnt int
	sync.Mutex
}

// IDMutex keeps track of a set of mutexes keyed by contract id. It
// serializes mutating operations (match/settle/refund) per contract:
// at most one mutation is in flight for a given id while distinct ids
// proceed independently.
type IDMutex struct {
	// mutexes maps ids to their cntMutex. The cntMutex for a given id
	// is shared by all callers requesting access for that id, and the
	// counter tracks how many of them are outstanding.
	mutexes map[int64]*cntMutex

	// mapMtx synchronizes concurrent access to the mutexes map.
	mapMtx sync.Mutex
}

// NewIDMutex creates a new IDMutex.
func NewIDMutex() *IDMutex {
	return &IDMutex{
		mutexes: make(map[int64]*cntMutex),
	}
}

// Lock locks the mutex for the given id. If the mutex is already held,
// Lock blocks until it is available.
func (c *IDMutex) Lock(id int64) {
	c.mapMtx.Lock()
	mtx, ok := c.mutexes[id]
	if ok {
		// Another goroutine holds or waits for this id's mutex, so
		// we only record that one more caller is waiting.
		mtx.cnt++
	} else {
		// First caller for this id, create the mutex with count 1.
		mtx = &cntMutex{
			cnt: 1,
		}
		c.mutexes[id] = mtx
	}
	c.mapMtx.Unlock()

	mtx.Lock()
}

// Unlock unlocks the mutex for the given id. It is a run-time error if
// the mutex is not held for the id on entry to Unlock.
func (c *IDMutex) Unlock(id int64) {
	c.mapMtx.Lock()

	mtx, ok := c.mutexes[id]
	if !ok {
		panic(fmt.Sprintf("double unlock for id %v", id))
	}

	// Decrement the counter, and drop the map entry once the last
	// waiter is gone. This is safe under mapMtx: every other waiter
	// has already incremented the counter, and new callers will
	// create a fresh mutex.
	mtx.cnt--
	if mtx.cnt == 0 {
		delete(c.mutexes, id)
	}
	c.mapMtx.Unlock()

	mtx.Unlock()
}
