package workflow

import "sync"

// runLocks linearizes orchestrator operations per run. SQLite gives us
// serialized writes, but step selection spans several statements, so each
// run's read-decide-write cycle holds an in-process lock keyed by run ID.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*runLock)}
}

// Lock acquires the lock for a run, creating it on first use
func (r *runLocks) Lock(runID string) {
	r.mu.Lock()
	lock, ok := r.locks[runID]
	if !ok {
		lock = &runLock{}
		r.locks[runID] = lock
	}
	lock.refs++
	r.mu.Unlock()

	lock.mu.Lock()
}

// Unlock releases a run's lock and frees it once nobody is waiting
func (r *runLocks) Unlock(runID string) {
	r.mu.Lock()
	lock := r.locks[runID]
	lock.refs--
	if lock.refs == 0 {
		delete(r.locks, runID)
	}
	r.mu.Unlock()

	lock.mu.Unlock()
}
