package engine

import "sync"

// runLocks serializes state mutation per run. Callbacks for different runs
// proceed in parallel; sibling callbacks for one run take turns.
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

// acquire blocks until the run's lock is held and returns the release
// function. Entries are reference counted so the map does not grow with
// finished runs.
func (l *runLocks) acquire(runID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[runID]
	if !ok {
		entry = &runLock{}
		l.locks[runID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, runID)
		}
		l.mu.Unlock()
	}
}
