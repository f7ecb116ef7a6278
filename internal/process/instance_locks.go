package process

import "sync"

// instanceLocks serializes engine calls per instance inside one process.
// Cross-process exclusion is the caller's job (see internal/infra/locks).
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*instanceLock
}

type instanceLock struct {
	sync.Mutex
	refs int
}

// lock blocks until id is free and returns its unlock func.
func (l *instanceLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*instanceLock)
	}
	il := l.locks[id]
	if il == nil {
		il = &instanceLock{}
		l.locks[id] = il
	}
	il.refs++
	l.mu.Unlock()

	il.Lock()
	return func() {
		il.Unlock()
		l.mu.Lock()
		il.refs--
		if il.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *instanceLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
