package engine

import "sync"

// taskLocks holds one mutex per task id with live holders. A mutation keeps
// its task's lock from the store write until its broadcast is out, so
// observers see events for a task in commit order. Different tasks never
// contend.
type taskLocks struct {
	mu    sync.Mutex
	byKey map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{byKey: map[string]*taskLock{}}
}

// lock blocks until id is free and returns the matching unlock. A nil
// receiver does not serialize.
func (l *taskLocks) lock(id string) func() {
	if l == nil {
		return func() {}
	}
	l.mu.Lock()
	k, ok := l.byKey[id]
	if !ok {
		k = &taskLock{}
		l.byKey[id] = k
	}
	k.refs++
	l.mu.Unlock()

	k.mu.Lock()
	return func() {
		k.mu.Unlock()
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.byKey, id)
		}
		l.mu.Unlock()
	}
}

func (l *taskLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}
