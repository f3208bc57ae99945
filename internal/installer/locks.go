package installer

import "sync"

// lockSet hands out at most one lock per deployment name. Acquisition never
// blocks; a second caller for the same name is turned away immediately.
type lockSet struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLockSet() *lockSet {
	return &lockSet{held: map[string]struct{}{}}
}

func (l *lockSet) TryAcquire(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[name]; taken {
		return false
	}
	l.held[name] = struct{}{}
	return true
}

func (l *lockSet) Release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
}
