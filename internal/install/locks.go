package install

import "sync"

// vmLocks serializes pipeline runs per VM id within this process. The
// install-status precondition check remains the cross-process guard;
// this closes the window where two requests hitting the same process
// both pass the status check.
type vmLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newVMLocks() *vmLocks {
	return &vmLocks{held: make(map[string]struct{})}
}

// acquire returns false if a pipeline already holds the VM.
func (l *vmLocks) acquire(vmID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[vmID]; taken {
		return false
	}
	l.held[vmID] = struct{}{}
	return true
}

func (l *vmLocks) release(vmID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, vmID)
}
