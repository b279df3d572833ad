package session

import "sync"

// StartedGate is the process-wide started-running semaphore (§5 "a
// process-wide mutex+condition-variable pair"). A session suspends in
// Acquire between its starting and started events until a slot frees up;
// AbortSession wakes every waiter so it can re-check its own aborted flag.
type StartedGate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	count    int
	capacity int
}

// NewStartedGate builds a gate admitting at most capacity concurrent
// started-running sessions.
func NewStartedGate(capacity int) *StartedGate {
	g := &StartedGate{capacity: capacity}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Acquire blocks until a slot is free or aborted reports true, in which
// case it returns false without taking a slot.
func (g *StartedGate) Acquire(aborted func() bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.count >= g.capacity && !aborted() {
		g.cond.Wait()
	}
	if aborted() {
		return false
	}
	g.count++
	return true
}

// Release frees one slot and wakes every waiter to re-evaluate admission.
func (g *StartedGate) Release() {
	g.mu.Lock()
	g.count--
	g.mu.Unlock()
	g.cond.Broadcast()
}

// WakeAll wakes every waiter without changing occupancy, used when a
// queued session is aborted so it can observe the abort and return.
func (g *StartedGate) WakeAll() {
	g.mu.Lock()
	g.mu.Unlock()
	g.cond.Broadcast()
}
