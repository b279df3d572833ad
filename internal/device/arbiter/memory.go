package arbiter

import (
	"context"
	"sync"
	"time"
)

// Local is the in-memory arbiter used in local-mode (§4.D): it always
// grants reservations to the sole caller and never owns device lifecycle.
// It still enforces single-reservation-per-device (invariant 5) for
// callers sharing the same process.
type Local struct {
	mu        sync.Mutex
	held      map[string]time.Time
}

// NewLocal returns a ready-to-use in-memory arbiter.
func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time)}
}

// Reserve grants the reservation unless another caller currently holds an
// unexpired lock on the same control id.
func (l *Local) Reserve(_ context.Context, controlID string, d time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, ok := l.held[controlID]; ok && time.Now().Before(until) {
		return false, nil
	}
	l.held[controlID] = time.Now().Add(d)
	return true, nil
}

// Release clears any held reservation.
func (l *Local) Release(_ context.Context, controlID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, controlID)
	return nil
}

// OwnsLifecycle always returns false: the local runner owns reboot policy.
func (l *Local) OwnsLifecycle(string) bool { return false }
