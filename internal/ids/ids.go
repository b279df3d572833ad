// Package ids allocates stable, explicit identifiers for subscribers and
// other objects that the source tracked by identity hash. An atomic
// counter replaces identity-hash tracking per the process-scoped
// container design note.
package ids

import "sync/atomic"

// Allocator hands out monotonically increasing ids for one identifier
// space (e.g. "subscriber", "job").
type Allocator struct {
	next atomic.Uint64
}

// NewAllocator returns an allocator starting at 1; 0 is reserved to mean
// "unassigned".
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Next returns the next id in the space.
func (a *Allocator) Next() uint64 {
	return a.next.Add(1)
}
