// Package arbiter defines the pluggable external device manager contract
// that a device runner consults before reserving its device locally
// (spec §4.C: "a pluggable arbiter that can veto local use").
package arbiter

import (
	"context"
	"time"
)

// Arbiter grants or vetoes short-lived local reservations for a device
// identified by control id, and reports whether it owns the device's
// lifecycle (in which case the local runner must never reboot it).
type Arbiter interface {
	// Reserve requests a reservation valid for d. A false, nil return
	// means the reservation was not granted (retry later); a non-nil
	// error with apperrors.ErrCodeDraining means the caller should exit
	// its loop entirely.
	Reserve(ctx context.Context, controlID string, d time.Duration) (bool, error)

	// Release gives up a held reservation. Called unconditionally during
	// tear-down; implementations must tolerate releasing an unheld lock.
	Release(ctx context.Context, controlID string) error

	// OwnsLifecycle reports whether this arbiter (not the local runner)
	// is responsible for rebooting controlID.
	OwnsLifecycle(controlID string) bool
}
