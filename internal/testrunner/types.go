// Package testrunner drives a single test through the pre-run /
// driver-execution / post-run phase machine described in §4.E, fanning
// events out across the scoped bus and finalizing a terminal result.
package testrunner

import (
	"github.com/streamspace-dev/deviceorch/internal/device"
	"github.com/streamspace-dev/deviceorch/internal/events"
)

// Status is a test's runtime state (§3).
type Status int

const (
	StatusNew Status = iota
	StatusRunning
	StatusDone
)

// InterruptReason classifies why a test execution was interrupted,
// determining the error id attached to the result (§4.E).
type InterruptReason int

const (
	ReasonNone InterruptReason = iota
	ReasonTimerExpired
	ReasonProcessShutdown
	ReasonDeviceDisconnect
	ReasonUserKill
)

// DriverFunc is the invocation contract for a test driver.
type DriverFunc func() error

// Decorator wraps a driver call, emitting DecoratorPreForwardEvent /
// DecoratorPostForwardEvent around its forwarding call.
type Decorator struct {
	Name string
	Wrap func(next DriverFunc) error
}

// Hooks are the collaborator functions the test runner delegates device
// and driver specifics to; they stand in for the external collaborator
// contracts named in §4.E ("delegated to the device object").
type Hooks struct {
	// CheckDevice returns an observed feature snapshot per allocated
	// device (§4.E pre-run step 2).
	CheckDevice func(alloc device.Allocation) ([]device.FeatureSnapshot, error)

	// PreRunTest builds the driver (and any decorators) given the
	// aggregated pre-driver skip decision; a Present skip means the
	// driver must not run.
	PreRunTest func(skip events.SkipSignal) (DriverFunc, []Decorator, error)

	// PostRunTest performs device cleanup and returns the post-test
	// operation code.
	PostRunTest func(result events.Result) (device.OpCode, error)
}

// Request describes one test execution.
type Request struct {
	SessionID string
	TestID    string
	JobID     string
	Alloc     device.Allocation
}

// Outcome is the terminal result of one execution, as returned by
// Execution.Wait.
type Outcome struct {
	Result        events.Result
	OperationCode device.OpCode
	Warnings      []string
}

func classify(reason InterruptReason) (events.Result, string) {
	switch reason {
	case ReasonTimerExpired:
		return events.ResultTimeout, "job-timer-expired"
	case ReasonProcessShutdown:
		return events.ResultError, "process-shutdown"
	case ReasonDeviceDisconnect:
		return events.ResultError, "device-disconnect-suspected"
	case ReasonUserKill:
		return events.ResultError, "user-kill"
	default:
		return events.ResultError, "unknown-interrupt"
	}
}
