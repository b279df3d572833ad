// Package device implements the device lifecycle runner (§4.C) and the
// device manager that supervises detectors, dispatchers, and the set of
// live runners (§4.D).
package device

import (
	"maps"
	"sync"

	"github.com/streamspace-dev/deviceorch/internal/events"
)

// Status is a device's lifecycle state.
type Status int

const (
	StatusInit Status = iota
	StatusIdle
	StatusPrepping
	StatusBusy
	StatusDying
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusIdle:
		return "IDLE"
	case StatusPrepping:
		return "PREPPING"
	case StatusBusy:
		return "BUSY"
	case StatusDying:
		return "DYING"
	default:
		return "UNKNOWN"
	}
}

// Device owns a unique control id, a type, a mutable dimension map
// (supported/required), mutable properties, and a lifecycle status. All
// mutation goes through the owning runner's goroutine or these guarded
// methods.
type Device struct {
	ControlID string
	Type      string

	mu         sync.RWMutex
	dimensions map[string]string
	properties map[string]string
	status     Status
}

// NewDevice constructs a device in state INIT.
func NewDevice(controlID, deviceType string) *Device {
	return &Device{
		ControlID:  controlID,
		Type:       deviceType,
		dimensions: make(map[string]string),
		properties: make(map[string]string),
		status:     StatusInit,
	}
}

// Status returns the current lifecycle state.
func (d *Device) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *Device) setStatus(s Status) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

// Dimensions returns a snapshot of the device's dimension map.
func (d *Device) Dimensions() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.dimensions)
}

// MergeDimensions applies observed dimension updates, as produced by a
// periodic check or a dispatcher.
func (d *Device) MergeDimensions(updates map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range updates {
		d.dimensions[k] = v
	}
}

// Properties returns a snapshot of the device's property map.
func (d *Device) Properties() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.properties)
}

// SetProperty sets a single property.
func (d *Device) SetProperty(key, value string) {
	d.mu.Lock()
	d.properties[key] = value
	d.mu.Unlock()
}

// FeatureSnapshot is the per-allocated-device return value of "check
// device" (§4.E pre-run step 2).
type FeatureSnapshot struct {
	ControlID  string
	Type       string
	Dimensions map[string]string
}

// Snapshot captures the device's observable state for a check.
func (d *Device) Snapshot() FeatureSnapshot {
	return FeatureSnapshot{ControlID: d.ControlID, Type: d.Type, Dimensions: d.Dimensions()}
}

// OpCode is a device-reported post-test operation request.
type OpCode int

const (
	OpNone OpCode = iota
	OpReboot
)

// Allocation binds one test to one or more devices for the test's
// lifetime (§3). SessionID and Bus identify which session's event bus
// the executor must post TestStarting/TestStarted/TestEnding/TestEnded
// on, since a device runner and its executor are long-lived across many
// sessions while each session owns its own bus for plugin isolation.
type Allocation struct {
	SessionID string
	TestID    string
	JobID     string
	Devices   []*Device
	Bus       *events.Bus
}

// Outcome is what a test execution reports back to the owning runner.
type Outcome struct {
	Result        events.Result
	OperationCode OpCode
}

// Executor runs a single test on an allocated device set. Implemented by
// internal/testrunner; declared here as an interface to avoid an import
// cycle between device and testrunner.
type Executor interface {
	ExecuteTest(alloc Allocation) Outcome
}

// Killable lets an Executor support externally interrupting the in-flight
// ExecuteTest call identified by its job id. Executors that cannot be
// interrupted simply don't implement it.
type Killable interface {
	KillTest(jobID string, reason string) bool
}

// Checker performs a periodic device check, updating dimensions or
// returning an error that should be posted as a device error.
type Checker interface {
	Check(d *Device) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(d *Device) error

func (f CheckerFunc) Check(d *Device) error { return f(d) }

// ClassPolicy reports whether a device's class permits automatic reboot
// after an ERROR/TIMEOUT result.
type ClassPolicy interface {
	PermitsReboot(deviceType string) bool
}

// AlwaysPermitReboot is the default class policy used when no per-class
// policy is configured.
type AlwaysPermitReboot struct{}

func (AlwaysPermitReboot) PermitsReboot(string) bool { return true }
