package testrunner

import (
	"github.com/streamspace-dev/deviceorch/internal/device"
	"github.com/streamspace-dev/deviceorch/internal/events"
)

// NoOpHooks builds Hooks that succeed immediately without touching any
// real device, backing synthetic no-op devices (spec's `no_op_device_num`
// flag) so the full session/device/test machinery is exercisable without
// real test-device drivers.
func NoOpHooks() Hooks {
	return Hooks{
		CheckDevice: func(alloc device.Allocation) ([]device.FeatureSnapshot, error) {
			snaps := make([]device.FeatureSnapshot, len(alloc.Devices))
			for i, d := range alloc.Devices {
				snaps[i] = d.Snapshot()
			}
			return snaps, nil
		},
		PreRunTest: func(skip events.SkipSignal) (DriverFunc, []Decorator, error) {
			return func() error { return nil }, nil, nil
		},
		PostRunTest: func(result events.Result) (device.OpCode, error) {
			return device.OpNone, nil
		},
	}
}
