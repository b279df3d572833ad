package plugin

import (
	"time"

	"github.com/rs/zerolog"
)

// Clock abstracts time so tests can control it; production code uses
// RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock delegates to the standard library.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }

// DeviceQuery is the narrow device-lookup capability plugins receive; the
// concrete implementation lives in internal/device and is injected here
// as an interface to avoid an import cycle.
type DeviceQuery interface {
	ControlIDs() []string
	Dimensions(controlID string) (map[string]string, bool)
}

// Publisher is the narrow notification capability plugins receive to
// re-publish session events externally; the concrete implementation lives
// in internal/notify.
type Publisher interface {
	Publish(subject string, payload []byte) error
}

// SessionInfo is the read-only session metadata exposed to plugins.
type SessionInfo struct {
	SessionID string
	Name      string
	Options   map[string]string
}

// DefaultContext is the explicit builder the plugin host constructs and
// passes to every factory, replacing dependency injection (design note).
type DefaultContext struct {
	Session       SessionInfo
	DeviceQuery   DeviceQuery
	ServerStarted time.Time
	GenDir        string
	TmpDir        string
	Clock         Clock
	Pool          *WorkerPool
	Notify        Publisher
	Logger        *zerolog.Logger
}
