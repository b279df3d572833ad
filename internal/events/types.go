package events

import "time"

// Result mirrors the terminal result vocabulary shared by jobs and tests.
type Result int

const (
	ResultUnknown Result = iota
	ResultPass
	ResultFail
	ResultError
	ResultTimeout
	ResultSkip
)

func (r Result) String() string {
	switch r {
	case ResultPass:
		return "PASS"
	case ResultFail:
		return "FAIL"
	case ResultError:
		return "ERROR"
	case ResultTimeout:
		return "TIMEOUT"
	case ResultSkip:
		return "SKIP"
	default:
		return "UNKNOWN"
	}
}

// SkipSignal is the tagged result a subscriber returns in place of raising
// an exception (design note: "exceptions as control flow for skip-test").
// A zero-value SkipSignal (Present == false) means the subscriber did not
// vote to skip.
type SkipSignal struct {
	Present bool
	Result  Result
	Cause   string
}

// Aggregate folds a set of signals collected during a single event post
// into the decision the runner should act on. The first present signal
// wins; later ones are recorded but do not override it, matching the
// "aggregate such signals" contract without specifying a priority scheme
// beyond first-wins determinism under registration order.
func Aggregate(signals []SkipSignal) (SkipSignal, bool) {
	for _, s := range signals {
		if s.Present {
			return s, true
		}
	}
	return SkipSignal{}, false
}

// SessionStartingEvent is posted once, forward scope order, before a
// session's first job runs.
type SessionStartingEvent struct {
	SessionID string
	At        time.Time
}

// SessionStartedEvent is posted once the session has cleared the
// started-running gate.
type SessionStartedEvent struct {
	SessionID string
	At        time.Time
}

// SessionNotificationEvent carries a client-submitted notification,
// optionally addressed to a single plugin label.
type SessionNotificationEvent struct {
	SessionID    string
	PluginLabel  string // empty broadcasts to all plugins
	Payload      []byte
	At           time.Time
}

// SessionEndedEvent is always posted, even on failure, in reverse plugin
// registration order.
type SessionEndedEvent struct {
	SessionID string
	Err       error
	At        time.Time
}

// TestStartingEvent is posted in forward scope order before preRunTest.
type TestStartingEvent struct {
	SessionID string
	TestID    string
	JobID     string
}

// TestStartedEvent is posted after preRunTest, before driver execution.
type TestStartedEvent struct {
	SessionID string
	TestID    string
	JobID     string
}

// LocalDriverStartingEvent brackets driver invocation.
type LocalDriverStartingEvent struct {
	SessionID string
	TestID    string
}

// LocalDriverEndedEvent brackets driver invocation; Err is nil on success.
type LocalDriverEndedEvent struct {
	SessionID string
	TestID    string
	Err       error
}

// DecoratorPreForwardEvent is emitted by each driver decorator before it
// forwards the call to the next layer.
type DecoratorPreForwardEvent struct {
	SessionID     string
	TestID        string
	DecoratorName string
}

// DecoratorPostForwardEvent is emitted by each driver decorator after the
// forwarded call returns.
type DecoratorPostForwardEvent struct {
	SessionID     string
	TestID        string
	DecoratorName string
	Err           error
}

// TestEndingEvent is posted in reverse scope order as post-run begins.
type TestEndingEvent struct {
	SessionID string
	TestID    string
	Result    Result
}

// TestEndedEvent is the final per-test event, posted in reverse scope
// order after postRunTest and poster close.
type TestEndedEvent struct {
	SessionID string
	TestID    string
	Result    Result
}

// DeviceErrorEvent is posted internally when a periodic device check or a
// test fails in a way that may demote the device or trigger a reboot.
type DeviceErrorEvent struct {
	ControlID string
	Cause     error
}

// Subscriber is the fixed set of lifecycle hooks a plugin may observe.
// Methods that can veto driver execution return a SkipSignal; all others
// return nothing, matching the phases in which a skip-test signal is
// meaningful (before driver execution only).
type Subscriber interface {
	OnSessionStarting(e *SessionStartingEvent)
	OnSessionStarted(e *SessionStartedEvent)
	OnSessionNotification(e *SessionNotificationEvent)
	OnSessionEnded(e *SessionEndedEvent)

	OnTestStarting(e *TestStartingEvent) SkipSignal
	OnTestStarted(e *TestStartedEvent) SkipSignal
	OnLocalDriverStarting(e *LocalDriverStartingEvent) SkipSignal
	OnLocalDriverEnded(e *LocalDriverEndedEvent)
	OnDecoratorPreForward(e *DecoratorPreForwardEvent) SkipSignal
	OnDecoratorPostForward(e *DecoratorPostForwardEvent)
	OnTestEnding(e *TestEndingEvent) SkipSignal
	OnTestEnded(e *TestEndedEvent) SkipSignal

	OnDeviceError(e *DeviceErrorEvent)
}

// BaseSubscriber is a no-op implementation of Subscriber; plugins embed it
// and override only the hooks they care about.
type BaseSubscriber struct{}

func (BaseSubscriber) OnSessionStarting(*SessionStartingEvent)         {}
func (BaseSubscriber) OnSessionStarted(*SessionStartedEvent)           {}
func (BaseSubscriber) OnSessionNotification(*SessionNotificationEvent) {}
func (BaseSubscriber) OnSessionEnded(*SessionEndedEvent)               {}

func (BaseSubscriber) OnTestStarting(*TestStartingEvent) SkipSignal         { return SkipSignal{} }
func (BaseSubscriber) OnTestStarted(*TestStartedEvent) SkipSignal           { return SkipSignal{} }
func (BaseSubscriber) OnLocalDriverStarting(*LocalDriverStartingEvent) SkipSignal {
	return SkipSignal{}
}
func (BaseSubscriber) OnLocalDriverEnded(*LocalDriverEndedEvent)         {}
func (BaseSubscriber) OnDecoratorPreForward(*DecoratorPreForwardEvent) SkipSignal {
	return SkipSignal{}
}
func (BaseSubscriber) OnDecoratorPostForward(*DecoratorPostForwardEvent) {}
func (BaseSubscriber) OnTestEnding(*TestEndingEvent) SkipSignal          { return SkipSignal{} }
func (BaseSubscriber) OnTestEnded(*TestEndedEvent) SkipSignal            { return SkipSignal{} }

func (BaseSubscriber) OnDeviceError(*DeviceErrorEvent) {}
