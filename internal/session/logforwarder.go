package session

import (
	"fmt"

	"github.com/streamspace-dev/deviceorch/internal/events"
)

// logForwarder turns test lifecycle events into plain-text log lines for
// the external interface shim's SubscribeLogRecords stream.
type logForwarder struct {
	events.BaseSubscriber
	sessionID string
	sink      LogSink
}

func (f *logForwarder) OnTestStarting(e *events.TestStartingEvent) events.SkipSignal {
	f.sink.PublishLog(f.sessionID, e.TestID, fmt.Sprintf("test %s starting on job %s", e.TestID, e.JobID))
	return events.SkipSignal{}
}

func (f *logForwarder) OnTestEnded(e *events.TestEndedEvent) events.SkipSignal {
	f.sink.PublishLog(f.sessionID, e.TestID, fmt.Sprintf("test %s ended: %s", e.TestID, e.Result))
	return events.SkipSignal{}
}

func (f *logForwarder) OnDeviceError(e *events.DeviceErrorEvent) {
	f.sink.PublishLog(f.sessionID, "", fmt.Sprintf("device %s error: %v", e.ControlID, e.Cause))
}
