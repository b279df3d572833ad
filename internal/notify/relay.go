package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/streamspace-dev/deviceorch/internal/events"
	"github.com/streamspace-dev/deviceorch/internal/logger"
	"github.com/streamspace-dev/deviceorch/internal/persist"
)

// Relay subscribes to one session's event bus and republishes lifecycle
// events to an external Publisher, decoupling plugin-visible dispatch
// (internal/events) from the audit/log fan-out external consumers watch.
// It also drives the persisted-status transitions named in §6: SESSION_
// STARTED on SessionStartedEvent, SESSION_ENDED on SessionEndedEvent.
type Relay struct {
	events.BaseSubscriber
	pub       Publisher
	store     persist.Store
	ctx       context.Context
	sessionID string
}

// NewRelay builds a relay for one session. pub and store may each be nil;
// a nil pub discards publishes, a nil store skips persistence.
func NewRelay(pub Publisher, store persist.Store, ctx context.Context, sessionID string) *Relay {
	if pub == nil {
		pub = NoopPublisher{}
	}
	return &Relay{pub: pub, store: store, ctx: ctx, sessionID: sessionID}
}

type wireEvent struct {
	SessionID string    `json:"session_id"`
	TestID    string    `json:"test_id,omitempty"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}

func (r *Relay) OnSessionStarted(e *events.SessionStartedEvent) {
	r.publish(SubjectSessionStarted, wireEvent{SessionID: e.SessionID, At: e.At})
	if r.store != nil {
		if err := r.store.RecordStarted(r.ctx, r.sessionID); err != nil {
			logger.Component("notify").Warn().Str("session_id", r.sessionID).Err(err).Msg("persist started failed")
		}
	}
}

func (r *Relay) OnSessionEnded(e *events.SessionEndedEvent) {
	w := wireEvent{SessionID: e.SessionID, At: e.At}
	outcome := "FINISHED"
	if e.Err != nil {
		w.Error = e.Err.Error()
		outcome = "FAILED"
	}
	r.publish(SubjectSessionEnded, w)
	if r.store != nil {
		if err := r.store.RecordEnded(r.ctx, r.sessionID, outcome); err != nil {
			logger.Component("notify").Warn().Str("session_id", r.sessionID).Err(err).Msg("persist ended failed")
		}
	}
}

func (r *Relay) OnTestStarted(e *events.TestStartedEvent) events.SkipSignal {
	r.publish(SubjectTestStarted, wireEvent{SessionID: e.SessionID, TestID: e.TestID})
	return events.SkipSignal{}
}

func (r *Relay) OnTestEnded(e *events.TestEndedEvent) events.SkipSignal {
	r.publish(SubjectTestEnded, wireEvent{SessionID: e.SessionID, TestID: e.TestID})
	return events.SkipSignal{}
}

func (r *Relay) publish(subject string, w wireEvent) {
	payload, err := json.Marshal(w)
	if err != nil {
		return
	}
	r.pub.Publish(subject, payload)
}
