// Package events implements the orchestration core's scoped event bus:
// ordered, synchronous, per-subscriber-isolated dispatch across a fixed
// set of scopes, plus a side channel for skip-test signals and plugin
// error recording (design notes: tagged result instead of exceptions,
// explicit id instead of identity hash).
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/streamspace-dev/deviceorch/internal/logger"
)

// PluginError records a subscriber failure observed during dispatch,
// without ever propagating it to the caller of Post*.
type PluginError struct {
	Label        string
	SubscriberID uint64
	Method       string
	EventType    string
	Cause        error
	At           time.Time
}

type registration struct {
	scope        Scope
	label        string
	subscriberID uint64
	subscriber   Subscriber
}

// Bus is the scoped, ordered subscriber registry. The zero value is not
// usable; construct with NewBus.
type Bus struct {
	mu      sync.RWMutex
	byScope map[Scope][]*registration

	errMu  sync.Mutex
	errors []PluginError
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{
		byScope: make(map[Scope][]*registration),
	}
}

// Register adds a subscriber to a scope. Registration order within a
// scope is preserved and drives forward/reverse dispatch order.
func (b *Bus) Register(scope Scope, label string, subscriberID uint64, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byScope[scope] = append(b.byScope[scope], &registration{
		scope:        scope,
		label:        label,
		subscriberID: subscriberID,
		subscriber:   sub,
	})
}

// UnregisterLabel removes every registration for a plugin label across
// all scopes, used when a plugin's resources are closed.
func (b *Bus) UnregisterLabel(label string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for scope, regs := range b.byScope {
		kept := regs[:0]
		for _, r := range regs {
			if r.label != label {
				kept = append(kept, r)
			}
		}
		b.byScope[scope] = kept
	}
}

// PluginErrors returns a snapshot of every recorded subscriber failure.
func (b *Bus) PluginErrors() []PluginError {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	out := make([]PluginError, len(b.errors))
	copy(out, b.errors)
	return out
}

func (b *Bus) recordError(r *registration, method, eventType string, cause error) {
	b.errMu.Lock()
	b.errors = append(b.errors, PluginError{
		Label:        r.label,
		SubscriberID: r.subscriberID,
		Method:       method,
		EventType:    eventType,
		Cause:        cause,
		At:           time.Now(),
	})
	b.errMu.Unlock()
	logger.Component("events").Warn().
		Str("plugin_label", r.label).
		Uint64("subscriber_id", r.subscriberID).
		Str("method", method).
		Str("event_type", eventType).
		Err(cause).
		Msg("subscriber error isolated, continuing dispatch")
}

type call func(sub Subscriber) SkipSignal

// invoke calls fn on a single subscriber, recovering from panics and
// recording them as plugin errors so dispatch can continue.
func (b *Bus) invoke(r *registration, method, eventType string, fn call) (skip SkipSignal) {
	defer func() {
		if rec := recover(); rec != nil {
			b.recordError(r, method, eventType, fmt.Errorf("panic: %v", rec))
			skip = SkipSignal{}
		}
	}()
	return fn(r.subscriber)
}

func (b *Bus) snapshot(scope Scope) []*registration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	regs := b.byScope[scope]
	out := make([]*registration, len(regs))
	copy(out, regs)
	return out
}

// dispatch visits scopes in forward order, invoking fn on every subscriber
// in registration order within each scope, and collects any skip signals
// raised.
func (b *Bus) dispatch(order []Scope, method, eventType string, fn call) []SkipSignal {
	return b.dispatchFiltered(order, method, eventType, nil, fn)
}

// dispatchFiltered is dispatch restricted to subscribers whose label
// satisfies keep (nil means no restriction).
func (b *Bus) dispatchFiltered(order []Scope, method, eventType string, keep func(label string) bool, fn call) []SkipSignal {
	var skips []SkipSignal
	for _, scope := range order {
		for _, r := range b.snapshot(scope) {
			if keep != nil && !keep(r.label) {
				continue
			}
			if skip := b.invoke(r, method, eventType, fn); skip.Present {
				skips = append(skips, skip)
			}
		}
	}
	return skips
}

// dispatchReverse visits scopes in ReverseOrder() and, within each scope,
// visits subscribers in the reverse of their registration order, so that a
// single post-driver event undoes exactly the order forward dispatch built
// up (invariant 7: reverse applies to subscriber order, not just scopes).
func (b *Bus) dispatchReverse(method, eventType string, fn call) []SkipSignal {
	var skips []SkipSignal
	for _, scope := range ReverseOrder() {
		regs := b.snapshot(scope)
		for i := len(regs) - 1; i >= 0; i-- {
			if skip := b.invoke(regs[i], method, eventType, fn); skip.Present {
				skips = append(skips, skip)
			}
		}
	}
	return skips
}

// dispatchPostDriver is used for events posted after driver execution;
// skip signals are still observed (for the warning) but never acted on,
// since the test result can no longer change.
func (b *Bus) dispatchPostDriver(skips []SkipSignal, eventType string) {
	log := logger.Component("events")
	for _, skip := range skips {
		log.Warn().Str("event_type", eventType).Str("cause", skip.Cause).
			Msg("skip-test signal ignored: raised after driver execution")
	}
}

// PostSessionStarting fans out in forward scope order.
func (b *Bus) PostSessionStarting(e *SessionStartingEvent) {
	b.dispatch(ForwardOrder, "OnSessionStarting", "SessionStartingEvent", func(s Subscriber) SkipSignal {
		s.OnSessionStarting(e)
		return SkipSignal{}
	})
}

// PostSessionStarted fans out in forward scope order (plugin registration
// order per invariant 7).
func (b *Bus) PostSessionStarted(e *SessionStartedEvent) {
	b.dispatch(ForwardOrder, "OnSessionStarted", "SessionStartedEvent", func(s Subscriber) SkipSignal {
		s.OnSessionStarted(e)
		return SkipSignal{}
	})
}

// PostSessionNotification delivers to all subscribers, or only to the one
// whose label matches e.PluginLabel when set (§6 "a missing label
// broadcasts to all plugins").
func (b *Bus) PostSessionNotification(e *SessionNotificationEvent) {
	var keep func(label string) bool
	if e.PluginLabel != "" {
		keep = func(label string) bool { return label == e.PluginLabel }
	}
	b.dispatchFiltered(ForwardOrder, "OnSessionNotification", "SessionNotificationEvent", keep, func(s Subscriber) SkipSignal {
		s.OnSessionNotification(e)
		return SkipSignal{}
	})
}

// PostSessionEnded fans out in reverse plugin registration order
// (invariant 7) and is always called, even on failure.
func (b *Bus) PostSessionEnded(e *SessionEndedEvent) {
	b.dispatchReverse("OnSessionEnded", "SessionEndedEvent", func(s Subscriber) SkipSignal {
		s.OnSessionEnded(e)
		return SkipSignal{}
	})
}

// PostTestStarting fans out forward and aggregates skip signals.
func (b *Bus) PostTestStarting(e *TestStartingEvent) (SkipSignal, bool) {
	skips := b.dispatch(ForwardOrder, "OnTestStarting", "TestStartingEvent", func(s Subscriber) SkipSignal {
		return s.OnTestStarting(e)
	})
	return Aggregate(skips)
}

// PostTestStarted fans out forward and aggregates skip signals.
func (b *Bus) PostTestStarted(e *TestStartedEvent) (SkipSignal, bool) {
	skips := b.dispatch(ForwardOrder, "OnTestStarted", "TestStartedEvent", func(s Subscriber) SkipSignal {
		return s.OnTestStarted(e)
	})
	return Aggregate(skips)
}

// PostLocalDriverStarting fans out forward and aggregates skip signals.
func (b *Bus) PostLocalDriverStarting(e *LocalDriverStartingEvent) (SkipSignal, bool) {
	skips := b.dispatch(ForwardOrder, "OnLocalDriverStarting", "LocalDriverStartingEvent", func(s Subscriber) SkipSignal {
		return s.OnLocalDriverStarting(e)
	})
	return Aggregate(skips)
}

// PostLocalDriverEnded fans out forward; no skip is possible once the
// driver has already run.
func (b *Bus) PostLocalDriverEnded(e *LocalDriverEndedEvent) {
	skips := b.dispatch(ForwardOrder, "OnLocalDriverEnded", "LocalDriverEndedEvent", func(s Subscriber) SkipSignal {
		s.OnLocalDriverEnded(e)
		return SkipSignal{}
	})
	b.dispatchPostDriver(skips, "LocalDriverEndedEvent")
}

// PostDecoratorPreForward fans out forward and aggregates skip signals.
func (b *Bus) PostDecoratorPreForward(e *DecoratorPreForwardEvent) (SkipSignal, bool) {
	skips := b.dispatch(ForwardOrder, "OnDecoratorPreForward", "DecoratorPreForwardEvent", func(s Subscriber) SkipSignal {
		return s.OnDecoratorPreForward(e)
	})
	return Aggregate(skips)
}

// PostDecoratorPostForward fans out forward; skip is no longer actionable.
func (b *Bus) PostDecoratorPostForward(e *DecoratorPostForwardEvent) {
	skips := b.dispatch(ForwardOrder, "OnDecoratorPostForward", "DecoratorPostForwardEvent", func(s Subscriber) SkipSignal {
		s.OnDecoratorPostForward(e)
		return SkipSignal{}
	})
	b.dispatchPostDriver(skips, "DecoratorPostForwardEvent")
}

// PostTestEnding fans out in reverse subscriber order (invariant 7); any
// skip signal raised here is ignored with a warning (driver already ran).
func (b *Bus) PostTestEnding(e *TestEndingEvent) {
	skips := b.dispatchReverse("OnTestEnding", "TestEndingEvent", func(s Subscriber) SkipSignal {
		return s.OnTestEnding(e)
	})
	b.dispatchPostDriver(skips, "TestEndingEvent")
}

// PostTestEnded fans out in reverse subscriber order (invariant 7); any
// skip signal raised here is ignored with a warning.
func (b *Bus) PostTestEnded(e *TestEndedEvent) {
	skips := b.dispatchReverse("OnTestEnded", "TestEndedEvent", func(s Subscriber) SkipSignal {
		return s.OnTestEnded(e)
	})
	b.dispatchPostDriver(skips, "TestEndedEvent")
}

// PostDeviceError fans out forward; device errors are observational only.
func (b *Bus) PostDeviceError(e *DeviceErrorEvent) {
	b.dispatch(ForwardOrder, "OnDeviceError", "DeviceErrorEvent", func(s Subscriber) SkipSignal {
		s.OnDeviceError(e)
		return SkipSignal{}
	})
}
