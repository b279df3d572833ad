package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	BaseSubscriber
	calls  *[]string
	skip   SkipSignal
	skipOn string
	label  string
}

func (r *recordingSubscriber) OnTestStarting(e *TestStartingEvent) SkipSignal {
	*r.calls = append(*r.calls, "starting:"+r.label)
	if r.skipOn == "starting" {
		return r.skip
	}
	return SkipSignal{}
}

func (r *recordingSubscriber) OnTestStarted(e *TestStartedEvent) SkipSignal {
	*r.calls = append(*r.calls, "started")
	return SkipSignal{}
}

func (r *recordingSubscriber) OnSessionNotification(e *SessionNotificationEvent) {
	*r.calls = append(*r.calls, "notification")
}

func (r *recordingSubscriber) OnSessionEnded(e *SessionEndedEvent) {
	if r.label != "" {
		*r.calls = append(*r.calls, "ended:"+r.label)
		return
	}
	*r.calls = append(*r.calls, "ended")
}

func (r *recordingSubscriber) OnTestEnding(e *TestEndingEvent) SkipSignal {
	*r.calls = append(*r.calls, "ending:"+r.label)
	return SkipSignal{}
}

func (r *recordingSubscriber) OnTestEnded(e *TestEndedEvent) SkipSignal {
	*r.calls = append(*r.calls, "ended-test:"+r.label)
	return SkipSignal{}
}

type panickingSubscriber struct {
	BaseSubscriber
}

func (panickingSubscriber) OnTestStarting(*TestStartingEvent) SkipSignal {
	panic("boom")
}

func TestBus_ForwardOrderWithinScope(t *testing.T) {
	bus := NewBus()
	var calls []string
	a := &recordingSubscriber{calls: &calls, label: "a"}
	b := &recordingSubscriber{calls: &calls, label: "b"}
	bus.Register(ScopeInternalPlugin, "a", 1, a)
	bus.Register(ScopeInternalPlugin, "b", 2, b)

	bus.PostTestStarting(&TestStartingEvent{SessionID: "s1"})

	require.Len(t, calls, 2)
	assert.Equal(t, "starting:a", calls[0])
	assert.Equal(t, "starting:b", calls[1])
}

func TestBus_SkipSignalAggregated(t *testing.T) {
	bus := NewBus()
	var calls []string
	voter := &recordingSubscriber{calls: &calls, skipOn: "starting", skip: SkipSignal{Present: true, Result: ResultPass, Cause: "no-op"}}
	bus.Register(ScopeAPIPlugin, "voter", 1, voter)

	signal, ok := bus.PostTestStarting(&TestStartingEvent{SessionID: "s1"})
	require.True(t, ok)
	assert.Equal(t, ResultPass, signal.Result)
}

func TestBus_PanicIsolatedAndRecorded(t *testing.T) {
	bus := NewBus()
	var calls []string
	bus.Register(ScopeClassInternal, "bad", 1, panickingSubscriber{})
	good := &recordingSubscriber{calls: &calls}
	bus.Register(ScopeGlobalInternal, "good", 2, good)

	signal, ok := bus.PostTestStarting(&TestStartingEvent{SessionID: "s1"})
	assert.False(t, ok)
	assert.False(t, signal.Present)
	assert.Equal(t, []string{"starting:"}, calls)

	errs := bus.PluginErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, "bad", errs[0].Label)
	assert.Equal(t, "OnTestStarting", errs[0].Method)
}

func TestBus_SessionEndedReverseOrder(t *testing.T) {
	bus := NewBus()
	var order []string
	first := &recordingSubscriber{calls: &order, label: "first"}
	second := &recordingSubscriber{calls: &order, label: "second"}
	bus.Register(ScopeInternalPlugin, "first", 1, first)
	bus.Register(ScopeInternalPlugin, "second", 2, second)

	bus.PostSessionEnded(&SessionEndedEvent{SessionID: "s1"})

	require.Equal(t, []string{"ended:second", "ended:first"}, order)
}

func TestBus_SessionEndedReverseOrderAcrossScopes(t *testing.T) {
	bus := NewBus()
	var order []string
	inScope := &recordingSubscriber{calls: &order, label: "internal"}
	apiScope := &recordingSubscriber{calls: &order, label: "api"}
	bus.Register(ScopeInternalPlugin, "internal", 1, inScope)
	bus.Register(ScopeAPIPlugin, "api", 2, apiScope)

	bus.PostSessionEnded(&SessionEndedEvent{SessionID: "s1"})

	// Forward registration order is internal-plugin then api-plugin; ended
	// dispatch must reverse both the scope order and undo that sequence.
	require.Equal(t, []string{"ended:api", "ended:internal"}, order)
}

func TestBus_TestEndingAndEndedReverseWithinScope(t *testing.T) {
	bus := NewBus()
	var endingOrder, endedOrder []string
	first := &recordingSubscriber{calls: &endingOrder, label: "first"}
	second := &recordingSubscriber{calls: &endingOrder, label: "second"}
	bus.Register(ScopeAPIPlugin, "first", 1, first)
	bus.Register(ScopeAPIPlugin, "second", 2, second)

	bus.PostTestEnding(&TestEndingEvent{SessionID: "s1", TestID: "t1", Result: ResultPass})
	require.Equal(t, []string{"ending:second", "ending:first"}, endingOrder)

	firstEnded := &recordingSubscriber{calls: &endedOrder, label: "first"}
	secondEnded := &recordingSubscriber{calls: &endedOrder, label: "second"}
	bus2 := NewBus()
	bus2.Register(ScopeAPIPlugin, "first", 1, firstEnded)
	bus2.Register(ScopeAPIPlugin, "second", 2, secondEnded)
	bus2.PostTestEnded(&TestEndedEvent{SessionID: "s1", TestID: "t1", Result: ResultPass})
	require.Equal(t, []string{"ended-test:second", "ended-test:first"}, endedOrder)
}

func TestBus_NotificationLabelFilter(t *testing.T) {
	bus := NewBus()
	var aCalls, bCalls []string
	a := &recordingSubscriber{calls: &aCalls}
	b := &recordingSubscriber{calls: &bCalls}
	bus.Register(ScopeAPIPlugin, "A", 1, a)
	bus.Register(ScopeAPIPlugin, "B", 2, b)

	bus.PostSessionNotification(&SessionNotificationEvent{SessionID: "s1", PluginLabel: "B"})

	assert.Empty(t, aCalls)
	assert.Equal(t, []string{"notification"}, bCalls)

	bus.PostSessionNotification(&SessionNotificationEvent{SessionID: "s1"})
	assert.Equal(t, []string{"notification"}, aCalls)
	assert.Equal(t, []string{"notification", "notification"}, bCalls)
}

func TestBus_UnregisterLabel(t *testing.T) {
	bus := NewBus()
	var calls []string
	sub := &recordingSubscriber{calls: &calls}
	bus.Register(ScopeInternalPlugin, "label", 1, sub)
	bus.UnregisterLabel("label")

	bus.PostTestStarting(&TestStartingEvent{SessionID: "s1"})
	assert.Empty(t, calls)
}
