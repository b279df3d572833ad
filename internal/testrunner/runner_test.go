package testrunner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/deviceorch/internal/device"
	"github.com/streamspace-dev/deviceorch/internal/events"
)

type vetoSubscriber struct {
	events.BaseSubscriber
	skip events.SkipSignal
}

func (v vetoSubscriber) OnTestStarting(*events.TestStartingEvent) events.SkipSignal { return v.skip }

type recordingDecoratorSubscriber struct {
	events.BaseSubscriber
	order *[]string
}

func (r recordingDecoratorSubscriber) OnDecoratorPreForward(e *events.DecoratorPreForwardEvent) events.SkipSignal {
	*r.order = append(*r.order, "pre:"+e.DecoratorName)
	return events.SkipSignal{}
}

func (r recordingDecoratorSubscriber) OnDecoratorPostForward(e *events.DecoratorPostForwardEvent) {
	*r.order = append(*r.order, "post:"+e.DecoratorName)
}

func passingHooks() Hooks {
	return Hooks{
		PreRunTest: func(events.SkipSignal) (DriverFunc, []Decorator, error) {
			return func() error { return nil }, nil, nil
		},
		PostRunTest: func(events.Result) (device.OpCode, error) {
			return device.OpNone, nil
		},
	}
}

func TestRunner_PassingDriverYieldsPass(t *testing.T) {
	bus := events.NewBus()
	r := NewRunner(bus, passingHooks())

	ex := r.Start(context.Background(), Request{TestID: "t1"})
	out := ex.Wait()
	assert.Equal(t, events.ResultPass, out.Result)
	assert.Empty(t, out.Warnings)
}

func TestRunner_PluginSkipBeforeDriverShortCircuits(t *testing.T) {
	bus := events.NewBus()
	bus.Register(events.ScopeGlobalInternal, "vetoer", 1,
		vetoSubscriber{skip: events.SkipSignal{Present: true, Result: events.ResultSkip, Cause: "not applicable"}})

	driverCalled := false
	hooks := Hooks{
		PreRunTest: func(events.SkipSignal) (DriverFunc, []Decorator, error) {
			return func() error { driverCalled = true; return nil }, nil, nil
		},
	}
	r := NewRunner(bus, hooks)

	ex := r.Start(context.Background(), Request{TestID: "t2"})
	out := ex.Wait()
	assert.Equal(t, events.ResultSkip, out.Result)
	assert.False(t, driverCalled, "driver must not run once a pre-driver skip signal is present")
}

func TestRunner_TimerExpiryClassifiesAsTimeout(t *testing.T) {
	bus := events.NewBus()
	block := make(chan struct{})
	hooks := Hooks{
		PreRunTest: func(events.SkipSignal) (DriverFunc, []Decorator, error) {
			return func() error { <-block; return nil }, nil, nil
		},
	}
	r := NewRunner(bus, hooks)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ex := r.Start(ctx, Request{TestID: "t3"})
	out := ex.Wait()
	close(block)
	assert.Equal(t, events.ResultTimeout, out.Result)
}

func TestRunner_KillDuringDriverYieldsError(t *testing.T) {
	bus := events.NewBus()
	block := make(chan struct{})
	hooks := Hooks{
		PreRunTest: func(events.SkipSignal) (DriverFunc, []Decorator, error) {
			return func() error { <-block; return nil }, nil, nil
		},
	}
	r := NewRunner(bus, hooks)

	ex := r.Start(context.Background(), Request{TestID: "t4"})
	ex.Kill(ReasonUserKill)
	out := ex.Wait()
	close(block)
	assert.Equal(t, events.ResultError, out.Result)
}

func TestRunner_KillOnlyActsOnFirstCall(t *testing.T) {
	bus := events.NewBus()
	block := make(chan struct{})
	hooks := Hooks{
		PreRunTest: func(events.SkipSignal) (DriverFunc, []Decorator, error) {
			return func() error { <-block; return nil }, nil, nil
		},
	}
	r := NewRunner(bus, hooks)
	ex := r.Start(context.Background(), Request{TestID: "t5"})
	ex.Kill(ReasonUserKill)
	ex.Kill(ReasonDeviceDisconnect) // ignored, channel already delivered/closed-over
	out := ex.Wait()
	close(block)
	assert.Equal(t, events.ResultError, out.Result)
}

func TestRunner_DriverErrorYieldsError(t *testing.T) {
	bus := events.NewBus()
	hooks := Hooks{
		PreRunTest: func(events.SkipSignal) (DriverFunc, []Decorator, error) {
			return func() error { return errors.New("driver failed") }, nil, nil
		},
	}
	r := NewRunner(bus, hooks)
	out := r.Start(context.Background(), Request{TestID: "t6"}).Wait()
	assert.Equal(t, events.ResultError, out.Result)
}

func TestRunner_NoDriverFinalizesUnknownAsErrorWithWarning(t *testing.T) {
	bus := events.NewBus()
	r := NewRunner(bus, Hooks{})
	out := r.Start(context.Background(), Request{TestID: "t7"}).Wait()
	assert.Equal(t, events.ResultError, out.Result)
	assert.Contains(t, out.Warnings, "finished-without-result")
}

func TestRunner_DecoratorsForwardOutermostFirst(t *testing.T) {
	bus := events.NewBus()
	var order []string
	bus.Register(events.ScopeGlobalInternal, "rec", 1, recordingDecoratorSubscriber{order: &order})

	hooks := Hooks{
		PreRunTest: func(events.SkipSignal) (DriverFunc, []Decorator, error) {
			driver := func() error { order = append(order, "driver"); return nil }
			decorators := []Decorator{
				{Name: "outer", Wrap: func(next DriverFunc) error { return next() }},
				{Name: "inner", Wrap: func(next DriverFunc) error { return next() }},
			}
			return driver, decorators, nil
		},
	}
	r := NewRunner(bus, hooks)
	out := r.Start(context.Background(), Request{TestID: "t8"}).Wait()
	require.Equal(t, events.ResultPass, out.Result)
	assert.Equal(t, []string{"pre:outer", "pre:inner", "driver", "post:inner", "post:outer"}, order)
}

func TestRunner_ExecuteTestSatisfiesDeviceExecutor(t *testing.T) {
	bus := events.NewBus()
	r := NewRunner(bus, passingHooks())
	var _ device.Executor = r

	out := r.ExecuteTest(device.Allocation{TestID: "t9"})
	assert.Equal(t, events.ResultPass, out.Result)
}

func TestRunner_PostEventPluginErrorAddsWarning(t *testing.T) {
	bus := events.NewBus()
	bus.Register(events.ScopeGlobalInternal, "panics", 1, panickyEndSubscriber{})
	r := NewRunner(bus, passingHooks())

	out := r.Start(context.Background(), Request{TestID: "t10"}).Wait()
	assert.Equal(t, events.ResultPass, out.Result)
	assert.Contains(t, out.Warnings, "post-event-plugin-error")
}

type panickyEndSubscriber struct {
	events.BaseSubscriber
}

func (panickyEndSubscriber) OnTestEnding(*events.TestEndingEvent) events.SkipSignal {
	panic("boom")
}
