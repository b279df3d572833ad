package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/deviceorch/internal/apperrors"
	"github.com/streamspace-dev/deviceorch/internal/device"
	"github.com/streamspace-dev/deviceorch/internal/device/arbiter"
	"github.com/streamspace-dev/deviceorch/internal/events"
	"github.com/streamspace-dev/deviceorch/internal/ids"
	"github.com/streamspace-dev/deviceorch/internal/persist"
	"github.com/streamspace-dev/deviceorch/internal/plugin"
	"github.com/streamspace-dev/deviceorch/internal/testrunner"
)

// noDeviceSelector never has an idle device: a session with zero tests
// finishes its job loop immediately regardless, while a session with a
// test configured against it blocks forever, letting manager tests hold
// a session open for the duration of their assertions.
type noDeviceSelector struct{}

func (noDeviceSelector) SelectRunner(device.SelectionCriteria) (*device.Runner, bool) {
	return nil, false
}

func (noDeviceSelector) ControlIDs() []string                        { return nil }
func (noDeviceSelector) Dimensions(string) (map[string]string, bool) { return nil, false }

func testDeps(t *testing.T, registry *plugin.Registry) RunnerDeps {
	t.Helper()
	return RunnerDeps{
		Devices:  noDeviceSelector{},
		Registry: registry,
		Alloc:    ids.NewAllocator(),
		BaseDir:  t.TempDir(),
		Poll:     time.Millisecond,
	}
}

func runToCompletion(t *testing.T, r *Runner) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go r.Run(ctx)
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("session runner did not finish")
	}
	return r.Snapshot()
}

func TestRunner_NoTestsFinishesAndAlwaysFiresEnded(t *testing.T) {
	bus := events.NewBus()
	var ended bool
	bus.Register(events.ScopeGlobalInternal, "watcher", 1, &endWatcher{onEnded: func() { ended = true }})

	cfg := Config{Name: "empty-session"}
	r := NewRunner("s1", cfg, testDeps(t, plugin.NewRegistry()), bus, NewStartedGate(1))

	snap := runToCompletion(t, r)
	assert.Equal(t, StatusFinished, snap.Status)
	assert.NoError(t, snap.RunnerError)
	assert.True(t, ended)
}

func TestRunner_PluginRegistrationAndNotification(t *testing.T) {
	registry := plugin.NewRegistry()
	received := make(chan []byte, 1)
	registry.Register("echo", func(ctx *plugin.DefaultContext, cfg plugin.ExecutionConfig) (events.Subscriber, plugin.Closer, error) {
		return &notifyEchoSubscriber{out: received}, nil, nil
	})

	bus := events.NewBus()
	cfg := Config{
		Name:    "notify-session",
		Plugins: []plugin.Config{{ClassName: "echo", Label: "echo-1"}},
		// A test pinned to a device type noDeviceSelector never grants
		// keeps the job loop (and thus the session) alive long enough to
		// exercise notification delivery without racing session teardown.
		Tests: []TestSpec{{TestID: "t1", DeviceType: "unobtainium"}},
	}
	r := NewRunner("s2", cfg, testDeps(t, registry), bus, NewStartedGate(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go r.Run(ctx)

	require.Eventually(t, func() bool {
		return r.NotifySession(Notification{PluginLabel: "echo-1", Payload: []byte("hello")})
	}, time.Second, time.Millisecond)

	select {
	case payload := <-received:
		assert.Equal(t, []byte("hello"), payload)
	case <-time.After(time.Second):
		t.Fatal("notification never reached plugin")
	}
}

func TestRunner_DuplicatePluginLabelFailsBeforeQueueingInManager(t *testing.T) {
	cfgs := []plugin.Config{{ClassName: "a", Label: "dup"}, {ClassName: "b", Label: "dup"}}
	err := validatePluginLabels(cfgs)
	require.Error(t, err)
}

func TestRunner_AbortDuringGateWaitReleasesWithoutStarting(t *testing.T) {
	bus := events.NewBus()
	gate := NewStartedGate(1)
	require.True(t, gate.Acquire(func() bool { return false })) // occupy the only slot

	cfg := Config{Name: "blocked-session"}
	r := NewRunner("s3", cfg, testDeps(t, plugin.NewRegistry()), bus, gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go r.Run(ctx)

	require.Eventually(t, func() bool {
		return r.Snapshot().Status == StatusSubmitted
	}, time.Second, time.Millisecond, "runner should still be waiting on the gate")

	r.Abort()

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("aborted session never finished")
	}
	snap := r.Snapshot()
	require.Error(t, snap.RunnerError)
	appErr, ok := snap.RunnerError.(*apperrors.AppError)
	require.True(t, ok, "runner error should be a classified AppError")
	assert.Equal(t, apperrors.ErrCodeSessionAbortedWhenQueueing, appErr.Code)
	gate.Release()
}

// TestRunner_ResumedSessionSkipsStartingAndStartedEvents grounds the §6
// persisted-state resumption rule: a session whose Store record already
// shows SESSION_STARTED does not re-emit SessionStartingEvent or
// SessionStartedEvent, and reloads its job list from the record instead
// of rebuilding it from cfg.Tests.
func TestRunner_ResumedSessionSkipsStartingAndStartedEvents(t *testing.T) {
	store := persist.NewMemoryStore()
	pctx := context.Background()
	require.NoError(t, store.RecordSubmitted(pctx, "s6", "resumed"))
	require.NoError(t, store.RecordJobs(pctx, "s6", []persist.JobRecord{
		{ID: "reloaded-job", TestID: "t-reloaded", DeviceType: "phone"},
	}))
	require.NoError(t, store.RecordStarted(pctx, "s6"))

	bus := events.NewBus()
	var startingCount, startedCount int32
	bus.Register(events.ScopeGlobalInternal, "watcher", 1, &startWatcher{
		onStarting: func() { atomic.AddInt32(&startingCount, 1) },
		onStarted:  func() { atomic.AddInt32(&startedCount, 1) },
	})

	hooks := testrunner.Hooks{
		PreRunTest:  func(events.SkipSignal) (testrunner.DriverFunc, []testrunner.Decorator, error) { return func() error { return nil }, nil, nil },
		PostRunTest: func(events.Result) (device.OpCode, error) { return device.OpNone, nil },
	}
	exec := testrunner.NewRunner(bus, hooks)
	d := device.NewDevice("dev-resume", "phone")
	devCfg := device.RunnerConfig{
		CheckInterval:      time.Millisecond,
		IdleSleep:          time.Millisecond,
		ReservationTimeout: 50 * time.Millisecond,
		WatchdogExpiry:     time.Hour,
		CancelInterrupt:    time.Second,
		TearDownExpiry:     time.Second,
	}
	devRunner := device.NewRunner(d, arbiter.NewLocal(), nil, exec, device.AlwaysPermitReboot{}, nil, bus, devCfg, nil)
	devCtx, devCancel := context.WithCancel(context.Background())
	defer devCancel()
	go devRunner.Run(devCtx)

	// cfg.Tests intentionally differs from the persisted job list: a
	// resumed session must use the reloaded jobs, not rebuild from cfg.
	cfg := Config{Name: "resumed", Tests: []TestSpec{{TestID: "t-fresh", DeviceType: "phone"}, {TestID: "t-fresh-2", DeviceType: "phone"}}}
	deps := testDeps(t, plugin.NewRegistry())
	deps.Store = store
	deps.Devices = &singleRunnerSelector{runner: devRunner}
	r := NewRunner("s6", cfg, deps, bus, NewStartedGate(1))

	snap := runToCompletion(t, r)
	assert.Equal(t, StatusFinished, snap.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&startingCount), "resumed session must not re-emit SessionStartingEvent")
	assert.Equal(t, int32(0), atomic.LoadInt32(&startedCount), "resumed session must not re-emit SessionStartedEvent")
	require.Len(t, snap.JobResults, 1, "resumed session should reload its one persisted job, not cfg.Tests' two jobs")
}

type startWatcher struct {
	events.BaseSubscriber
	onStarting func()
	onStarted  func()
}

func (w *startWatcher) OnSessionStarting(*events.SessionStartingEvent) { w.onStarting() }
func (w *startWatcher) OnSessionStarted(*events.SessionStartedEvent)   { w.onStarted() }

// TestRunner_NotificationReachesOnlyMatchingLabel grounds end-to-end
// scenario 6: a session with plugins "a" and "b" routes a labelled
// notification to only the matching plugin, and an unlabelled one to both.
func TestRunner_NotificationReachesOnlyMatchingLabel(t *testing.T) {
	registry := plugin.NewRegistry()
	aOut := make(chan []byte, 2)
	bOut := make(chan []byte, 2)
	registry.Register("recorder-a", func(*plugin.DefaultContext, plugin.ExecutionConfig) (events.Subscriber, plugin.Closer, error) {
		return &notifyEchoSubscriber{out: aOut}, nil, nil
	})
	registry.Register("recorder-b", func(*plugin.DefaultContext, plugin.ExecutionConfig) (events.Subscriber, plugin.Closer, error) {
		return &notifyEchoSubscriber{out: bOut}, nil, nil
	})

	bus := events.NewBus()
	cfg := Config{
		Name: "labelled-notify",
		Plugins: []plugin.Config{
			{ClassName: "recorder-a", Label: "a"},
			{ClassName: "recorder-b", Label: "b"},
		},
		Tests: []TestSpec{{TestID: "t1", DeviceType: "unobtainium"}},
	}
	r := NewRunner("s4", cfg, testDeps(t, registry), bus, NewStartedGate(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go r.Run(ctx)

	require.Eventually(t, func() bool {
		return r.NotifySession(Notification{PluginLabel: "b", Payload: []byte("to-b")})
	}, time.Second, time.Millisecond)

	select {
	case payload := <-bOut:
		assert.Equal(t, []byte("to-b"), payload)
	case <-time.After(time.Second):
		t.Fatal("labelled notification never reached plugin b")
	}
	select {
	case payload := <-aOut:
		t.Fatalf("plugin a should not have received the b-labelled notification, got %q", payload)
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, r.NotifySession(Notification{Payload: []byte("to-both")}))

	for name, ch := range map[string]chan []byte{"a": aOut, "b": bOut} {
		select {
		case payload := <-ch:
			assert.Equal(t, []byte("to-both"), payload)
		case <-time.After(time.Second):
			t.Fatalf("unlabelled notification never reached plugin %s", name)
		}
	}
}

// TestRunner_PluginVetoSkipsDriverButStillEndsSession grounds end-to-end
// scenario 2: a plugin raising skip-test(PASS) from TestStarting
// short-circuits the driver but the session still finishes and still
// fires SessionEndedEvent. Wires a real device.Runner and testrunner.Runner
// on the session's own bus, exactly as the job-runner loop does in
// production (runJobLoop's AttachTestAwait), so the veto is observed
// through the same path a real test would take.
func TestRunner_PluginVetoSkipsDriverButStillEndsSession(t *testing.T) {
	bus := events.NewBus()
	var ended bool
	bus.Register(events.ScopeGlobalInternal, "watcher", 1, &endWatcher{onEnded: func() { ended = true }})

	registry := plugin.NewRegistry()
	registry.Register("skip-on-start", func(*plugin.DefaultContext, plugin.ExecutionConfig) (events.Subscriber, plugin.Closer, error) {
		return &skipOnStartSubscriber{result: events.ResultPass, cause: "no-op"}, nil, nil
	})

	var driverCalls int32
	hooks := testrunner.Hooks{
		PreRunTest: func(events.SkipSignal) (testrunner.DriverFunc, []testrunner.Decorator, error) {
			return func() error { atomic.AddInt32(&driverCalls, 1); return nil }, nil, nil
		},
		PostRunTest: func(events.Result) (device.OpCode, error) { return device.OpNone, nil },
	}
	exec := testrunner.NewRunner(bus, hooks)

	d := device.NewDevice("dev-veto", "phone")
	devCfg := device.RunnerConfig{
		CheckInterval:      time.Millisecond,
		IdleSleep:          time.Millisecond,
		ReservationTimeout: 50 * time.Millisecond,
		WatchdogExpiry:     time.Hour,
		CancelInterrupt:    time.Second,
		TearDownExpiry:     time.Second,
	}
	devRunner := device.NewRunner(d, arbiter.NewLocal(), nil, exec, device.AlwaysPermitReboot{}, nil, bus, devCfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go devRunner.Run(ctx)

	deps := testDeps(t, registry)
	deps.Devices = &singleRunnerSelector{runner: devRunner}

	cfg := Config{
		Name:    "veto-session",
		Plugins: []plugin.Config{{ClassName: "skip-on-start", Label: "veto"}},
		Tests:   []TestSpec{{TestID: "t1", DeviceType: "phone"}},
	}
	r := NewRunner("s5", cfg, deps, bus, NewStartedGate(1))

	snap := runToCompletion(t, r)
	assert.Equal(t, StatusFinished, snap.Status)
	assert.True(t, ended, "SessionEndedEvent should still fire after a plugin veto")
	assert.Equal(t, int32(0), atomic.LoadInt32(&driverCalls), "driver should never run once a plugin vetoes from TestStarting")
}

type skipOnStartSubscriber struct {
	events.BaseSubscriber
	result events.Result
	cause  string
}

func (s *skipOnStartSubscriber) OnTestStarting(*events.TestStartingEvent) events.SkipSignal {
	return events.SkipSignal{Present: true, Result: s.result, Cause: s.cause}
}

// singleRunnerSelector hands out one pre-built device runner exactly once,
// mimicking the device manager's SelectRunner contract without the full
// detector/dispatcher machinery.
type singleRunnerSelector struct {
	runner *device.Runner
	mu     sync.Mutex
	taken  bool
}

func (s *singleRunnerSelector) SelectRunner(device.SelectionCriteria) (*device.Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken {
		return nil, false
	}
	s.taken = true
	return s.runner, true
}

type endWatcher struct {
	events.BaseSubscriber
	onEnded func()
}

func (w *endWatcher) OnSessionEnded(e *events.SessionEndedEvent) { w.onEnded() }

type notifyEchoSubscriber struct {
	events.BaseSubscriber
	out chan []byte
}

func (s *notifyEchoSubscriber) OnSessionNotification(e *events.SessionNotificationEvent) {
	s.out <- e.Payload
}
