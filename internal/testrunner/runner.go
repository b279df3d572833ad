package testrunner

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/deviceorch/internal/device"
	"github.com/streamspace-dev/deviceorch/internal/events"
	"github.com/streamspace-dev/deviceorch/internal/logger"
)

// Runner drives one test through pre-run, driver-execution, and post-run.
// A Runner is safe to call concurrently for distinct requests sharing the
// same bus; in-flight executions are tracked by job id so an external
// caller can request interruption by id via KillTest.
type Runner struct {
	bus   *events.Bus
	hooks Hooks
	log   *zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*Execution
}

// NewRunner builds a test runner dispatching lifecycle events on bus.
func NewRunner(bus *events.Bus, hooks Hooks) *Runner {
	return &Runner{bus: bus, hooks: hooks, log: logger.Component("testrunner"), inflight: make(map[string]*Execution)}
}

func (r *Runner) track(jobID string) *Execution {
	ex := &Execution{killCh: make(chan InterruptReason, 1), done: make(chan Outcome, 1)}
	if jobID == "" {
		return ex
	}
	r.mu.Lock()
	r.inflight[jobID] = ex
	r.mu.Unlock()
	return ex
}

func (r *Runner) untrack(jobID string) {
	if jobID == "" {
		return
	}
	r.mu.Lock()
	delete(r.inflight, jobID)
	r.mu.Unlock()
}

// KillTest interrupts the in-flight execution registered under jobID, if
// any, implementing device.Killable so a device runner can cancel the
// test it is currently executing on behalf of a session's killJob (§4.G
// job-runner loop, "call the kill operation on every started job id").
func (r *Runner) KillTest(jobID string, reason string) bool {
	r.mu.Lock()
	ex, ok := r.inflight[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	ex.Kill(reasonFromString(reason))
	return true
}

func reasonFromString(reason string) InterruptReason {
	switch reason {
	case "user-kill":
		return ReasonUserKill
	case "device-disconnect":
		return ReasonDeviceDisconnect
	case "process-shutdown":
		return ReasonProcessShutdown
	default:
		return ReasonUserKill
	}
}

// kill guards Execution.Kill so that only the first call delivers its
// reason to the running test; later calls have no effect.
type kill struct {
	fired atomic.Bool
}

// Execution represents one in-flight test; callers obtain one from
// Start and may call Kill to request interruption, mirroring the
// source's postKill(timeout, killCount) contract.
type Execution struct {
	killCh chan InterruptReason
	done   chan Outcome
	k      kill
}

// Kill requests interruption with reason. Only the first call sets the
// terminal reason; later calls are logged but otherwise ignored.
func (e *Execution) Kill(reason InterruptReason) {
	if e.k.fired.CompareAndSwap(false, true) {
		select {
		case e.killCh <- reason:
		default:
		}
		return
	}
	_, cause := classify(reason)
	logger.Component("testrunner").Info().Str("cause", cause).Msg("kill already requested; ignoring")
}

// Wait blocks for the test's terminal outcome.
func (e *Execution) Wait() Outcome {
	return <-e.done
}

// Start executes req asynchronously against ctx (whose deadline drives
// ReasonTimerExpired classification) and returns a handle the caller can
// kill or wait on.
func (r *Runner) Start(ctx context.Context, req Request) *Execution {
	ex := r.track(req.JobID)
	go func() {
		out := r.run(ctx, req, ex.killCh)
		r.untrack(req.JobID)
		ex.done <- out
	}()
	return ex
}

// ExecuteTest runs alloc's test synchronously until it completes or a
// KillTest call interrupts it (it has no deadline of its own),
// implementing device.Executor for the device runner (§4.C step 4). The
// execution is tracked under alloc.JobID so a concurrent KillTest(jobID)
// call can interrupt it.
func (r *Runner) ExecuteTest(alloc device.Allocation) device.Outcome {
	req := Request{SessionID: alloc.SessionID, TestID: alloc.TestID, JobID: alloc.JobID, Alloc: alloc}
	ex := r.track(req.JobID)
	defer r.untrack(req.JobID)
	out := r.run(context.Background(), req, ex.killCh)
	return device.Outcome{Result: out.Result, OperationCode: out.OperationCode}
}

// busFor resolves which event bus a request's lifecycle events post on: the
// session's own bus when the allocation carries one (the normal path,
// since a device runner and its executor outlive any single session),
// falling back to the runner's constructor-provided bus for callers that
// invoke Start/ExecuteTest directly without going through a device
// allocation.
func (r *Runner) busFor(req Request) *events.Bus {
	if req.Alloc.Bus != nil {
		return req.Alloc.Bus
	}
	return r.bus
}

func (r *Runner) run(ctx context.Context, req Request, killCh <-chan InterruptReason) Outcome {
	result := events.ResultUnknown
	var warnings []string
	bus := r.busFor(req)

	// --- pre-run ---
	if r.hooks.CheckDevice != nil {
		if _, err := r.hooks.CheckDevice(req.Alloc); err != nil {
			r.log.Warn().Str("test_id", req.TestID).Err(err).Msg("check device failed")
		}
	}

	startingSkip, hasStarting := bus.PostTestStarting(&events.TestStartingEvent{SessionID: req.SessionID, TestID: req.TestID, JobID: req.JobID})

	var driver DriverFunc
	var decorators []Decorator
	var preErr error
	if r.hooks.PreRunTest != nil {
		driver, decorators, preErr = r.hooks.PreRunTest(startingSkip)
	}
	if preErr != nil {
		result = events.ResultError
	}

	startedSkip, hasStarted := bus.PostTestStarted(&events.TestStartedEvent{SessionID: req.SessionID, TestID: req.TestID, JobID: req.JobID})

	skip, skipped := firstPresent(startingSkip, hasStarting, startedSkip, hasStarted)
	if skipped {
		result = skip.Result
	}

	// --- driver execution ---
	if result == events.ResultUnknown && driver != nil {
		preForwardSkip, hasPreForward := bus.PostLocalDriverStarting(&events.LocalDriverStartingEvent{SessionID: req.SessionID, TestID: req.TestID})
		if hasPreForward {
			result = preForwardSkip.Result
		} else {
			driverErr := r.runDecorated(req, bus, driver, decorators, killCh, ctx)
			bus.PostLocalDriverEnded(&events.LocalDriverEndedEvent{SessionID: req.SessionID, TestID: req.TestID, Err: driverErr})
			switch {
			case driverErr == errTimerExpired:
				result = events.ResultTimeout
			case driverErr == errKilled:
				// runDecorated returns errKilled only for kill reasons that
				// classify maps to ERROR
				result = events.ResultError
			case driverErr != nil:
				result = events.ResultError
			default:
				result = events.ResultPass
			}
		}
	}

	// --- post-run ---
	if result == events.ResultUnknown {
		result = events.ResultError
		warnings = append(warnings, "finished-without-result")
	}

	bus.PostTestEnding(&events.TestEndingEvent{SessionID: req.SessionID, TestID: req.TestID, Result: result})

	opCode := device.OpNone
	if r.hooks.PostRunTest != nil {
		code, err := r.hooks.PostRunTest(result)
		if err != nil {
			r.log.Warn().Str("test_id", req.TestID).Err(err).Msg("postRunTest failed")
			warnings = append(warnings, "post-run-test-error")
		} else {
			opCode = code
		}
	}

	bus.PostTestEnded(&events.TestEndedEvent{SessionID: req.SessionID, TestID: req.TestID, Result: result})

	for range bus.PluginErrors() {
		// Plugin errors are already recorded by the bus; surfacing a
		// generic warning here keeps the outcome self-describing without
		// duplicating the full error list.
		warnings = append(warnings, "post-event-plugin-error")
		break
	}

	return Outcome{Result: result, OperationCode: opCode, Warnings: warnings}
}

var errTimerExpired = &sentinelError{"job timer expired"}
var errKilled = &sentinelError{"test killed"}

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }

// runDecorated invokes driver wrapped by decorators (outermost first),
// racing completion against ctx expiry and an external kill request.
func (r *Runner) runDecorated(req Request, bus *events.Bus, driver DriverFunc, decorators []Decorator, killCh <-chan InterruptReason, ctx context.Context) error {
	call := driver
	for i := len(decorators) - 1; i >= 0; i-- {
		dec := decorators[i]
		next := call
		call = func() error {
			bus.PostDecoratorPreForward(&events.DecoratorPreForwardEvent{SessionID: req.SessionID, TestID: req.TestID, DecoratorName: dec.Name})
			err := dec.Wrap(next)
			bus.PostDecoratorPostForward(&events.DecoratorPostForwardEvent{SessionID: req.SessionID, TestID: req.TestID, DecoratorName: dec.Name, Err: err})
			return err
		}
	}

	resultCh := make(chan error, 1)
	go func() { resultCh <- call() }()

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return errTimerExpired
	case reason := <-orNil(killCh):
		res, cause := classify(reason)
		r.log.Info().Str("test_id", req.TestID).Str("cause", cause).Msg("test killed")
		if res == events.ResultTimeout {
			return errTimerExpired
		}
		return errKilled
	}
}

func orNil(ch <-chan InterruptReason) <-chan InterruptReason {
	if ch == nil {
		return make(chan InterruptReason) // never fires
	}
	return ch
}

func firstPresent(a events.SkipSignal, aOK bool, b events.SkipSignal, bOK bool) (events.SkipSignal, bool) {
	if aOK {
		return a, true
	}
	if bOK {
		return b, true
	}
	return events.SkipSignal{}, false
}
