package device

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/deviceorch/internal/apperrors"
	"github.com/streamspace-dev/deviceorch/internal/device/arbiter"
	"github.com/streamspace-dev/deviceorch/internal/events"
	"github.com/streamspace-dev/deviceorch/internal/logger"
)

// RunnerConfig carries the tunables named in spec §6 that govern a single
// device runner's scheduling and reboot policy.
type RunnerConfig struct {
	CheckInterval      time.Duration
	IdleSleep          time.Duration
	ReservationTimeout time.Duration
	WatchdogExpiry     time.Duration
	CancelInterrupt    time.Duration
	TearDownExpiry     time.Duration

	DisableReboot        bool
	ForceRebootAfterTest bool
	PrepareAfterTest     bool

	FailedDeviceHandlingEnabled bool
}

// PrepareFunc performs the device's one-time init->idle transition.
type PrepareFunc func(d *Device) error

// Runner is the per-device worker described in §4.C: one long-running
// goroutine owning a single Device's lifecycle state machine.
type Runner struct {
	device  *Device
	arbiter arbiter.Arbiter
	checker Checker
	exec    Executor
	policy  ClassPolicy
	prepare PrepareFunc
	cfg     RunnerConfig
	bus     *events.Bus

	log *zerolog.Logger

	mu       sync.Mutex
	pending  *Allocation
	resultCh chan Outcome
	reserved bool

	cancelOnce sync.Once
	cancelCh   chan struct{}
	hardCancel context.CancelFunc
	stopped    chan struct{}

	// checkFailed is set by runPeriodicCheck when a periodic check errors
	// and consulted by tearDown: a device whose last check failed reboots
	// on its next tear-down regardless of which path triggered it (§4.C).
	// Only ever touched from the Run loop's own goroutine.
	checkFailed bool

	onTerminate func(failed bool, reason error)
}

// NewRunner constructs a runner for d. onTerminate, if non-nil, is called
// exactly once when the worker loop exits; its failed argument is true
// only when prepare() failed and FailedDeviceHandlingEnabled is set (for
// failed-device handling, §4.C).
func NewRunner(d *Device, arb arbiter.Arbiter, checker Checker, exec Executor, policy ClassPolicy, prepare PrepareFunc, bus *events.Bus, cfg RunnerConfig, onTerminate func(failed bool, reason error)) *Runner {
	if policy == nil {
		policy = AlwaysPermitReboot{}
	}
	return &Runner{
		device:      d,
		arbiter:     arb,
		checker:     checker,
		exec:        exec,
		policy:      policy,
		prepare:     prepare,
		cfg:         cfg,
		bus:         bus,
		log:         logger.Device(d.ControlID),
		cancelCh:    make(chan struct{}),
		stopped:     make(chan struct{}),
		onTerminate: onTerminate,
	}
}

// AttachTest assigns alloc to be picked up on the runner's next iteration.
// Fails with device-busy if a test is already pending or running.
func (r *Runner) AttachTest(alloc Allocation) error {
	_, err := r.AttachTestAwait(alloc)
	return err
}

// AttachTestAwait is AttachTest plus a channel the caller can receive from
// once the runner has executed alloc on a future iteration; this is the
// session job runner's "client API" handle onto a device-attached job.
func (r *Runner) AttachTestAwait(alloc Allocation) (<-chan Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil || r.reserved {
		return nil, apperrors.DeviceBusy(r.device.ControlID)
	}
	ch := make(chan Outcome, 1)
	r.pending = &alloc
	r.resultCh = ch
	return ch, nil
}

// Cancel requests the runner tear down. If tear-down has not completed
// within CancelInterrupt, the runner's hard-cancel context is fired to
// unstick any blocking call (the Go analogue of repeated thread
// interruption).
func (r *Runner) Cancel() {
	r.cancelOnce.Do(func() {
		close(r.cancelCh)
		go func() {
			select {
			case <-r.stopped:
			case <-time.After(r.cfg.CancelInterrupt):
				r.log.Warn().Msg("cancellation did not complete in time, forcing hard cancel")
				if r.hardCancel != nil {
					r.hardCancel()
				}
			}
		}()
	})
}

// Kill requests interruption of the test currently executing on this
// device, if any, by delegating to the executor's Killable capability
// (§4.G "call the kill operation on every started job id"). Returns false
// if no test is in flight or the executor cannot be interrupted.
func (r *Runner) Kill(reason string) bool {
	r.mu.Lock()
	jobID := ""
	if r.reserved && r.pending != nil {
		jobID = r.pending.JobID
	}
	r.mu.Unlock()
	if jobID == "" {
		return false
	}
	k, ok := r.exec.(Killable)
	if !ok {
		return false
	}
	return k.KillTest(jobID, reason)
}

// Stopped is closed once the worker loop has fully exited.
func (r *Runner) Stopped() <-chan struct{} {
	return r.stopped
}

// Device returns the device this runner owns.
func (r *Runner) Device() *Device { return r.device }

// Run is the worker loop body; it blocks until cancellation, a fatal
// prepare failure, or watchdog expiry.
func (r *Runner) Run(parent context.Context) {
	defer close(r.stopped)

	hardCtx, cancel := context.WithCancel(parent)
	r.hardCancel = cancel
	defer cancel()

	if r.prepare != nil {
		if err := r.prepare(r.device); err != nil {
			r.log.Warn().Err(err).Msg("prepare failed, device entering DYING")
			r.device.setStatus(StatusDying)
			r.tearDown(false)
			if r.onTerminate != nil {
				r.onTerminate(r.cfg.FailedDeviceHandlingEnabled, err)
			}
			return
		}
	}
	r.device.setStatus(StatusIdle)

	lastRenew := time.Now()

	for {
		select {
		case <-hardCtx.Done():
			r.tearDown(false)
			r.notifyTerminate(nil)
			return
		case <-r.cancelCh:
			r.tearDown(false)
			r.notifyTerminate(nil)
			return
		default:
		}

		if time.Since(lastRenew) > r.cfg.WatchdogExpiry {
			r.log.Warn().Msg("watchdog expired, tearing down runner")
			r.tearDown(false)
			r.notifyTerminate(nil)
			return
		}
		lastRenew = time.Now()

		reserveCtx, reserveCancel := context.WithTimeout(hardCtx, r.cfg.ReservationTimeout)
		granted, err := r.arbiter.Reserve(reserveCtx, r.device.ControlID, r.cfg.ReservationTimeout)
		reserveCancel()
		if err != nil {
			if appErr, ok := err.(*apperrors.AppError); ok && appErr.Code == apperrors.ErrCodeDraining {
				r.tearDown(false)
				r.notifyTerminate(nil)
				return
			}
			r.log.Warn().Err(err).Msg("reservation attempt failed, will retry")
		}

		r.mu.Lock()
		alloc := r.pending
		r.mu.Unlock()

		switch {
		case alloc != nil && granted:
			r.mu.Lock()
			r.reserved = true
			r.mu.Unlock()
			r.device.setStatus(StatusBusy)

			outcome := r.exec.ExecuteTest(*alloc)

			r.mu.Lock()
			r.pending = nil
			r.reserved = false
			resultCh := r.resultCh
			r.resultCh = nil
			r.mu.Unlock()
			if resultCh != nil {
				resultCh <- outcome
			}
			_ = r.arbiter.Release(hardCtx, r.device.ControlID)

			if r.decideReboot(outcome) {
				r.device.setStatus(StatusDying)
				r.tearDown(true)
				r.notifyTerminate(nil)
				return
			}
			r.device.setStatus(StatusIdle)

		case alloc == nil && granted:
			r.runPeriodicCheck(hardCtx)
			_ = r.arbiter.Release(hardCtx, r.device.ControlID)

		default:
			// Reservation not granted this tick (or failed transiently);
			// leave status untouched and retry next iteration.
		}

		select {
		case <-time.After(r.cfg.IdleSleep):
		case <-hardCtx.Done():
			r.tearDown(false)
			r.notifyTerminate(nil)
			return
		case <-r.cancelCh:
			r.tearDown(false)
			r.notifyTerminate(nil)
			return
		}
	}
}

func (r *Runner) notifyTerminate(err error) {
	if r.onTerminate != nil {
		r.onTerminate(false, err)
	}
}

func (r *Runner) runPeriodicCheck(ctx context.Context) {
	if r.checker == nil {
		return
	}
	r.device.setStatus(StatusPrepping)
	if err := r.checker.Check(r.device); err != nil {
		r.bus.PostDeviceError(&events.DeviceErrorEvent{ControlID: r.device.ControlID, Cause: err})
		r.log.Warn().Err(err).Msg("periodic device check failed")
		r.checkFailed = true
	}
	r.device.setStatus(StatusIdle)
}

// decideReboot implements the reboot policy of §4.C.
func (r *Runner) decideReboot(outcome Outcome) bool {
	if r.cfg.DisableReboot {
		return false
	}
	if r.arbiter.OwnsLifecycle(r.device.ControlID) {
		return false
	}
	if outcome.OperationCode == OpReboot {
		return true
	}
	if r.cfg.ForceRebootAfterTest {
		return true
	}
	if (outcome.Result == events.ResultError || outcome.Result == events.ResultTimeout) && r.policy.PermitsReboot(r.device.Type) {
		return true
	}
	return false
}

func (r *Runner) tearDown(reboot bool) {
	if r.checkFailed {
		reboot = true
		r.checkFailed = false
	}
	r.device.setStatus(StatusDying)
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TearDownExpiry)
	defer cancel()
	if err := r.arbiter.Release(ctx, r.device.ControlID); err != nil {
		r.log.Warn().Err(err).Msg("failed to release reservation during tear-down")
	}
	if reboot {
		r.log.Info().Msg("rebooting device after tear-down")
	}
}
