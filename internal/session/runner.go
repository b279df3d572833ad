package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/deviceorch/internal/apperrors"
	"github.com/streamspace-dev/deviceorch/internal/device"
	"github.com/streamspace-dev/deviceorch/internal/events"
	"github.com/streamspace-dev/deviceorch/internal/ids"
	"github.com/streamspace-dev/deviceorch/internal/logger"
	"github.com/streamspace-dev/deviceorch/internal/persist"
	"github.com/streamspace-dev/deviceorch/internal/plugin"
)

// DeviceSelector picks an idle device runner matching a job's criteria;
// implemented by *device.Manager.
type DeviceSelector interface {
	SelectRunner(criteria device.SelectionCriteria) (*device.Runner, bool)
}

// RunnerDeps are the process-scoped collaborators a session runner needs,
// gathered once at session-manager construction and shared by every
// session runner it creates.
type RunnerDeps struct {
	Devices  DeviceSelector
	Registry *plugin.Registry
	Alloc    *ids.Allocator
	BaseDir  string // parent of each session's gen-dir/tmp-dir
	Poll     time.Duration

	// Store, if non-nil, is consulted at the top of Run to implement the
	// persisted-state resumption rules (§6): a session whose persisted
	// status is already SESSION_STARTED skips re-emitting starting/started
	// and reloads its job list instead of recreating it from cfg.Tests.
	Store persist.Store
}

// Runner owns one session end-to-end (§4.F): environment prep, plugin
// load, job creation, the job-runner poll loop, notification fan-out, and
// a finally block that always fires SessionEndedEvent.
type Runner struct {
	id        string
	cfg       Config
	deps      RunnerDeps
	bus       *events.Bus
	gate      *StartedGate
	onArchive func(*Runner)

	log *zerolog.Logger

	mu         sync.Mutex
	status     Status
	createdAt  time.Time
	properties map[string]string
	jobs       []*Job
	plugins    []*plugin.LoadedPlugin
	runnerErr  error

	aborted      atomic.Bool
	needKillJobs atomic.Bool

	notifyCh chan Notification
	cached   []Notification
	ended    chan struct{}

	jobDevice map[string]*device.Runner // job id -> device runner currently executing it
	jobMu     sync.Mutex

	doneCh chan struct{}
}

// NewRunner constructs a runner for a freshly admitted session. gate is
// the process-wide started-running semaphore.
func NewRunner(id string, cfg Config, deps RunnerDeps, bus *events.Bus, gate *StartedGate) *Runner {
	jobs := make([]*Job, 0, len(cfg.Tests))
	for i, spec := range cfg.Tests {
		jobs = append(jobs, &Job{ID: fmt.Sprintf("%s-job-%d", id, i), Spec: spec})
	}
	return &Runner{
		id:         id,
		cfg:        cfg,
		deps:       deps,
		bus:        bus,
		gate:       gate,
		log:        logger.Session(id),
		status:     StatusSubmitted,
		createdAt:  time.Now(),
		properties: make(map[string]string),
		jobs:       jobs,
		notifyCh:   make(chan Notification, 64),
		cached:     nil,
		ended:      make(chan struct{}),
		jobDevice:  make(map[string]*device.Runner),
		doneCh:     make(chan struct{}),
	}
}

// ID returns the session's stable identifier.
func (r *Runner) ID() string { return r.id }

// Done is closed once the session has fully finished (§4.F step 10).
func (r *Runner) Done() <-chan struct{} { return r.doneCh }

// Snapshot returns the session's latest observable state.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make([]JobStatus, len(r.jobs))
	for i, j := range r.jobs {
		results[i] = j.Status
	}
	props := make(map[string]string, len(r.properties))
	for k, v := range r.properties {
		props[k] = v
	}
	var pluginErrs []events.PluginError
	if r.bus != nil {
		pluginErrs = r.bus.PluginErrors()
	}
	return Snapshot{
		ID:           r.id,
		Name:         r.cfg.Name,
		Status:       r.status,
		CreatedAt:    r.createdAt,
		Properties:   props,
		JobResults:   results,
		PluginErrors: pluginErrs,
		RunnerError:  r.runnerErr,
	}
}

func (r *Runner) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// NotifySession enqueues a notification for asynchronous dispatch. Returns
// false once the session has begun its ended dispatch (§4.F).
func (r *Runner) NotifySession(n Notification) bool {
	r.mu.Lock()
	if r.status == StatusSubmitted {
		// Accumulated before the runner started; Run drains the cache
		// before SessionStartingEvent and again once it holds the gate.
		r.cached = append(r.cached, n)
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()
	select {
	case <-r.ended:
		return false
	case r.notifyCh <- n:
		return true
	}
}

// Abort is idempotent: it marks the session aborted, wakes any admission
// gate wait, stops the job loop starting new jobs, and requests it kill
// every started job on its next tick (§4.F "abort").
func (r *Runner) Abort() {
	if r.aborted.CompareAndSwap(false, true) {
		r.needKillJobs.Store(true)
		r.mu.Lock()
		r.properties["aborted"] = "true"
		r.mu.Unlock()
		r.gate.WakeAll()
	}
}

func (r *Runner) isAborted() bool { return r.aborted.Load() }

// Run drives the session through its full lifecycle. It always returns
// after SessionEndedEvent has been dispatched and resources released,
// regardless of which step failed (§4.F step 10's "finally").
func (r *Runner) Run(ctx context.Context) {
	defer close(r.doneCh)

	var (
		runErr     error
		loaded     []*plugin.LoadedPlugin
		gotGate    bool
		notifyDone chan struct{}
	)

	// persistedStatus reflects what was already durably recorded before
	// this Run call, resolved once below; it gates the starting/started
	// event emission and the ended event per §6's resumption rules. A nil
	// Store or a not-yet-persisted session behaves as SessionSubmitted,
	// i.e. every step runs normally.
	persistedStatus := persist.SessionSubmitted
	if r.deps.Store != nil {
		if rec, err := r.deps.Store.Get(ctx, r.id); err == nil {
			persistedStatus = rec.Status
			if persistedStatus >= persist.SessionStarted && len(rec.Jobs) > 0 {
				r.mu.Lock()
				r.jobs = jobsFromRecords(rec.Jobs)
				r.mu.Unlock()
			}
		}
	}

	defer func() {
		select {
		case <-r.ended:
		default:
			close(r.ended)
		}
		if notifyDone != nil {
			<-notifyDone
		}

		// SessionEndedEvent must reach every plugin still registered, so it
		// fires before UnregisterLabel/Close below. Already-ended sessions
		// (resumed after SESSION_ENDED was durably recorded) don't re-fire it.
		if persistedStatus < persist.SessionEnded {
			r.bus.PostSessionEnded(&events.SessionEndedEvent{SessionID: r.id, Err: runErr, At: time.Now()})
		}

		for _, lp := range loaded {
			r.bus.UnregisterLabel(lp.Label)
			if cerr := lp.Close(); cerr != nil {
				r.log.Warn().Str("plugin_label", lp.Label).Err(cerr).Msg("plugin close failed")
			}
		}
		if gotGate {
			r.gate.Release()
		}

		r.mu.Lock()
		r.runnerErr = runErr
		r.mu.Unlock()
		r.setStatus(StatusFinished)

		if r.onArchive != nil {
			r.onArchive(r)
		}
	}()

	genDir := filepath.Join(r.deps.BaseDir, r.id, "gen")
	tmpDir := filepath.Join(r.deps.BaseDir, r.id, "tmp")
	if err := os.MkdirAll(genDir, 0o755); err != nil {
		runErr = fmt.Errorf("session %s: prepare gen-dir: %w", r.id, err)
		return
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		runErr = fmt.Errorf("session %s: prepare tmp-dir: %w", r.id, err)
		return
	}

	host := plugin.NewHost(r.deps.Registry)
	base := &plugin.DefaultContext{
		Session:       plugin.SessionInfo{SessionID: r.id, Name: r.cfg.Name, Options: r.cfg.Options},
		DeviceQuery:   deviceQueryOf(r.deps.Devices),
		ServerStarted: time.Now(),
		GenDir:        genDir,
		TmpDir:        tmpDir,
		Clock:         plugin.RealClock{},
	}
	var err error
	loaded, err = host.LoadAll(base, r.cfg.Plugins, r.deps.Alloc)
	if err != nil {
		runErr = err
		return
	}
	r.plugins = loaded
	for _, lp := range loaded {
		r.bus.Register(events.ScopeAPIPlugin, lp.Label, lp.SubscriberID, lp.Subscriber)
	}

	if persistedStatus < persist.SessionStarted && r.deps.Store != nil {
		r.mu.Lock()
		records := jobRecordsOf(r.jobs)
		r.mu.Unlock()
		if err := r.deps.Store.RecordJobs(ctx, r.id, records); err != nil {
			r.log.Warn().Err(err).Msg("persist job list failed")
		}
	}

	// Drain cached notifications accumulated while queued.
	r.mu.Lock()
	cached := r.cached
	r.cached = nil
	r.mu.Unlock()
	for _, n := range cached {
		r.dispatchNotification(n)
	}

	if persistedStatus < persist.SessionStarted {
		r.bus.PostSessionStarting(&events.SessionStartingEvent{SessionID: r.id, At: time.Now()})
	}

	if !r.gate.Acquire(r.isAborted) {
		runErr = apperrors.SessionAbortedWhenQueueing()
		return
	}
	gotGate = true

	r.mu.Lock()
	r.status = StatusRunning
	late := r.cached
	r.cached = nil
	r.mu.Unlock()
	if persistedStatus < persist.SessionStarted {
		r.bus.PostSessionStarted(&events.SessionStartedEvent{SessionID: r.id, At: time.Now()})
	}
	for _, n := range late {
		r.dispatchNotification(n)
	}

	notifyDone = make(chan struct{})
	go r.notifyWorker(notifyDone)

	runErr = r.runJobLoop(ctx)
}

func (r *Runner) dispatchNotification(n Notification) {
	r.bus.PostSessionNotification(&events.SessionNotificationEvent{SessionID: r.id, PluginLabel: n.PluginLabel, Payload: n.Payload, At: time.Now()})
}

// notifyWorker drains notifyCh until ended is closed, then drains any
// remainder so no in-flight send blocks forever, and signals done.
func (r *Runner) notifyWorker(done chan struct{}) {
	defer close(done)
	for {
		select {
		case n := <-r.notifyCh:
			r.dispatchNotification(n)
		case <-r.ended:
			for {
				select {
				case n := <-r.notifyCh:
					r.dispatchNotification(n)
				default:
					return
				}
			}
		}
	}
}

// runJobLoop polls every ~Poll interval: starts new jobs by attaching
// them to a selected device runner, kills started jobs on abort, and
// returns once every job reports done or, after an abort, once no started
// job is still in flight (§4.F job-runner loop).
func (r *Runner) runJobLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.deps.Poll)
	defer ticker.Stop()

	type running struct {
		job    *Job
		result <-chan device.Outcome
	}
	var inflight []running

	killAll := func() {
		r.jobMu.Lock()
		defer r.jobMu.Unlock()
		for jobID, devRunner := range r.jobDevice {
			devRunner.Kill("user-kill")
			_ = jobID
		}
	}

	for {
		r.mu.Lock()
		jobs := r.jobs
		r.mu.Unlock()

		for _, j := range jobs {
			if j.Status != JobNew || r.isAborted() {
				continue
			}
			criteria := device.SelectionCriteria{DeviceType: j.Spec.DeviceType, RequiredDimensions: j.Spec.RequiredDimensions}
			devRunner, ok := r.deps.Devices.SelectRunner(criteria)
			if !ok {
				continue // no idle device yet; retry next tick
			}
			resultCh, err := devRunner.AttachTestAwait(device.Allocation{
				SessionID: r.id,
				TestID:    j.Spec.TestID,
				JobID:     j.ID,
				Devices:   []*device.Device{devRunner.Device()},
				Bus:       r.bus,
			})
			if err != nil {
				continue // lost the race for this device; retry next tick
			}
			j.Status = JobRunning
			r.jobMu.Lock()
			r.jobDevice[j.ID] = devRunner
			r.jobMu.Unlock()
			inflight = append(inflight, running{job: j, result: resultCh})
		}

		if r.needKillJobs.CompareAndSwap(true, false) {
			killAll()
		}

		var remaining []running
		for _, ri := range inflight {
			select {
			case outcome := <-ri.result:
				ri.job.Status = JobDone
				ri.job.Outcome = &outcome
				r.jobMu.Lock()
				delete(r.jobDevice, ri.job.ID)
				r.jobMu.Unlock()
			default:
				remaining = append(remaining, ri)
			}
		}
		inflight = remaining

		if allDone(jobs) || (r.isAborted() && len(inflight) == 0) {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			killAll()
			return ctx.Err()
		}
	}
}

func jobRecordsOf(jobs []*Job) []persist.JobRecord {
	out := make([]persist.JobRecord, len(jobs))
	for i, j := range jobs {
		out[i] = persist.JobRecord{ID: j.ID, TestID: j.Spec.TestID, DeviceType: j.Spec.DeviceType, RequiredDimensions: j.Spec.RequiredDimensions}
	}
	return out
}

func jobsFromRecords(recs []persist.JobRecord) []*Job {
	jobs := make([]*Job, len(recs))
	for i, rec := range recs {
		jobs[i] = &Job{ID: rec.ID, Spec: TestSpec{TestID: rec.TestID, DeviceType: rec.DeviceType, RequiredDimensions: rec.RequiredDimensions}}
	}
	return jobs
}

func allDone(jobs []*Job) bool {
	for _, j := range jobs {
		if j.Status != JobDone {
			return false
		}
	}
	return true
}

func deviceQueryOf(d DeviceSelector) plugin.DeviceQuery {
	if q, ok := d.(plugin.DeviceQuery); ok {
		return q
	}
	return nil
}
