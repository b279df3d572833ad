package session

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/streamspace-dev/deviceorch/internal/apperrors"
	"github.com/streamspace-dev/deviceorch/internal/device"
	"github.com/streamspace-dev/deviceorch/internal/events"
	"github.com/streamspace-dev/deviceorch/internal/ids"
	"github.com/streamspace-dev/deviceorch/internal/logger"
	"github.com/streamspace-dev/deviceorch/internal/notify"
	"github.com/streamspace-dev/deviceorch/internal/persist"
	"github.com/streamspace-dev/deviceorch/internal/plugin"
)

// ManagerConfig carries the bounded-queue/running/archive capacities and
// the per-session runner dependencies the manager hands to every runner
// it constructs (§4.G).
type ManagerConfig struct {
	RunningCapacity int
	QueueCapacity   int
	ArchiveCapacity int

	Devices  DeviceSelector
	Registry *plugin.Registry
	BaseDir  string
	Poll     time.Duration

	// Publisher, if non-nil, receives a notify.Relay registered onto every
	// launched session's bus for external audit/log fan-out. Store, if
	// non-nil, is called at each persisted-status transition (§6).
	Publisher notify.Publisher
	Store     persist.Store

	// LogSink, if non-nil, receives a forwarded line for every test start/
	// end observed on a launched session's bus, feeding the external
	// interface shim's SubscribeLogRecords stream.
	LogSink LogSink
}

// LogSink is the narrow capability a launched session needs to stream
// test progress lines out; the concrete implementation lives in
// internal/shim and is injected here to avoid an import cycle.
type LogSink interface {
	PublishLog(sessionID, testID, line string)
}

type queuedEntry struct {
	id        string
	cfg       Config
	createdAt time.Time
}

type archivedEntry struct {
	id   string
	snap Snapshot
}

// Manager is the bounded queue/running-set/archive admission controller
// in front of per-session runners (§4.G). A single coarse lock guards all
// bookkeeping; runner execution itself happens outside the lock.
type Manager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	queue   []*queuedEntry
	running map[string]*Runner
	archive map[string]*archivedEntry
	archOrd []string
	nextID  uint64
	gate    *StartedGate
	alloc   *ids.Allocator
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewManager builds a manager bound to cfg. ctx governs every session
// runner's job-runner loop; cancelling it propagates to every running
// session as a cooperative abort request.
func NewManager(parent context.Context, cfg ManagerConfig) *Manager {
	if cfg.RunningCapacity <= 0 {
		cfg.RunningCapacity = 30
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 5000
	}
	if cfg.ArchiveCapacity <= 0 {
		cfg.ArchiveCapacity = 500
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		cfg:     cfg,
		running: make(map[string]*Runner),
		archive: make(map[string]*archivedEntry),
		gate:    NewStartedGate(cfg.RunningCapacity),
		alloc:   ids.NewAllocator(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Shutdown cancels every running session's context, in effect requesting
// a cooperative abort of the entire process (§5 cancellation).
func (m *Manager) Shutdown() {
	m.cancel()
}

func validatePluginLabels(cfgs []plugin.Config) error {
	seen := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		label := c.EffectiveLabel()
		if seen[label] {
			return apperrors.DuplicatedPluginLabel(label)
		}
		seen[label] = true
	}
	return nil
}

// CreateSession validates and enqueues cfg, failing fast on a duplicate
// plugin label or a full queue (§4.G `add`), then immediately runs
// admission so an open running slot is claimed without waiting for the
// next completion.
func (m *Manager) CreateSession(cfg Config) (Snapshot, error) {
	if err := validatePluginLabels(cfg.Plugins); err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	if len(m.queue) >= m.cfg.QueueCapacity {
		m.mu.Unlock()
		return Snapshot{}, apperrors.QueueFull()
	}
	m.nextID++
	id := fmt.Sprintf("session-%d", m.nextID)
	entry := &queuedEntry{id: id, cfg: cfg, createdAt: time.Now()}
	m.queue = append(m.queue, entry)
	m.mu.Unlock()

	if m.cfg.Store != nil {
		if err := m.cfg.Store.RecordSubmitted(m.ctx, id, cfg.Name); err != nil {
			logger.Component("session-manager").Warn().Str("session_id", id).Err(err).Msg("persist submitted failed")
		}
	}

	m.admit()

	snap, ok := m.GetSession(id)
	if !ok {
		return Snapshot{}, apperrors.Internal("session vanished immediately after submission", nil)
	}
	return snap, nil
}

// admit implements the §4.G admission algorithm: compute free running
// slots, pop up to that many oldest queue entries, and launch a runner
// for each.
func (m *Manager) admit() {
	m.mu.Lock()
	slots := m.cfg.RunningCapacity - len(m.running)
	if slots <= 0 || len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	if slots > len(m.queue) {
		slots = len(m.queue)
	}
	popped := m.queue[:slots]
	m.queue = m.queue[slots:]
	m.mu.Unlock()

	for _, entry := range popped {
		m.launch(entry)
	}
}

func (m *Manager) launch(entry *queuedEntry) {
	bus := events.NewBus()
	deps := RunnerDeps{
		Devices:  m.cfg.Devices,
		Registry: m.cfg.Registry,
		Alloc:    m.alloc,
		BaseDir:  m.cfg.BaseDir,
		Poll:     m.cfg.Poll,
		Store:    m.cfg.Store,
	}
	if m.cfg.Publisher != nil || m.cfg.Store != nil {
		bus.Register(events.ScopeGlobalInternal, "notify-relay", 0, notify.NewRelay(m.cfg.Publisher, m.cfg.Store, m.ctx, entry.id))
	}
	if m.cfg.LogSink != nil {
		bus.Register(events.ScopeGlobalInternal, "log-sink", 0, &logForwarder{sessionID: entry.id, sink: m.cfg.LogSink})
	}

	runner := NewRunner(entry.id, entry.cfg, deps, bus, m.gate)
	runner.onArchive = m.onRunnerFinished

	m.mu.Lock()
	m.running[entry.id] = runner
	m.mu.Unlock()

	go runner.Run(m.ctx)
}

// onRunnerFinished is the completion callback attached to every runner
// (§4.G step 3-4): move the session into the archive unless configured
// to be removed, then re-run admission.
func (m *Manager) onRunnerFinished(r *Runner) {
	snap := r.Snapshot()

	m.mu.Lock()
	delete(m.running, r.id)
	if !r.cfg.RemoveAfterFinish {
		m.insertArchiveLocked(r.id, snap)
	}
	m.mu.Unlock()

	m.admit()
}

func (m *Manager) insertArchiveLocked(id string, snap Snapshot) {
	if len(m.archOrd) >= m.cfg.ArchiveCapacity {
		oldest := m.archOrd[0]
		m.archOrd = m.archOrd[1:]
		delete(m.archive, oldest)
	}
	m.archive[id] = &archivedEntry{id: id, snap: snap}
	m.archOrd = append(m.archOrd, id)
}

// GetSession looks up id in archive, then running, then queue, matching
// §4.G `get`'s stated precedence.
func (m *Manager) GetSession(id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.archive[id]; ok {
		return a.snap, true
	}
	if r, ok := m.running[id]; ok {
		return r.Snapshot(), true
	}
	for _, q := range m.queue {
		if q.id == id {
			return Snapshot{ID: q.id, Name: q.cfg.Name, Status: StatusSubmitted, CreatedAt: q.createdAt, Properties: map[string]string{}}, true
		}
	}
	return Snapshot{}, false
}

// ListFilter restricts ListSessions by status name and/or session name;
// an invalid pattern is ignored (the filter becomes permissive for that
// dimension), matching §4.G `list`.
type ListFilter struct {
	StatusPattern string
	NamePattern   string
}

func compileOrPermissive(pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Component("session-manager").Warn().Str("pattern", pattern).Err(err).Msg("invalid filter pattern ignored")
		return nil
	}
	return re
}

// ListSessions returns every session matching filter across archive,
// running, and queued sets.
func (m *Manager) ListSessions(filter ListFilter) []Snapshot {
	statusRe := compileOrPermissive(filter.StatusPattern)
	nameRe := compileOrPermissive(filter.NamePattern)

	keep := func(s Snapshot) bool {
		if statusRe != nil && !statusRe.MatchString(s.Status.String()) {
			return false
		}
		if nameRe != nil && !nameRe.MatchString(s.Name) {
			return false
		}
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Snapshot
	for _, id := range m.archOrd {
		if s := m.archive[id].snap; keep(s) {
			out = append(out, s)
		}
	}
	for _, r := range m.running {
		if s := r.Snapshot(); keep(s) {
			out = append(out, s)
		}
	}
	for _, q := range m.queue {
		s := Snapshot{ID: q.id, Name: q.cfg.Name, Status: StatusSubmitted, CreatedAt: q.createdAt, Properties: map[string]string{}}
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// NotifySession delivers n to the identified running session. Returns
// not-found if the session is queued, archived, or unknown; queued
// notifications are not supported since a session has no bus until it
// starts running.
func (m *Manager) NotifySession(id string, n Notification) error {
	m.mu.Lock()
	r, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		return apperrors.NotFound(fmt.Sprintf("session %s", id))
	}
	r.NotifySession(n)
	return nil
}

// AbortSession requests cooperative termination of a running or queued
// session. Queued sessions are removed outright since they never
// acquired any resources; running sessions are asked to abort via their
// runner, which still fires `ended` (§4.F, §5 cancellation). Aborting an
// already-archived (finished) session is a no-op returning success: abort
// is idempotent once a session has reached a terminal state.
func (m *Manager) AbortSession(id string) error {
	m.mu.Lock()
	if r, ok := m.running[id]; ok {
		m.mu.Unlock()
		r.Abort()
		return nil
	}
	for i, q := range m.queue {
		if q.id == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			m.mu.Unlock()
			return nil
		}
	}
	if _, ok := m.archive[id]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return apperrors.NotFound(fmt.Sprintf("session %s", id))
}

// HasUnarchived reports whether any session is still queued or running,
// for use by a drain check before process shutdown (§4.G `has-unarchived`).
func (m *Manager) HasUnarchived() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) > 0 || len(m.running) > 0
}

var _ DeviceSelector = (*device.Manager)(nil)
