package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/deviceorch/internal/events"
	"github.com/streamspace-dev/deviceorch/internal/logger"
)

// Detector polls for device identifiers it currently observes. Its
// Precondition is evaluated once at manager startup; detectors whose
// precondition fails are dropped with a warning (§4.D).
type Detector interface {
	Name() string
	Precondition(ctx context.Context) error
	Detect(ctx context.Context) ([]string, error)
}

// Dispatcher maps an observed identifier, plus any upstream dispatcher's
// attributes, to a concrete device type. DependsOn names upstream
// dispatchers that must run first.
type Dispatcher interface {
	Name() string
	DependsOn() []string
	Dispatch(ctx context.Context, identifier string, upstream map[string]string) (deviceType string, attrs map[string]string, ok bool)
}

type dispatcherEntry struct {
	d            Dispatcher
	dependsOnAll bool
}

// SelectionProfile toggles detectors/dispatchers per §6 flags, choosing
// between local-mode (embedded client runtime) and lab-server (standalone
// host) behavior.
type SelectionProfile struct {
	LocalMode               bool
	EnableADB               bool
	EnableEmulatorDetection bool
	NoOpDeviceNum           int
}

// SelectionCriteria describes a job's device requirements when picking an
// idle runner.
type SelectionCriteria struct {
	DeviceType         string
	RequiredDimensions map[string]string
}

// RunnerFactory constructs a runner for a newly dispatched device.
type RunnerFactory func(d *Device) *Runner

// Manager orchestrates detectors and dispatchers to maintain the set of
// live device runners (§4.D), and owns the failed-device table referenced
// by §4.C's failure-to-initialize handling.
type Manager struct {
	mu          sync.Mutex
	detectors   []Detector
	dispatchers []dispatcherEntry
	order       []string
	byName      map[string]Dispatcher

	runners map[string]*Runner
	failed  map[string]string

	newRunner    RunnerFactory
	pollInterval time.Duration
	bus          *events.Bus
	log          *zerolog.Logger
}

// NewManager constructs a device manager. newRunner is called once per
// newly observed, not-yet-failed identifier.
func NewManager(bus *events.Bus, pollInterval time.Duration, newRunner RunnerFactory) *Manager {
	return &Manager{
		byName:       make(map[string]Dispatcher),
		runners:      make(map[string]*Runner),
		failed:       make(map[string]string),
		newRunner:    newRunner,
		pollInterval: pollInterval,
		bus:          bus,
		log:          logger.Component("device-manager"),
	}
}

// RegisterDetector adds a detector; preconditions are checked at Start.
func (m *Manager) RegisterDetector(d Detector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detectors = append(m.detectors, d)
}

// RegisterDispatcher adds a dispatcher to the DAG. dependsOnAll marks a
// dispatcher that must run after every other registered dispatcher,
// regardless of its own declared dependencies (§4.D "dependencies of
// all").
func (m *Manager) RegisterDispatcher(d Dispatcher, dependsOnAll bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchers = append(m.dispatchers, dispatcherEntry{d: d, dependsOnAll: dependsOnAll})
	m.byName[d.Name()] = d
}

// Start evaluates detector preconditions once, topologically sorts the
// dispatcher DAG, and begins the poll loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	var active []Detector
	for _, d := range m.detectors {
		if err := d.Precondition(ctx); err != nil {
			m.log.Warn().Str("detector", d.Name()).Err(err).Msg("detector precondition failed, dropping")
			continue
		}
		active = append(active, d)
	}
	m.detectors = active

	order, err := m.topoSort()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.order = order
	m.mu.Unlock()

	go m.loop(ctx)
	return nil
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	detectors := append([]Detector(nil), m.detectors...)
	m.mu.Unlock()

	seen := make(map[string]bool)
	for _, d := range detectors {
		observed, err := d.Detect(ctx)
		if err != nil {
			m.log.Warn().Str("detector", d.Name()).Err(err).Msg("detector poll failed")
			continue
		}
		for _, id := range observed {
			seen[id] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range seen {
		if _, exists := m.runners[id]; exists {
			continue
		}
		if _, isFailed := m.failed[id]; isFailed {
			continue
		}
		deviceType, _ := m.dispatchLocked(ctx, id)
		d := NewDevice(id, deviceType)
		runner := m.newRunner(d)
		m.runners[id] = runner
		go func(id string, r *Runner) {
			r.Run(ctx)
			m.mu.Lock()
			delete(m.runners, id)
			m.mu.Unlock()
		}(id, runner)
	}
}

func (m *Manager) dispatchLocked(ctx context.Context, id string) (string, map[string]string) {
	attrs := make(map[string]string)
	deviceType := "unknown"
	for _, name := range m.order {
		disp := m.byName[name]
		t, a, ok := disp.Dispatch(ctx, id, attrs)
		if ok {
			deviceType = t
			for k, v := range a {
				attrs[k] = v
			}
		}
	}
	return deviceType, attrs
}

// topoSort orders dispatchers via Kahn's algorithm, honoring both
// explicit DependsOn edges and the dependsOnAll flag.
func (m *Manager) topoSort() ([]string, error) {
	indegree := make(map[string]int)
	edges := make(map[string][]string) // name -> names that depend on it

	var all []string
	for _, e := range m.dispatchers {
		all = append(all, e.d.Name())
		indegree[e.d.Name()] = 0
	}
	for _, e := range m.dispatchers {
		deps := e.d.DependsOn()
		if e.dependsOnAll {
			for _, other := range all {
				if other == e.d.Name() {
					continue
				}
				deps = append(deps, other)
			}
		}
		for _, dep := range deps {
			edges[dep] = append(edges[dep], e.d.Name())
			indegree[e.d.Name()]++
		}
	}

	var queue []string
	for _, name := range all {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, next := range edges[n] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(all) {
		return nil, fmt.Errorf("device manager: dispatcher dependency graph has a cycle")
	}
	return order, nil
}

// MarkFailed records a device as a failed-device placeholder; the next
// detector tick will skip spawning a new runner for it until cleared.
func (m *Manager) MarkFailed(controlID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[controlID] = reason
}

// ClearFailed removes a device from the failed-device table, allowing the
// next detector tick to spawn a replacement runner for it.
func (m *Manager) ClearFailed(controlID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failed, controlID)
}

// FailedDevices returns a snapshot of the failed-device table.
func (m *Manager) FailedDevices() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.failed))
	for k, v := range m.failed {
		out[k] = v
	}
	return out
}

// SelectRunner picks an idle runner matching criteria. It returns the
// first match in map iteration order, so which of several matching
// runners is chosen is not defined; no load balancing is applied.
func (m *Manager) SelectRunner(criteria SelectionCriteria) (*Runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runners {
		if r.device.Type != criteria.DeviceType {
			continue
		}
		if r.device.Status() != StatusIdle {
			continue
		}
		if !matchesDimensions(r.device.Dimensions(), criteria.RequiredDimensions) {
			continue
		}
		return r, true
	}
	return nil, false
}

func matchesDimensions(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// RunnerFor looks up the live runner for a control id, used by the device
// query capability exposed to plugins.
func (m *Manager) RunnerFor(controlID string) (*Runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[controlID]
	return r, ok
}

// ControlIDs lists every currently live device's control id.
func (m *Manager) ControlIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.runners))
	for id := range m.runners {
		out = append(out, id)
	}
	return out
}

// Dimensions implements plugin.DeviceQuery.
func (m *Manager) Dimensions(controlID string) (map[string]string, bool) {
	m.mu.Lock()
	r, ok := m.runners[controlID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.device.Dimensions(), true
}
