// Package session implements the per-session orchestrator (§4.F) and the
// bounded queue/running/archive admission controller in front of it
// (§4.G): a session owns its own event bus, plugin set, and job loop from
// admission through a terminal FINISHED snapshot.
package session

import (
	"time"

	"github.com/streamspace-dev/deviceorch/internal/device"
	"github.com/streamspace-dev/deviceorch/internal/events"
	"github.com/streamspace-dev/deviceorch/internal/plugin"
)

// Status is a session's externally visible lifecycle state.
type Status int

const (
	StatusSubmitted Status = iota
	StatusRunning
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusSubmitted:
		return "SUBMITTED"
	case StatusRunning:
		return "RUNNING"
	case StatusFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// TestSpec describes one job's device requirements and test identity; the
// default job creator turns a session's configured specs into Jobs 1:1.
type TestSpec struct {
	TestID             string
	DeviceType         string
	RequiredDimensions map[string]string
}

// Config is a client-submitted session definition.
type Config struct {
	Name              string
	Plugins           []plugin.Config
	Options           map[string]string
	Tests             []TestSpec
	RemoveAfterFinish bool
}

// JobStatus mirrors the test runner's New/Running/Done vocabulary at the
// granularity the job loop polls.
type JobStatus int

const (
	JobNew JobStatus = iota
	JobRunning
	JobDone
)

// Job is one unit of work started by the session's job-runner loop.
type Job struct {
	ID      string
	Spec    TestSpec
	Status  JobStatus
	Outcome *device.Outcome
}

// Notification is a client-submitted message, optionally addressed to a
// single plugin label (§6).
type Notification struct {
	PluginLabel string
	Payload     []byte
}

// Snapshot is the read-only view returned by GetSession / ListSessions;
// always reflects the latest known state, including captured errors
// (§7 "no error causes a session to disappear").
type Snapshot struct {
	ID         string
	Name       string
	Status     Status
	CreatedAt  time.Time
	Properties map[string]string
	JobResults []JobStatus

	PluginErrors []events.PluginError
	RunnerError  error
}
