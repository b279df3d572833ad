// Package builtin provides reference plugins registered into the
// process-wide plugin registry, exercised by the end-to-end session
// scenarios.
package builtin

import (
	"github.com/streamspace-dev/deviceorch/internal/events"
	"github.com/streamspace-dev/deviceorch/internal/plugin"
)

func init() {
	plugin.Register("noop", newNoopPlugin)
	plugin.Register("skip-on-start", newSkipOnStartPlugin)
}

// noopPlugin observes lifecycle events without acting on them; useful as
// a baseline subscriber in tests and as a logging-only production plugin.
type noopPlugin struct {
	events.BaseSubscriber
	ctx *plugin.DefaultContext
}

func newNoopPlugin(ctx *plugin.DefaultContext, _ plugin.ExecutionConfig) (events.Subscriber, plugin.Closer, error) {
	return &noopPlugin{ctx: ctx}, nil, nil
}

// skipOnStartPlugin raises a skip-test signal from SessionStarting-phase
// test starting events, with the result and cause taken from its
// execution config. Grounds scenario 2 (plugin veto) from the testable
// properties.
type skipOnStartPlugin struct {
	events.BaseSubscriber
	result events.Result
	cause  string
}

func newSkipOnStartPlugin(_ *plugin.DefaultContext, cfg plugin.ExecutionConfig) (events.Subscriber, plugin.Closer, error) {
	result := events.ResultPass
	if r, ok := cfg["result"].(string); ok && r == "SKIP" {
		result = events.ResultSkip
	}
	cause, _ := cfg["cause"].(string)
	if cause == "" {
		cause = "no-op"
	}
	return &skipOnStartPlugin{result: result, cause: cause}, nil, nil
}

func (p *skipOnStartPlugin) OnTestStarting(*events.TestStartingEvent) events.SkipSignal {
	return events.SkipSignal{Present: true, Result: p.result, Cause: p.cause}
}
