package plugin

import (
	"fmt"

	"github.com/streamspace-dev/deviceorch/internal/apperrors"
	"github.com/streamspace-dev/deviceorch/internal/events"
	"github.com/streamspace-dev/deviceorch/internal/ids"
	"github.com/streamspace-dev/deviceorch/internal/logger"
)

const defaultPoolSize = 2

// Config is one plugin's declarative configuration, as carried in a
// session's submitted config.
type Config struct {
	ClassName  string
	ModuleName string // informational only; class names are resolved process-wide
	Label      string // optional explicit label; defaults to ClassName
	Options    ExecutionConfig
}

// EffectiveLabel returns the label this config resolves to.
func (c Config) EffectiveLabel() string {
	if c.Label != "" {
		return c.Label
	}
	return c.ClassName
}

// LoadedPlugin pairs a materialized subscriber with its closeable
// resources and the explicit id replacing identity-hash tracking.
type LoadedPlugin struct {
	Label        string
	Subscriber   events.Subscriber
	SubscriberID uint64
	close        Closer
}

// Close releases the plugin's worker pool and any factory-provided
// resource. Safe to call once; subsequent calls are no-ops.
func (p *LoadedPlugin) Close() error {
	if p.close == nil {
		return nil
	}
	err := p.close()
	p.close = nil
	return err
}

// Host materializes plugin instances from declarative configuration.
type Host struct {
	registry *Registry
}

// NewHost builds a host backed by registry. Pass DefaultRegistry() to use
// the process-wide builtin registry.
func NewHost(registry *Registry) *Host {
	return &Host{registry: registry}
}

// LoadAll instantiates every configured plugin in order, failing fast on
// the first duplicate label, unknown class, or construction error. Any
// plugins already loaded in this call are closed before returning an
// error so no worker pool leaks.
func (h *Host) LoadAll(base *DefaultContext, configs []Config, alloc *ids.Allocator) ([]*LoadedPlugin, error) {
	seen := make(map[string]bool, len(configs))
	loaded := make([]*LoadedPlugin, 0, len(configs))

	fail := func(err error) ([]*LoadedPlugin, error) {
		for _, lp := range loaded {
			_ = lp.Close()
		}
		return nil, err
	}

	for _, cfg := range configs {
		label := cfg.EffectiveLabel()
		if seen[label] {
			return fail(apperrors.DuplicatedPluginLabel(label))
		}
		seen[label] = true

		factory, ok := h.registry.Get(cfg.ClassName)
		if !ok {
			return fail(apperrors.PluginClassNotFound(cfg.ClassName))
		}

		pool := NewWorkerPool(fmt.Sprintf("session-plugin-%s-thread-pool", label), defaultPoolSize)
		pctx := *base
		pctx.Pool = pool
		pluginLog := logger.Plugin(base.Session.SessionID, label)
		pctx.Logger = pluginLog

		sub, closer, err := factory(&pctx, cfg.Options)
		if err != nil {
			pool.Close()
			return fail(apperrors.PluginCreationFailed(cfg.ClassName, err))
		}

		loaded = append(loaded, &LoadedPlugin{
			Label:        label,
			Subscriber:   sub,
			SubscriberID: alloc.Next(),
			close: func() error {
				pool.Close()
				if closer != nil {
					return closer()
				}
				return nil
			},
		})
	}

	return loaded, nil
}
