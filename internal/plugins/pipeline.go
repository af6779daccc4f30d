package plugins

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"botswarm/internal/connectors"
	"botswarm/internal/logging"
	"botswarm/pkg/models"
)

type entry struct {
	plugin   Plugin
	pctx     *PluginContext
	priority int
}

// Pipeline is the ordered set of plugin instances bound to one session.
// Every hook runs in the same ascending-priority order, inbound and
// outbound alike. Order is part of the observable contract: an auth
// header applied at priority 10 must already be present when a priority
// 50 plugin inspects the outbound message, and the same holds for
// responses on the way back.
type Pipeline struct {
	entries []*entry
	log     zerolog.Logger
}

// NewPipeline resolves the target's plugin specs against the registry.
// Plugins that do not support the target's connector type are skipped
// with a warning. Plugin configs are validated against each plugin's
// schema; an invalid config fails construction.
func NewPipeline(specs []models.PluginSpec, registry *Registry, sessionID string, target *models.Target, conn connectors.Connector) (*Pipeline, error) {
	log := logging.Component("plugins").With().Str("session_id", sessionID).Logger()

	p := &Pipeline{log: log}
	for _, spec := range specs {
		plugin, err := registry.Resolve(spec.Name)
		if err != nil {
			return nil, err
		}

		if !supportsConnector(plugin, target.ConnectorType) {
			log.Warn().
				Str("plugin", spec.Name).
				Str("connector_type", string(target.ConnectorType)).
				Msg("plugin does not support connector type, skipping")
			continue
		}

		if err := plugin.ConfigSchema().Validate(map[string]interface{}(spec.Config)); err != nil {
			return nil, fmt.Errorf("plugin %q config: %w", spec.Name, err)
		}

		priority := plugin.Priority()
		if priority == 0 {
			priority = DefaultPriority
		}

		p.entries = append(p.entries, &entry{
			plugin:   plugin,
			pctx:     NewPluginContext(sessionID, target.ID, conn, spec.Config),
			priority: priority,
		})
	}

	sort.SliceStable(p.entries, func(i, j int) bool {
		return p.entries[i].priority < p.entries[j].priority
	})
	return p, nil
}

func supportsConnector(plugin Plugin, connType models.ConnectorType) bool {
	supported := plugin.SupportedConnectors()
	if len(supported) == 0 {
		return true
	}
	for _, t := range supported {
		if t == connType {
			return true
		}
	}
	return false
}

// Names returns plugin names in run order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.entries))
	for i, e := range p.entries {
		names[i] = e.plugin.Name()
	}
	return names
}

// Len reports how many plugins survived construction filtering.
func (p *Pipeline) Len() int { return len(p.entries) }

// Initialize runs every plugin's Initialize hook.
func (p *Pipeline) Initialize(ctx context.Context) error {
	for _, e := range p.entries {
		if err := p.guard(e, "initialize", func() error {
			return e.plugin.Initialize(ctx, e.pctx)
		}); err != nil {
			return err
		}
	}
	return nil
}

// OnConnect threads the connect config through the plugins, letting each
// one rewrite it.
func (p *Pipeline) OnConnect(ctx context.Context, cfg *connectors.ConnectConfig) (*connectors.ConnectConfig, error) {
	current := cfg
	for _, e := range p.entries {
		err := p.guard(e, "on_connect", func() error {
			next, hookErr := e.plugin.OnConnect(ctx, current, e.pctx)
			if hookErr != nil {
				return hookErr
			}
			if next != nil {
				current = next
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return current, nil
}

// BeforeSend threads the outbound text and metadata through the plugins.
func (p *Pipeline) BeforeSend(ctx context.Context, text string, metadata connectors.Metadata) (string, connectors.Metadata, error) {
	if metadata == nil {
		metadata = connectors.Metadata{}
	}
	for _, e := range p.entries {
		err := p.guard(e, "before_send", func() error {
			nextText, nextMeta, hookErr := e.plugin.BeforeSend(ctx, text, metadata, e.pctx)
			if hookErr != nil {
				return hookErr
			}
			text = nextText
			if nextMeta != nil {
				metadata = nextMeta
			}
			return nil
		})
		if err != nil {
			return "", nil, err
		}
	}
	return text, metadata, nil
}

// AfterReceive threads the result through the plugins in the SAME
// ascending order used outbound.
func (p *Pipeline) AfterReceive(ctx context.Context, result *connectors.MessageResult) (*connectors.MessageResult, error) {
	for _, e := range p.entries {
		err := p.guard(e, "after_receive", func() error {
			next, hookErr := e.plugin.AfterReceive(ctx, result, e.pctx)
			if hookErr != nil {
				return hookErr
			}
			if next != nil {
				result = next
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// OnDisconnect runs every plugin's teardown hook even when earlier ones
// fail, returning the first failure.
func (p *Pipeline) OnDisconnect(ctx context.Context) error {
	var firstErr error
	for _, e := range p.entries {
		err := p.guard(e, "on_disconnect", func() error {
			return e.plugin.OnDisconnect(ctx, e.pctx)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// guard is the per-plugin containment boundary: panics become errors,
// the failing plugin's OnError fires, and the caller gets a HookError.
func (p *Pipeline) guard(e *entry, hook string, fn func() error) error {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return nil
	}

	p.log.Warn().
		Str("plugin", e.plugin.Name()).
		Str("hook", hook).
		Err(err).
		Msg("plugin hook failed")
	p.notifyError(e, hook, err)

	return &HookError{Plugin: e.plugin.Name(), Hook: hook, Err: err}
}

func (p *Pipeline) notifyError(e *entry, hook string, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Str("plugin", e.plugin.Name()).
				Interface("panic", r).
				Msg("plugin OnError panicked")
		}
	}()
	e.plugin.OnError(err, hook, e.pctx)
}
