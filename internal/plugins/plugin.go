// Package plugins runs target-scoped hook pipelines around every
// connection and message. Plugins observe or rewrite traffic; the
// pipeline contains their failures so one bad plugin cannot take the
// process down with it.
package plugins

import (
	"context"
	"fmt"
	"sync"

	"botswarm/internal/connectors"
	"botswarm/pkg/models"
	"botswarm/pkg/schema"
)

// DefaultPriority applies when a plugin reports priority 0. Lower runs
// earlier, in the same order for every hook.
const DefaultPriority = 100

// Plugin is the hook surface. Rewriting hooks thread their inputs
// through: each plugin's output feeds the next one in priority order.
type Plugin interface {
	Name() string
	Version() string
	Priority() int
	// SupportedConnectors narrows the plugin to connector types. Empty
	// means all.
	SupportedConnectors() []models.ConnectorType
	ConfigSchema() schema.ConfigSchema

	Initialize(ctx context.Context, pctx *PluginContext) error
	OnConnect(ctx context.Context, cfg *connectors.ConnectConfig, pctx *PluginContext) (*connectors.ConnectConfig, error)
	BeforeSend(ctx context.Context, text string, metadata connectors.Metadata, pctx *PluginContext) (string, connectors.Metadata, error)
	AfterReceive(ctx context.Context, result *connectors.MessageResult, pctx *PluginContext) (*connectors.MessageResult, error)
	OnDisconnect(ctx context.Context, pctx *PluginContext) error
	// OnError is synchronous notification of a failure in one of this
	// plugin's own hooks. It must not block.
	OnError(err error, hook string, pctx *PluginContext)
}

// PluginContext is the per-session, per-plugin scope: identity of the
// session and target, the live connector, the resolved config for this
// plugin instance, and a private state bag.
type PluginContext struct {
	SessionID string
	TargetID  int64
	Connector connectors.Connector
	Config    models.JSONMap

	mu    sync.RWMutex
	state map[string]interface{}
}

// NewPluginContext builds a context with an empty state bag.
func NewPluginContext(sessionID string, targetID int64, conn connectors.Connector, config models.JSONMap) *PluginContext {
	if config == nil {
		config = models.JSONMap{}
	}
	return &PluginContext{
		SessionID: sessionID,
		TargetID:  targetID,
		Connector: conn,
		Config:    config,
		state:     make(map[string]interface{}),
	}
}

// SetState stores a value in this plugin's private bag.
func (p *PluginContext) SetState(key string, value interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[key] = value
}

// GetState reads a value from the bag.
func (p *PluginContext) GetState(key string) (interface{}, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.state[key]
	return v, ok
}

// StateString reads a string value, "" when absent or mistyped.
func (p *PluginContext) StateString(key string) string {
	v, ok := p.GetState(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// StateInt reads an int value, 0 when absent or mistyped.
func (p *PluginContext) StateInt(key string) int {
	v, ok := p.GetState(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// ConfigString reads a string from the resolved config.
func (p *PluginContext) ConfigString(key string) string {
	s, _ := p.Config[key].(string)
	return s
}

// ConfigBool reads a bool from the resolved config.
func (p *PluginContext) ConfigBool(key string) bool {
	b, _ := p.Config[key].(bool)
	return b
}

// HookError marks which plugin and hook failed. The pipeline converts
// hook panics and errors into this type at the per-plugin boundary.
type HookError struct {
	Plugin string
	Hook   string
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("plugin %q: %s hook failed: %v", e.Plugin, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// BasePlugin is a no-op implementation to embed, so plugins only define
// the hooks they care about. Name must be provided by the embedder.
type BasePlugin struct{}

func (BasePlugin) Version() string { return "1.0.0" }

func (BasePlugin) Priority() int { return DefaultPriority }

func (BasePlugin) SupportedConnectors() []models.ConnectorType { return nil }

func (BasePlugin) ConfigSchema() schema.ConfigSchema { return "" }

func (BasePlugin) Initialize(ctx context.Context, pctx *PluginContext) error { return nil }

func (BasePlugin) OnConnect(ctx context.Context, cfg *connectors.ConnectConfig, pctx *PluginContext) (*connectors.ConnectConfig, error) {
	return cfg, nil
}

func (BasePlugin) BeforeSend(ctx context.Context, text string, metadata connectors.Metadata, pctx *PluginContext) (string, connectors.Metadata, error) {
	return text, metadata, nil
}

func (BasePlugin) AfterReceive(ctx context.Context, result *connectors.MessageResult, pctx *PluginContext) (*connectors.MessageResult, error) {
	return result, nil
}

func (BasePlugin) OnDisconnect(ctx context.Context, pctx *PluginContext) error { return nil }

func (BasePlugin) OnError(err error, hook string, pctx *PluginContext) {}
