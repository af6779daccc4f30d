package builtin

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"botswarm/internal/connectors"
	"botswarm/internal/logging"
	"botswarm/internal/plugins"
	"botswarm/pkg/schema"
)

const auditSchema = schema.ConfigSchema(`{
	"type": "object",
	"properties": {
		"log_bodies": {"type": "boolean"}
	},
	"additionalProperties": false
}`)

// AuditPlugin observes every message and response without touching them.
// It runs last so it sees what the other plugins actually produced.
type AuditPlugin struct {
	plugins.BasePlugin

	log       zerolog.Logger
	logBodies bool

	sends    atomic.Int64
	receives atomic.Int64
	failures atomic.Int64
	errors   atomic.Int64
}

// AuditStats is a counter snapshot.
type AuditStats struct {
	Sends    int64 `json:"sends"`
	Receives int64 `json:"receives"`
	Failures int64 `json:"failures"`
	Errors   int64 `json:"errors"`
}

func NewAudit() *AuditPlugin {
	return &AuditPlugin{log: logging.Component("audit")}
}

func (a *AuditPlugin) Name() string { return "audit" }

func (a *AuditPlugin) Priority() int { return PriorityAudit }

func (a *AuditPlugin) ConfigSchema() schema.ConfigSchema { return auditSchema }

func (a *AuditPlugin) Initialize(ctx context.Context, pctx *plugins.PluginContext) error {
	a.log = logging.Component("audit").With().Str("session_id", pctx.SessionID).Logger()
	a.logBodies = pctx.ConfigBool("log_bodies")
	return nil
}

func (a *AuditPlugin) BeforeSend(ctx context.Context, text string, metadata connectors.Metadata, pctx *plugins.PluginContext) (string, connectors.Metadata, error) {
	a.sends.Add(1)
	event := a.log.Debug().Int("length", len(text))
	if a.logBodies {
		event = event.Str("text", text)
	}
	event.Msg("outbound message")
	return text, metadata, nil
}

func (a *AuditPlugin) AfterReceive(ctx context.Context, result *connectors.MessageResult, pctx *plugins.PluginContext) (*connectors.MessageResult, error) {
	a.receives.Add(1)
	if !result.Success {
		a.failures.Add(1)
	}

	event := a.log.Debug().
		Bool("success", result.Success).
		Int("status_code", result.StatusCode).
		Int64("response_time_ms", result.ResponseTimeMs)
	if result.ErrorType != "" {
		event = event.Str("error_type", result.ErrorType)
	}
	if a.logBodies {
		event = event.Str("content", result.Content)
	}
	event.Msg("inbound response")
	return result, nil
}

func (a *AuditPlugin) OnError(err error, hook string, pctx *plugins.PluginContext) {
	a.errors.Add(1)
	a.log.Warn().Str("hook", hook).Err(err).Msg("audited hook error")
}

func (a *AuditPlugin) OnDisconnect(ctx context.Context, pctx *plugins.PluginContext) error {
	stats := a.Stats()
	a.log.Info().
		Int64("sends", stats.Sends).
		Int64("receives", stats.Receives).
		Int64("failures", stats.Failures).
		Msg("session audit summary")
	return nil
}

// Stats snapshots the counters.
func (a *AuditPlugin) Stats() AuditStats {
	return AuditStats{
		Sends:    a.sends.Load(),
		Receives: a.receives.Load(),
		Failures: a.failures.Load(),
		Errors:   a.errors.Load(),
	}
}
