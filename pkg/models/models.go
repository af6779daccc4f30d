package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ConnectorType identifies the wire protocol used to reach a target.
type ConnectorType string

const (
	ConnectorHTTPRest  ConnectorType = "HTTP_REST"
	ConnectorWebSocket ConnectorType = "WEBSOCKET"
	ConnectorGRPC      ConnectorType = "GRPC"
	ConnectorSSE       ConnectorType = "SSE"
)

// Valid reports whether the connector type names a supported protocol.
func (c ConnectorType) Valid() bool {
	switch c {
	case ConnectorHTTPRest, ConnectorWebSocket, ConnectorGRPC, ConnectorSSE:
		return true
	}
	return false
}

// SessionStatus tracks a session through its lifecycle. Transitions move
// strictly forward (PENDING -> QUEUED -> RUNNING -> terminal) and a
// terminal status is never exited.
type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionQueued    SessionStatus = "QUEUED"
	SessionRunning   SessionStatus = "RUNNING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionFailed    SessionStatus = "FAILED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

var statusRank = map[SessionStatus]int{
	SessionPending:   0,
	SessionQueued:    1,
	SessionRunning:   2,
	SessionCompleted: 3,
	SessionFailed:    3,
	SessionCancelled: 3,
}

// CanTransition reports whether moving from s to next preserves the
// forward-only ordering of the session state machine. Skipping
// intermediate states (e.g. QUEUED -> CANCELLED) is allowed.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s.Terminal() {
		return false
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// BatchStatus is derived from the member sessions of a batch; a batch has
// no state machine of its own.
type BatchStatus string

const (
	BatchPending   BatchStatus = "PENDING"
	BatchRunning   BatchStatus = "RUNNING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchPartial   BatchStatus = "PARTIAL"
	BatchFailed    BatchStatus = "FAILED"
	BatchCancelled BatchStatus = "CANCELLED"
)

// DeriveBatchStatus aggregates member session statuses into a batch
// status. All members completed is COMPLETED, all cancelled is CANCELLED,
// no member completed is FAILED, any other terminal mix is PARTIAL.
func DeriveBatchStatus(statuses []SessionStatus) BatchStatus {
	if len(statuses) == 0 {
		return BatchPending
	}

	var completed, cancelled, terminal int
	for _, s := range statuses {
		if s.Terminal() {
			terminal++
		}
		switch s {
		case SessionCompleted:
			completed++
		case SessionCancelled:
			cancelled++
		}
	}

	if terminal < len(statuses) {
		return BatchRunning
	}

	switch {
	case completed == len(statuses):
		return BatchCompleted
	case cancelled == len(statuses):
		return BatchCancelled
	case completed == 0:
		return BatchFailed
	default:
		return BatchPartial
	}
}

// BatchMode controls whether a batch's sessions run concurrently or one
// after another.
type BatchMode string

const (
	BatchParallel   BatchMode = "parallel"
	BatchSequential BatchMode = "sequential"
)

// ErrorAction is the policy applied when a message dispatch fails.
type ErrorAction string

const (
	ActionSkip  ErrorAction = "skip"
	ActionAbort ErrorAction = "abort"
	ActionRetry ErrorAction = "retry"
)

// Message roles shared by conversation history and plugin state.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Target describes one chatbot API endpoint under test. A target is
// immutable while sessions execute against it.
type Target struct {
	ID               int64             `json:"id" db:"id"`
	Name             string            `json:"name" db:"name"`
	ConnectorType    ConnectorType     `json:"connector_type" db:"connector_type"`
	Endpoint         string            `json:"endpoint" db:"endpoint"`
	AuthType         string            `json:"auth_type,omitempty" db:"auth_type"`
	AuthConfig       JSONMap           `json:"auth_config,omitempty" db:"auth_config"`
	Headers          map[string]string `json:"headers,omitempty" db:"headers"`
	RequestTemplate  *RequestTemplate  `json:"request_template,omitempty" db:"request_template"`
	ResponseTemplate *ResponseTemplate `json:"response_template,omitempty" db:"response_template"`
	ProtocolConfig   JSONMap           `json:"protocol_config,omitempty" db:"protocol_config"`
	Plugins          []PluginSpec      `json:"plugins,omitempty" db:"plugins"`
	TimeoutMs        int               `json:"timeout_ms,omitempty" db:"timeout_ms"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// PluginSpec selects a registered plugin and its per-target configuration.
type PluginSpec struct {
	Name   string  `json:"name"`
	Config JSONMap `json:"config,omitempty"`
}

// RequestTemplate shapes the outbound request body. Body is a literal JSON
// skeleton, MessagePath is the dot path the outbound text is injected at,
// and HistoryPath (optional) receives the role-tagged message array built
// by a conversation plugin.
type RequestTemplate struct {
	Body        JSONMap `json:"body,omitempty"`
	MessagePath string  `json:"message_path"`
	HistoryPath string  `json:"history_path,omitempty"`
}

// ResponseTemplate names the dot paths reply content, token usage and
// error detail are read from.
type ResponseTemplate struct {
	ContentPath          string `json:"content_path"`
	PromptTokensPath     string `json:"prompt_tokens_path,omitempty"`
	CompletionTokensPath string `json:"completion_tokens_path,omitempty"`
	TotalTokensPath      string `json:"total_tokens_path,omitempty"`
	ErrorPath            string `json:"error_path,omitempty"`
}

// Scenario is a reusable conversation flow. The flow document is stored
// raw and parsed by the flow package at execution time.
type Scenario struct {
	ID          int64           `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Description *string         `json:"description,omitempty" db:"description"`
	Flow        json.RawMessage `json:"flow" db:"flow"`
	Defaults    ExecutionConfig `json:"defaults" db:"defaults"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// RetryConfig parameterizes retry waits. The delay before attempt n is
// DelayMs * BackoffMultiplier^(n-1), capped at MaxDelayMs.
type RetryConfig struct {
	MaxRetries        int     `json:"max_retries"`
	DelayMs           int     `json:"delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxDelayMs        int     `json:"max_delay_ms"`
}

// StatusCodeRule maps a set of response status codes to an error action.
// Rules are evaluated in declaration order and the first match wins.
type StatusCodeRule struct {
	Codes  []int        `json:"codes"`
	Action ErrorAction  `json:"action"`
	Retry  *RetryConfig `json:"retry,omitempty"`
}

// Matches reports whether the rule covers the given status code.
func (r StatusCodeRule) Matches(code int) bool {
	for _, c := range r.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// ExecutionConfig is the effective execution policy for one session: the
// scenario defaults merged with caller overrides.
type ExecutionConfig struct {
	Repetitions     int              `json:"repetitions,omitempty"`
	Concurrency     int              `json:"concurrency,omitempty"`
	DelayBetweenMs  int              `json:"delay_between_ms,omitempty"`
	Verbosity       string           `json:"verbosity,omitempty"`
	HistoryWindow   int              `json:"history_window,omitempty"`
	MaxDepth        int              `json:"max_depth,omitempty"`
	OnError         ErrorAction      `json:"on_error,omitempty"`
	Retry           RetryConfig      `json:"retry,omitempty"`
	StatusCodeRules []StatusCodeRule `json:"status_code_rules,omitempty"`
}

// DefaultExecutionConfig is the engine baseline: fully sequential, no
// spacing, abort on unhandled failure.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		Repetitions:   1,
		Concurrency:   1,
		Verbosity:     "normal",
		HistoryWindow: 50,
		MaxDepth:      10,
		OnError:       ActionAbort,
		Retry: RetryConfig{
			MaxRetries:        3,
			DelayMs:           1000,
			BackoffMultiplier: 2,
			MaxDelayMs:        30000,
		},
	}
}

// MergeExecutionConfig layers overrides on top of base. Zero-valued fields
// in overrides inherit from base.
func MergeExecutionConfig(base ExecutionConfig, overrides *ExecutionConfig) ExecutionConfig {
	merged := base
	if overrides == nil {
		return merged
	}
	if overrides.Repetitions > 0 {
		merged.Repetitions = overrides.Repetitions
	}
	if overrides.Concurrency > 0 {
		merged.Concurrency = overrides.Concurrency
	}
	if overrides.DelayBetweenMs > 0 {
		merged.DelayBetweenMs = overrides.DelayBetweenMs
	}
	if overrides.Verbosity != "" {
		merged.Verbosity = overrides.Verbosity
	}
	if overrides.HistoryWindow > 0 {
		merged.HistoryWindow = overrides.HistoryWindow
	}
	if overrides.MaxDepth > 0 {
		merged.MaxDepth = overrides.MaxDepth
	}
	if overrides.OnError != "" {
		merged.OnError = overrides.OnError
	}
	if overrides.Retry.MaxRetries > 0 || overrides.Retry.DelayMs > 0 {
		merged.Retry = overrides.Retry
	}
	if len(overrides.StatusCodeRules) > 0 {
		merged.StatusCodeRules = overrides.StatusCodeRules
	}
	return merged
}

// Session is one execution of a scenario (or an ad hoc message list)
// against one target.
type Session struct {
	ID             int64           `json:"id" db:"id"`
	SessionID      string          `json:"session_id" db:"session_id"`
	TargetID       int64           `json:"target_id" db:"target_id"`
	ScenarioID     *int64          `json:"scenario_id,omitempty" db:"scenario_id"`
	BatchID        *string         `json:"batch_id,omitempty" db:"batch_id"`
	Status         SessionStatus   `json:"status" db:"status"`
	Config         ExecutionConfig `json:"config" db:"config"`
	CustomMessages []string        `json:"custom_messages,omitempty" db:"custom_messages"`
	Summary        *SessionSummary `json:"summary,omitempty" db:"summary"`
	Error          *string         `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// SessionSummary holds the finalized aggregate metrics for a session.
type SessionSummary struct {
	MessageCount      int     `json:"message_count"`
	SuccessCount      int     `json:"success_count"`
	FailureCount      int     `json:"failure_count"`
	RetryCount        int     `json:"retry_count"`
	PromptTokens      int64   `json:"prompt_tokens"`
	CompletionTokens  int64   `json:"completion_tokens"`
	TotalTokens       int64   `json:"total_tokens"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	MinResponseTimeMs int64   `json:"min_response_time_ms"`
	MaxResponseTimeMs int64   `json:"max_response_time_ms"`
	P50ResponseTimeMs int64   `json:"p50_response_time_ms"`
	P95ResponseTimeMs int64   `json:"p95_response_time_ms"`
	P99ResponseTimeMs int64   `json:"p99_response_time_ms"`
	AvgSimilarity     float64 `json:"avg_similarity"`
	DurationMs        int64   `json:"duration_ms"`
}

// Batch groups sibling sessions that run one scenario across many targets.
type Batch struct {
	ID         int64     `json:"id" db:"id"`
	BatchID    string    `json:"batch_id" db:"batch_id"`
	ScenarioID int64     `json:"scenario_id" db:"scenario_id"`
	Mode       BatchMode `json:"mode" db:"mode"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// MessageMetric records one message attempt, including retried and skipped
// attempts. The table is append-only.
type MessageMetric struct {
	ID               int64     `json:"id" db:"id"`
	MetricID         string    `json:"metric_id" db:"metric_id"`
	SessionID        string    `json:"session_id" db:"session_id"`
	MessageIndex     int       `json:"message_index" db:"message_index"`
	Attempt          int       `json:"attempt" db:"attempt"`
	PromptTokens     int       `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens" db:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens" db:"total_tokens"`
	SentAt           time.Time `json:"sent_at" db:"sent_at"`
	ReceivedAt       time.Time `json:"received_at" db:"received_at"`
	ResponseTimeMs   int64     `json:"response_time_ms" db:"response_time_ms"`
	Success          bool      `json:"success" db:"success"`
	StatusCode       int       `json:"status_code,omitempty" db:"status_code"`
	ErrorType        string    `json:"error_type,omitempty" db:"error_type"`
	ErrorMessage     string    `json:"error_message,omitempty" db:"error_message"`
	Similarity       float64   `json:"similarity" db:"similarity"`
}

// Schedule triggers a recurring batch run of one scenario against a set of
// targets.
type Schedule struct {
	ID             int64      `json:"id" db:"id"`
	Name           string     `json:"name" db:"name"`
	ScenarioID     int64      `json:"scenario_id" db:"scenario_id"`
	TargetIDs      []int64    `json:"target_ids" db:"target_ids"`
	Mode           BatchMode  `json:"mode" db:"mode"`
	CronExpression string     `json:"cron_expression" db:"cron_expression"`
	Timezone       string     `json:"timezone" db:"timezone"`
	Enabled        bool       `json:"enabled" db:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty" db:"next_run_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// JSONMap is a custom type for handling JSON objects in SQLite columns.
type JSONMap map[string]interface{}

func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}
