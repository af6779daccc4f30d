package builtin

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/openai/openai-go"

	"botswarm/internal/connectors"
	"botswarm/internal/plugins"
	"botswarm/pkg/schema"
)

const conversationSchema = schema.ConfigSchema(`{
	"type": "object",
	"properties": {
		"system_prompt": {"type": "string"},
		"history_limit": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`)

// OpenAIConversationPlugin maintains an OpenAI-wire-shaped message
// history and injects it into outbound metadata, so a chat-completions
// target receives a well-formed messages array. On the way back it
// normalizes usage counters from the raw response body when the target's
// response template did not extract them.
type OpenAIConversationPlugin struct {
	plugins.BasePlugin

	mu      sync.Mutex
	turns   []openai.ChatCompletionMessageParamUnion
	pending string
	system  string
	limit   int
}

func NewOpenAIConversation() *OpenAIConversationPlugin {
	return &OpenAIConversationPlugin{}
}

func (p *OpenAIConversationPlugin) Name() string { return "openai-conversation" }

func (p *OpenAIConversationPlugin) Priority() int { return PriorityConversation }

func (p *OpenAIConversationPlugin) ConfigSchema() schema.ConfigSchema { return conversationSchema }

func (p *OpenAIConversationPlugin) Initialize(ctx context.Context, pctx *plugins.PluginContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.system = pctx.ConfigString("system_prompt")
	if limit, ok := pctx.Config["history_limit"].(float64); ok {
		p.limit = int(limit)
	}
	return nil
}

func (p *OpenAIConversationPlugin) BeforeSend(ctx context.Context, text string, metadata connectors.Metadata, pctx *plugins.PluginContext) (string, connectors.Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(p.turns)+2)
	if p.system != "" {
		messages = append(messages, openai.SystemMessage(p.system))
	}
	messages = append(messages, p.turns...)
	messages = append(messages, openai.UserMessage(text))

	p.pending = text
	metadata["history"] = messages
	return text, metadata, nil
}

func (p *OpenAIConversationPlugin) AfterReceive(ctx context.Context, result *connectors.MessageResult, pctx *plugins.PluginContext) (*connectors.MessageResult, error) {
	var completion openai.ChatCompletion
	if len(result.RawResponse) > 0 && json.Unmarshal(result.RawResponse, &completion) == nil {
		if result.TokenUsage == nil && completion.Usage.TotalTokens > 0 {
			result.TokenUsage = &connectors.TokenUsage{
				PromptTokens:     int(completion.Usage.PromptTokens),
				CompletionTokens: int(completion.Usage.CompletionTokens),
				TotalTokens:      int(completion.Usage.TotalTokens),
			}
		}
		if result.Content == "" && len(completion.Choices) > 0 {
			result.Content = completion.Choices[0].Message.Content
		}
	}

	if result.Success {
		p.mu.Lock()
		p.turns = append(p.turns,
			openai.UserMessage(p.pending),
			openai.AssistantMessage(result.Content),
		)
		if p.limit > 0 && len(p.turns) > p.limit {
			p.turns = p.turns[len(p.turns)-p.limit:]
		}
		p.mu.Unlock()
	}
	return result, nil
}

func (p *OpenAIConversationPlugin) OnDisconnect(ctx context.Context, pctx *plugins.PluginContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = nil
	p.pending = ""
	return nil
}
