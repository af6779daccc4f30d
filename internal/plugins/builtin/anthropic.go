package builtin

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"

	"botswarm/internal/connectors"
	"botswarm/internal/plugins"
	"botswarm/pkg/schema"
)

// AnthropicConversationPlugin is the Anthropic-wire-shape counterpart of
// the OpenAI conversation plugin. The messages API requires strict
// user/assistant alternation, so when two user turns would end up
// adjacent the trailing user turn is overwritten by the newer text.
type AnthropicConversationPlugin struct {
	plugins.BasePlugin

	mu      sync.Mutex
	turns   []anthropic.MessageParam
	pending string
	limit   int
}

func NewAnthropicConversation() *AnthropicConversationPlugin {
	return &AnthropicConversationPlugin{}
}

func (p *AnthropicConversationPlugin) Name() string { return "anthropic-conversation" }

func (p *AnthropicConversationPlugin) Priority() int { return PriorityConversation }

func (p *AnthropicConversationPlugin) ConfigSchema() schema.ConfigSchema { return conversationSchema }

func (p *AnthropicConversationPlugin) Initialize(ctx context.Context, pctx *plugins.PluginContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit, ok := pctx.Config["history_limit"].(float64); ok {
		p.limit = int(limit)
	}
	return nil
}

func (p *AnthropicConversationPlugin) BeforeSend(ctx context.Context, text string, metadata connectors.Metadata, pctx *plugins.PluginContext) (string, connectors.Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	messages := make([]anthropic.MessageParam, len(p.turns), len(p.turns)+1)
	copy(messages, p.turns)

	userTurn := anthropic.NewUserMessage(anthropic.NewTextBlock(text))
	if n := len(messages); n > 0 && messages[n-1].Role == anthropic.MessageParamRoleUser {
		messages[n-1] = userTurn
	} else {
		messages = append(messages, userTurn)
	}

	p.pending = text
	metadata["history"] = messages
	return text, metadata, nil
}

func (p *AnthropicConversationPlugin) AfterReceive(ctx context.Context, result *connectors.MessageResult, pctx *plugins.PluginContext) (*connectors.MessageResult, error) {
	var msg anthropic.Message
	if len(result.RawResponse) > 0 && json.Unmarshal(result.RawResponse, &msg) == nil {
		input := int(msg.Usage.InputTokens)
		output := int(msg.Usage.OutputTokens)
		if result.TokenUsage == nil && input+output > 0 {
			result.TokenUsage = &connectors.TokenUsage{
				PromptTokens:     input,
				CompletionTokens: output,
				TotalTokens:      input + output,
			}
		}
		if result.Content == "" {
			result.Content = firstTextBlock(&msg)
		}
	}

	if result.Success {
		p.mu.Lock()
		p.retain(p.pending, result.Content)
		p.mu.Unlock()
	}
	return result, nil
}

// retain appends a completed exchange, overwriting a trailing user turn
// to keep alternation intact.
func (p *AnthropicConversationPlugin) retain(userText, assistantText string) {
	userTurn := anthropic.NewUserMessage(anthropic.NewTextBlock(userText))
	if n := len(p.turns); n > 0 && p.turns[n-1].Role == anthropic.MessageParamRoleUser {
		p.turns[n-1] = userTurn
	} else {
		p.turns = append(p.turns, userTurn)
	}
	p.turns = append(p.turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(assistantText)))

	if p.limit > 0 && len(p.turns) > p.limit {
		p.turns = p.turns[len(p.turns)-p.limit:]
		// Alternation must open with a user turn.
		if len(p.turns) > 0 && p.turns[0].Role == anthropic.MessageParamRoleAssistant {
			p.turns = p.turns[1:]
		}
	}
}

func (p *AnthropicConversationPlugin) OnDisconnect(ctx context.Context, pctx *plugins.PluginContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = nil
	p.pending = ""
	return nil
}

func firstTextBlock(msg *anthropic.Message) string {
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			return text.Text
		}
	}
	return ""
}
