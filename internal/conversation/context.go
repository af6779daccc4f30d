// Package conversation holds the per-session mutable state: message
// history with windowed eviction, template variables, and cumulative
// token counters.
package conversation

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"botswarm/pkg/models"
)

// DefaultHistoryWindow bounds retained history when no window is
// configured.
const DefaultHistoryWindow = 50

// Message is one turn of the conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is exclusively owned by one running session. Methods are safe
// for concurrent use because a session with concurrency > 1 may have
// several in-flight responses appending at once.
type Context struct {
	mu sync.Mutex

	sessionID string
	window    int

	messages     []Message
	variables    map[string]string
	lastResponse string
	messageIndex int

	promptTokens     int64
	completionTokens int64
	totalTokens      int64

	faker *gofakeit.Faker
}

// New creates a context for the given session. window <= 0 selects the
// default history window.
func New(sessionID string, window int) *Context {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &Context{
		sessionID: sessionID,
		window:    window,
		variables: make(map[string]string),
		faker:     gofakeit.New(0),
	}
}

// SessionID returns the owning session's id.
func (c *Context) SessionID() string {
	return c.sessionID
}

// AppendMessage adds one turn to the history, evicting the oldest
// retained turns once the window is exceeded. Assistant turns also update
// the last-response binding used by templates and conditions.
func (c *Context) AppendMessage(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append(c.messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if len(c.messages) > c.window {
		c.messages = c.messages[len(c.messages)-c.window:]
	}

	if role == models.RoleAssistant {
		c.lastResponse = content
	}
}

// History returns the retained turns, oldest first. A positive limit
// returns only the most recent limit turns.
func (c *Context) History(limit int) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.messages
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// LastResponse returns the most recent assistant turn content, or the
// empty string when none has arrived yet.
func (c *Context) LastResponse() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResponse
}

// MessageIndex returns the number of messages dispatched so far.
func (c *Context) MessageIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messageIndex
}

// AdvanceMessageIndex bumps the dispatched-message counter and returns
// the index the next outbound message will carry.
func (c *Context) AdvanceMessageIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.messageIndex
	c.messageIndex++
	return idx
}

// BindVariable sets a template variable for this session.
func (c *Context) BindVariable(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// Variable returns a bound variable and whether it exists.
func (c *Context) Variable(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.variables[name]
	return v, ok
}

// AddTokenUsage accumulates token counts. Counters only ever grow;
// history eviction never rolls them back.
func (c *Context) AddTokenUsage(prompt, completion, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prompt > 0 {
		c.promptTokens += int64(prompt)
	}
	if completion > 0 {
		c.completionTokens += int64(completion)
	}
	if total > 0 {
		c.totalTokens += int64(total)
	}
}

// TokenUsage returns the cumulative prompt, completion and total token
// counts.
func (c *Context) TokenUsage() (prompt, completion, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.promptTokens, c.completionTokens, c.totalTokens
}

// ResolveTemplate substitutes {{variable}} placeholders. Built-ins
// (last_response, message_index, timestamp, session_id, random_int,
// random_text) take precedence over user bindings; unknown placeholders
// are left intact so scripting mistakes stay visible in the transcript.
func (c *Context) ResolveTemplate(text string) string {
	if !strings.Contains(text, "{{") {
		return text
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	for {
		start := strings.Index(text, "{{")
		if start < 0 {
			b.WriteString(text)
			break
		}
		end := strings.Index(text[start:], "}}")
		if end < 0 {
			b.WriteString(text)
			break
		}
		end += start

		b.WriteString(text[:start])
		name := strings.TrimSpace(text[start+2 : end])
		if value, ok := c.resolveVariableLocked(name); ok {
			b.WriteString(value)
		} else {
			b.WriteString(text[start : end+2])
		}
		text = text[end+2:]
	}
	return b.String()
}

func (c *Context) resolveVariableLocked(name string) (string, bool) {
	switch name {
	case "last_response":
		return c.lastResponse, true
	case "message_index":
		return strconv.Itoa(c.messageIndex), true
	case "timestamp":
		return time.Now().UTC().Format(time.RFC3339), true
	case "session_id":
		return c.sessionID, true
	case "random_int":
		return strconv.Itoa(c.faker.Number(0, 999999)), true
	case "random_text":
		return c.faker.LoremIpsumSentence(6), true
	}
	v, ok := c.variables[name]
	return v, ok
}
