package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var mockTargetCmd = &cobra.Command{
	Use:   "mock-target",
	Short: "Run a mock chatbot target for local testing",
	Long: `Run a small HTTP server that behaves like a chatbot backend.

Endpoints:
  GET  /health               liveness probe
  POST /chat                 plain {"message": ...} -> {"response": ...}
  POST /v1/chat/completions  OpenAI-style chat, streams SSE when "stream": true
  GET  /ws                   the same contract over a WebSocket

Replies are canned customer-support answers keyed off the message text,
so scenario conditions have deterministic content to branch on. Use
--delay-ms and --fail-rate to rehearse retry and timeout behavior.`,
	RunE: runMockTarget,
}

func runMockTarget(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	delayMs, _ := cmd.Flags().GetInt("delay-ms")
	failRate, _ := cmd.Flags().GetFloat64("fail-rate")

	mock := &mockTarget{
		delay:    time.Duration(delayMs) * time.Millisecond,
		failRate: failRate,
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mock.routes(),
	}

	fmt.Println(styles.Banner.Render("🤖 Mock Chat Target"))
	fmt.Printf("• Listening on %s\n", styles.Info.Render(fmt.Sprintf("http://localhost:%d", port)))
	fmt.Printf("• Endpoints: %s\n", styles.Muted.Render("/health  /chat  /v1/chat/completions  /ws"))
	if delayMs > 0 {
		fmt.Printf("• Simulated latency: %dms\n", delayMs)
	}
	if failRate > 0 {
		fmt.Printf("• Failure rate: %.0f%%\n", failRate*100)
	}
	fmt.Println()
	fmt.Println(styles.Muted.Render("Press Ctrl+C to stop"))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("mock target failed: %w", err)
	case <-c:
	}

	fmt.Println("\n🛑 Shutting down mock target...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// mockTarget answers with deterministic canned replies over every
// transport the connectors speak.
type mockTarget struct {
	delay    time.Duration
	failRate float64
	upgrader websocket.Upgrader
}

func (m *mockTarget) routes() *gin.Engine {
	m.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", m.health)
	router.POST("/chat", m.chat)
	router.POST("/v1/chat/completions", m.completions)
	router.GET("/ws", m.ws)
	return router
}

func (m *mockTarget) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "botswarm-mock-target",
	})
}

/// chat implements the default request convention: a flat {"message"}
// document in, a flat {"response"} document out.
func (m *mockTarget) chat(c *gin.Context) {
	if m.reject(c) {
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": `body must be JSON with a "message" field`})
		return
	}

	reply := cannedReply(req.Message)
	m.pause()
	c.JSON(http.StatusOK, gin.H{
		"response": reply,
		"usage":    makeUsage(req.Message, reply),
	})
}

func (m *mockTarget) completions(c *gin.Context) {
	if m.reject(c) {
		return
	}
	var req struct {
		Messages []chatMessage `json:"messages"`
		Message  string        `json:"message"`
		Stream   bool          `json:"stream"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": "malformed request body", "type": "invalid_request_error"},
		})
		return
	}

	// Last user message wins; a bare "message" field works too so the
	// default request template can talk to this endpoint unconfigured.
	prompt := req.Message
	for _, msg := range req.Messages {
		if msg.Role == "" || msg.Role == "user" {
			prompt = msg.Content
		}
	}

	reply := cannedReply(prompt)
	m.pause()

	if req.Stream {
		m.streamCompletion(c, prompt, reply)
		return
	}

	c.JSON(http.StatusOK, completionResponse{
		ID:     fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object: "chat.completion",
		Model:  "botswarm-mock",
		Choices: []completionChoice{
			{
				Message:      chatMessage{Role: "assistant", Content: reply},
				FinishReason: "stop",
			},
		},
		Usage: makeUsage(prompt, reply),
	})
}

// streamCompletion emits the reply as SSE deltas, one word per frame,
// with usage riding the closing frame ahead of the [DONE] sentinel.
func (m *mockTarget) streamCompletion(c *gin.Context, prompt, reply string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	words := strings.Fields(reply)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 {
			chunk += " "
		}
		writeSSEFrame(c, streamFrame{
			Choices: []streamChoice{{Delta: streamDelta{Content: chunk}}},
		})
	}

	usage := makeUsage(prompt, reply)
	writeSSEFrame(c, streamFrame{
		Choices: []streamChoice{{FinishReason: "stop"}},
		Usage:   &usage,
	})
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// ws speaks the flat chat contract over a WebSocket: one JSON frame in,
// one JSON frame out, plain text tolerated on the way in.
func (m *mockTarget) ws(c *gin.Context) {
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		text := string(payload)
		var req struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload, &req); err == nil && req.Message != "" {
			text = req.Message
		}

		if m.failRate > 0 && rand.Float64() < m.failRate {
			if err := conn.WriteJSON(gin.H{"error": "mock backend unavailable"}); err != nil {
				return
			}
			continue
		}

		reply := cannedReply(text)
		m.pause()
		if err := conn.WriteJSON(gin.H{
			"response": reply,
			"usage":    makeUsage(text, reply),
		}); err != nil {
			return
		}
	}
}

func (m *mockTarget) reject(c *gin.Context) bool {
	if m.failRate > 0 && rand.Float64() < m.failRate {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mock backend unavailable"})
		return true
	}
	return false
}

func (m *mockTarget) pause() {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
}

func writeSSEFrame(c *gin.Context, frame streamFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	c.Writer.Flush()
}

// cannedReply maps a user message to a fixed support answer so flow
// conditions have stable text to match against.
func cannedReply(message string) string {
	text := strings.ToLower(strings.TrimSpace(message))
	switch {
	case text == "":
		return "I didn't catch that. Could you say it again?"
	case strings.Contains(text, "hello") || strings.HasPrefix(text, "hi"):
		return "Hello! Welcome to support. How can I help you today?"
	case strings.Contains(text, "order"):
		return "Your order #84217 shipped yesterday and should arrive within 3 business days."
	case strings.Contains(text, "refund"):
		return "I can help with that. Refunds are processed within 5 business days of approval."
	case strings.Contains(text, "human") || strings.Contains(text, "agent"):
		return "Transferring you to a human agent. Your ticket number is TCK-1042."
	case strings.Contains(text, "bye") || strings.Contains(text, "thank"):
		return "You're welcome! Goodbye, and have a great day."
	default:
		return "I'm not sure I understand. Could you rephrase that, or ask about orders and refunds?"
	}
}

func makeUsage(prompt, reply string) usagePayload {
	p, r := len(strings.Fields(prompt)), len(strings.Fields(reply))
	return usagePayload{PromptTokens: p, CompletionTokens: r, TotalTokens: p + r}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   usagePayload       `json:"usage"`
}

type completionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamFrame struct {
	Choices []streamChoice `json:"choices"`
	Usage   *usagePayload  `json:"usage,omitempty"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type streamDelta struct {
	Content string `json:"content,omitempty"`
}
