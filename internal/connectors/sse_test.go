package connectors

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botswarm/pkg/models"
)

func sseTarget(endpoint string) *models.Target {
	return &models.Target{
		Name:          "stream",
		ConnectorType: models.ConnectorSSE,
		Endpoint:      endpoint,
		ResponseTemplate: &models.ResponseTemplate{
			ContentPath:          "delta",
			PromptTokensPath:     "usage.prompt",
			CompletionTokensPath: "usage.completion",
		},
		TimeoutMs: 2000,
	}
}

func connectSSE(t *testing.T, target *models.Target) *SSEConnector {
	t.Helper()
	c := NewSSEConnector(target)
	require.NoError(t, c.Connect(context.Background(), ConfigFromTarget(target)))
	t.Cleanup(func() { c.Disconnect(context.Background()) })
	return c
}

func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSSEAccumulatesUntilSentinel(t *testing.T) {
	srv := sseServer(t,
		`{"delta": "Hel"}`,
		`{"delta": "lo"}`,
		`{"delta": "!", "usage": {"prompt": 5, "completion": 7}}`,
		"[DONE]",
		`{"delta": "ignored after sentinel"}`,
	)

	c := connectSSE(t, sseTarget(srv.URL))
	result, err := c.SendMessage(context.Background(), "go", nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "Hello!", result.Content)
	require.NotNil(t, result.TokenUsage)
	assert.Equal(t, 5, result.TokenUsage.PromptTokens)
	assert.Equal(t, 7, result.TokenUsage.CompletionTokens)
	assert.Equal(t, 12, result.TokenUsage.TotalTokens)
}

func TestSSENonJSONFramesAppendRaw(t *testing.T) {
	srv := sseServer(t, "alpha", "beta", "[DONE]")

	target := sseTarget(srv.URL)
	c := connectSSE(t, target)
	result, err := c.SendMessage(context.Background(), "go", nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "alphabeta", result.Content)
}

func TestSSEStreamEndWithoutSentinel(t *testing.T) {
	srv := sseServer(t, `{"delta": "partial"}`)

	c := connectSSE(t, sseTarget(srv.URL))
	result, err := c.SendMessage(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "partial", result.Content)
}

func TestSSEEmptyStreamFails(t *testing.T) {
	srv := sseServer(t)

	c := connectSSE(t, sseTarget(srv.URL))
	result, err := c.SendMessage(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ErrorTypeMalformed, result.ErrorType)
}

func TestSSECustomSentinel(t *testing.T) {
	srv := sseServer(t, `{"delta": "done"}`, "END_OF_STREAM", `{"delta": "late"}`)

	target := sseTarget(srv.URL)
	target.ProtocolConfig = models.JSONMap{"completion_sentinel": "END_OF_STREAM"}
	c := connectSSE(t, target)

	result, err := c.SendMessage(context.Background(), "go", nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "done", result.Content)
}

func TestSSERemoteStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := connectSSE(t, sseTarget(srv.URL))
	result, err := c.SendMessage(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
	assert.Equal(t, ErrorTypeRemote, result.ErrorType)
}

func TestSSETimeoutMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"delta\": \"stuck\"}\n\n")
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	target := sseTarget(srv.URL)
	target.TimeoutMs = 80
	c := connectSSE(t, target)

	start := time.Now()
	result, err := c.SendMessage(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ErrorTypeTimeout, result.ErrorType)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSSESendBeforeConnect(t *testing.T) {
	c := NewSSEConnector(sseTarget("http://localhost:1"))
	_, err := c.SendMessage(context.Background(), "go", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}
