// Package builtin ships the stock plugins: auth, the two conversation
// formatters, and audit.
package builtin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"botswarm/internal/connectors"
	"botswarm/internal/plugins"
	"botswarm/pkg/schema"
)

// Hook pipeline order for the stock plugins.
const (
	PriorityAuth         = 10
	PriorityConversation = 50
	PriorityAudit        = 200
)

const authSchema = schema.ConfigSchema(`{
	"type": "object",
	"properties": {
		"type": {"type": "string", "enum": ["bearer", "api_key", "basic"]},
		"token": {"type": "string"},
		"header": {"type": "string"},
		"username": {"type": "string"},
		"password": {"type": "string"},
		"token_url": {"type": "string"},
		"token_path": {"type": "string"},
		"client_id": {"type": "string"},
		"client_secret": {"type": "string"}
	},
	"additionalProperties": false
}`)

// AuthPlugin injects credentials into the connect config and every
// outbound message. With token_url set it performs an out-of-band token
// exchange during OnConnect instead of using a static token.
type AuthPlugin struct {
	plugins.BasePlugin

	mu     sync.Mutex
	header string
	value  string

	client *http.Client
}

func NewAuth() *AuthPlugin {
	return &AuthPlugin{client: &http.Client{Timeout: 10 * time.Second}}
}

func (a *AuthPlugin) Name() string { return "auth" }

func (a *AuthPlugin) Priority() int { return PriorityAuth }

func (a *AuthPlugin) ConfigSchema() schema.ConfigSchema { return authSchema }

func (a *AuthPlugin) Initialize(ctx context.Context, pctx *plugins.PluginContext) error {
	authType := pctx.ConfigString("type")
	if authType == "" {
		authType = "bearer"
	}
	token := pctx.ConfigString("token")

	a.mu.Lock()
	defer a.mu.Unlock()
	switch authType {
	case "bearer":
		a.header = "Authorization"
		if token != "" {
			a.value = "Bearer " + token
		}
	case "api_key":
		a.header = pctx.ConfigString("header")
		if a.header == "" {
			a.header = "X-API-Key"
		}
		a.value = token
	case "basic":
		user := pctx.ConfigString("username")
		pass := pctx.ConfigString("password")
		if user == "" {
			return fmt.Errorf("basic auth requires username")
		}
		a.header = "Authorization"
		a.value = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	default:
		return fmt.Errorf("unknown auth type %q", authType)
	}

	if a.value == "" && pctx.ConfigString("token_url") == "" {
		return fmt.Errorf("auth type %q requires a token or token_url", authType)
	}
	return nil
}

func (a *AuthPlugin) OnConnect(ctx context.Context, cfg *connectors.ConnectConfig, pctx *plugins.PluginContext) (*connectors.ConnectConfig, error) {
	tokenURL := pctx.ConfigString("token_url")
	if tokenURL != "" {
		token, err := a.fetchToken(ctx, tokenURL, pctx)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		if pctx.ConfigString("type") == "api_key" {
			a.value = token
		} else {
			a.value = "Bearer " + token
		}
		a.mu.Unlock()
	}

	a.mu.Lock()
	header, value := a.header, a.value
	a.mu.Unlock()

	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	cfg.Headers[header] = value
	return cfg, nil
}

func (a *AuthPlugin) BeforeSend(ctx context.Context, text string, metadata connectors.Metadata, pctx *plugins.PluginContext) (string, connectors.Metadata, error) {
	a.mu.Lock()
	header, value := a.header, a.value
	a.mu.Unlock()
	if value == "" {
		return text, metadata, nil
	}

	headers, _ := metadata["headers"].(map[string]string)
	if headers == nil {
		headers = make(map[string]string)
	}
	headers[header] = value
	metadata["headers"] = headers
	return text, metadata, nil
}

// fetchToken does a client-credentials style POST and reads the token at
// token_path (default "access_token").
func (a *AuthPlugin) fetchToken(ctx context.Context, tokenURL string, pctx *plugins.PluginContext) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"client_id":     pctx.ConfigString("client_id"),
		"client_secret": pctx.ConfigString("client_secret"),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("token endpoint read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("token endpoint returned non-JSON body")
	}

	tokenPath := pctx.ConfigString("token_path")
	if tokenPath == "" {
		tokenPath = "access_token"
	}
	token, ok := connectors.GetString(doc, tokenPath)
	if !ok || token == "" {
		return "", fmt.Errorf("token path %q missing from token response", tokenPath)
	}
	return token, nil
}
