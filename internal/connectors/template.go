package connectors

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"botswarm/pkg/models"
)

// GetPath walks a dot-separated path through nested maps and arrays.
// Numeric segments index arrays, e.g. "choices.0.message.content".
func GetPath(doc interface{}, path string) (interface{}, bool) {
	if path == "" {
		return doc, true
	}

	current := doc
	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]interface{}:
			val, ok := v[part]
			if !ok {
				return nil, false
			}
			current = val
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// SetPath writes value at a dot-separated path, creating intermediate
// maps as needed. Array segments are not created; paths are expected to
// address map keys on the write side.
func SetPath(doc map[string]interface{}, path string, value interface{}) {
	if path == "" {
		return
	}

	parts := strings.Split(path, ".")
	current := doc
	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// GetString reads a path and renders the value as a string. Non-string
// scalars are formatted; maps and arrays are JSON-encoded.
func GetString(doc interface{}, path string) (string, bool) {
	val, ok := GetPath(doc, path)
	if !ok || val == nil {
		return "", false
	}
	switch v := val.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), true
		}
		return string(encoded), true
	}
}

// GetInt reads a path as an integer, tolerating float64 and string
// encodings.
func GetInt(doc interface{}, path string) (int, bool) {
	val, ok := GetPath(doc, path)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = deepCopyValue(item)
		}
		return out
	case models.JSONMap:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = deepCopyValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// BuildRequestBody renders the outbound JSON body for a message: the
// template's skeleton (deep-copied), the message text injected at
// MessagePath, and the pipeline-provided history at HistoryPath when both
// are present. MessagePath "-" suppresses text injection for chat-shaped
// targets whose history array already carries the current turn.
func BuildRequestBody(tmpl *models.RequestTemplate, text string, metadata Metadata) map[string]interface{} {
	body := make(map[string]interface{})
	messagePath := "message"

	if tmpl != nil {
		if tmpl.Body != nil {
			body = deepCopyValue(tmpl.Body).(map[string]interface{})
		}
		if tmpl.MessagePath != "" {
			messagePath = tmpl.MessagePath
		}
		if tmpl.HistoryPath != "" {
			if history, ok := metadata["history"]; ok {
				SetPath(body, tmpl.HistoryPath, history)
			}
		}
	}

	if messagePath != "-" {
		SetPath(body, messagePath, text)
	}
	return body
}

// ExtractResult reads reply content, token usage and error detail out of
// a decoded response document per the target's response template.
func ExtractResult(tmpl *models.ResponseTemplate, doc interface{}) (content string, usage *TokenUsage, remoteErr string) {
	contentPath := "response"
	if tmpl != nil && tmpl.ContentPath != "" {
		contentPath = tmpl.ContentPath
	}

	content, ok := GetString(doc, contentPath)
	if !ok {
		// Fall back to the whole document so operators can see what the
		// target actually returned.
		if encoded, err := json.Marshal(doc); err == nil {
			content = string(encoded)
		}
	}

	if tmpl != nil {
		u := TokenUsage{}
		found := false
		if n, ok := GetInt(doc, tmpl.PromptTokensPath); ok && tmpl.PromptTokensPath != "" {
			u.PromptTokens = n
			found = true
		}
		if n, ok := GetInt(doc, tmpl.CompletionTokensPath); ok && tmpl.CompletionTokensPath != "" {
			u.CompletionTokens = n
			found = true
		}
		if n, ok := GetInt(doc, tmpl.TotalTokensPath); ok && tmpl.TotalTokensPath != "" {
			u.TotalTokens = n
			found = true
		}
		if found {
			if u.TotalTokens == 0 {
				u.TotalTokens = u.PromptTokens + u.CompletionTokens
			}
			usage = &u
		}

		if tmpl.ErrorPath != "" {
			if msg, ok := GetString(doc, tmpl.ErrorPath); ok && msg != "" {
				remoteErr = msg
			}
		}
	}

	return content, usage, remoteErr
}
