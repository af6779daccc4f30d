package builtin

import "botswarm/internal/plugins"

// Register installs the stock plugins into a registry.
func Register(r *plugins.Registry) error {
	entries := []struct {
		name    string
		factory plugins.Factory
	}{
		{"auth", func() plugins.Plugin { return NewAuth() }},
		{"openai-conversation", func() plugins.Plugin { return NewOpenAIConversation() }},
		{"anthropic-conversation", func() plugins.Plugin { return NewAnthropicConversation() }},
		{"audit", func() plugins.Plugin { return NewAudit() }},
	}
	for _, e := range entries {
		if err := r.Register(e.name, e.factory); err != nil {
			return err
		}
	}
	return nil
}

// DefaultRegistry returns a registry with every stock plugin installed.
func DefaultRegistry() (*plugins.Registry, error) {
	r := plugins.NewRegistry()
	if err := Register(r); err != nil {
		return nil, err
	}
	return r, nil
}
