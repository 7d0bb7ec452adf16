// Package provider abstracts the AI backends the CLI can talk to.
package provider

import (
	"context"
	"errors"
	"fmt"

	"crowecli/internal/config"
	"crowecli/internal/security"
)

// Provider errors.
var (
	ErrNoAPIKey        = errors.New("no API key configured for provider")
	ErrUnknownProvider = errors.New("unknown provider")
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for a single completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed model reply.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// Request carries one completion request to a provider.
type Request struct {
	Messages  []Message `json:"messages"`
	Model     string    `json:"model,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Provider is a chat completion backend.
type Provider interface {
	// Name returns the provider identifier used in config and the ledger.
	Name() string
	// Complete sends the conversation and returns the model's reply.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// New builds the configured provider, resolving vault:// API key references
// through the vault.
func New(cfg config.ProviderConfig, vault *security.Vault) (Provider, error) {
	apiKey := cfg.APIKey
	if vault != nil {
		resolved, err := vault.Resolve(apiKey)
		if err != nil {
			return nil, fmt.Errorf("resolve provider API key: %w", err)
		}
		apiKey = resolved
	}

	switch cfg.Name {
	case "openai":
		return NewOpenAIClient(cfg, apiKey), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Name)
	}
}
