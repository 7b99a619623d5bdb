package llm

import (
	"context"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message in a provider-agnostic format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Option func(*Options)

type Options struct {
	Temperature float64
	MaxTokens   int
	Model       string
}

func WithTemperature(temp float64) Option {
	return func(o *Options) {
		o.Temperature = temp
	}
}

func WithMaxTokens(n int) Option {
	return func(o *Options) {
		o.MaxTokens = n
	}
}

func WithModel(model string) Option {
	return func(o *Options) {
		o.Model = model
	}
}

// Provider is any chat-completion backend.
type Provider interface {
	Chat(ctx context.Context, history []Message, options ...Option) (string, error)
}
