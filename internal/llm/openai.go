package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrEmptyCompletion = errors.New("llm returned no choices")

// OpenAIProvider talks to any OpenAI-compatible /chat/completions endpoint
// (Groq, OpenAI, a local proxy).
type OpenAIProvider struct {
	BaseURL   string
	APIKey    string
	ModelName string
	Client    *http.Client
}

var _ Provider = &OpenAIProvider{}

func NewOpenAIProvider(baseURL, apiKey, modelName string, timeout time.Duration) *OpenAIProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIProvider{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		APIKey:    apiKey,
		ModelName: modelName,
		Client:    &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// StatusError carries a non-2xx response from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm error: status %d, body: %s", e.StatusCode, e.Body)
}

func (p *OpenAIProvider) Chat(ctx context.Context, history []Message, opts ...Option) (string, error) {
	options := &Options{Temperature: 0.2}
	for _, opt := range opts {
		opt(options)
	}
	model := p.ModelName
	if options.Model != "" {
		model = options.Model
	}

	payload, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    history,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("llm error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
