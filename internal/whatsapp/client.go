package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"whatsapp-sdr/internal/config"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrInvalidRecipient means the address is not a reachable WhatsApp
	// account. Retrying the same address will not help.
	ErrInvalidRecipient = errors.New("whatsapp: invalid recipient")
	ErrTransient        = errors.New("whatsapp: transient delivery failure")
)

// Graph error codes that mean the number has no WhatsApp account or cannot
// receive from this business.
var invalidRecipientCodes = map[int]bool{
	131026: true,
	131030: true,
	131021: true,
}

type Client struct {
	Config     *config.Config
	HTTPClient *http.Client
	MaxTries   uint
	// NewBackOff builds the delay policy for one request's retries.
	NewBackOff func() backoff.BackOff
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		Config:     cfg,
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
		MaxTries:   3,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

type GenericMessage struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type,omitempty"`
	To               string   `json:"to,omitempty"`
	Type             string   `json:"type,omitempty"`
	Text             *TextObj `json:"text,omitempty"`

	// read receipts
	Status          string           `json:"status,omitempty"`
	MessageID       string           `json:"message_id,omitempty"`
	TypingIndicator *TypingIndicator `json:"typing_indicator,omitempty"`
}

type TextObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type TypingIndicator struct {
	Type string `json:"type"`
}

type SendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// APIError is a Graph API error response.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Subcode    int    `json:"error_subcode"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	TraceID    string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrInvalidRecipient:
		return invalidRecipientCodes[e.Code]
	case ErrTransient:
		return e.retryable()
	}
	return false
}

func (e *APIError) retryable() bool {
	if invalidRecipientCodes[e.Code] {
		return false
	}
	// 4 and 80007 are throughput limits, 131000 is a generic Graph failure
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 ||
		e.Code == 4 || e.Code == 80007 || e.Code == 130429 || e.Code == 131000
}

func parseAPIError(status int, body []byte) *APIError {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return &APIError{StatusCode: status, Message: string(body)}
	}
	envelope.Error.StatusCode = status
	return envelope.Error
}

func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/%s/messages", c.Config.GraphAPIBaseURL, c.Config.PhoneNumberID)
}

// SendText delivers a plain text message and returns the WhatsApp message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	msg := GenericMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &TextObj{Body: body},
	}
	respBody, err := c.sendRequest(ctx, http.MethodPost, c.messagesURL(), msg)
	if err != nil {
		return "", err
	}
	var resp SendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if len(resp.Messages) == 0 {
		return "", nil
	}
	return resp.Messages[0].ID, nil
}

// MarkRead sends a read receipt for an inbound message and, with typing set,
// shows the typing indicator until the next outbound message or ~25s.
func (c *Client) MarkRead(ctx context.Context, messageID string, typing bool) error {
	msg := GenericMessage{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        messageID,
	}
	if typing {
		msg.TypingIndicator = &TypingIndicator{Type: "text"}
	}
	_, err := c.sendRequest(ctx, http.MethodPost, c.messagesURL(), msg)
	return err
}

func (c *Client) sendRequest(ctx context.Context, method, url string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}

	op := func() ([]byte, error) {
		respBody, err := c.do(ctx, method, url, payload)
		if err == nil {
			return respBody, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return nil, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	tries := c.MaxTries
	if tries == 0 {
		tries = 1
	}
	respBody, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.NewBackOff()),
		backoff.WithMaxTries(tries),
	)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return nil, err
	}
	return respBody, nil
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Config.WhatsAppToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, respBody)
	}
	return respBody, nil
}
