package automation

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/llm"
	"whatsapp-sdr/internal/models"
)

var (
	ErrGuardrailTooShort       = errors.New("guardrail: reply below minimum length")
	ErrGuardrailSelfDisclosure = errors.New("guardrail: reply discloses automation")
)

// Closer generates the next outbound reply from the conversation history.
type Closer struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
	minLength   int
	disclosure  []string
}

func NewCloser(p llm.Provider, cfg config.Campaign) *Closer {
	phrases := make([]string, 0, len(cfg.SelfDisclosure))
	for _, s := range cfg.SelfDisclosure {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			phrases = append(phrases, s)
		}
	}
	return &Closer{
		llm:         p,
		temperature: cfg.CloserTemp,
		maxTokens:   cfg.CloserMaxTokens,
		minLength:   cfg.MinReplyLength,
		disclosure:  phrases,
	}
}

// Respond asks the model for the next reply. history is the bounded window
// (system turn first). extra, when set, is appended as a one-off system
// instruction and is not persisted.
func (c *Closer) Respond(ctx context.Context, history []models.Turn, extra string) (string, error) {
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	if extra != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: extra})
	}
	reply, err := c.llm.Chat(ctx, msgs,
		llm.WithTemperature(c.temperature),
		llm.WithMaxTokens(c.maxTokens))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// Check applies the output guardrails. The model is never trusted on these.
func (c *Closer) Check(reply string) error {
	if utf8.RuneCountInString(strings.TrimSpace(reply)) < c.minLength {
		return ErrGuardrailTooShort
	}
	lower := strings.ToLower(reply)
	for _, p := range c.disclosure {
		if strings.Contains(lower, p) {
			return ErrGuardrailSelfDisclosure
		}
	}
	return nil
}

// TypingDelay simulates a human typing the reply.
func TypingDelay(reply string, perChar time.Duration, bounds config.Range) time.Duration {
	d := time.Duration(utf8.RuneCountInString(reply)) * perChar
	if d < bounds.Min {
		d = bounds.Min
	}
	if bounds.Max > 0 && d > bounds.Max {
		d = bounds.Max
	}
	return d
}
