package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/llm"
	"whatsapp-sdr/internal/models"
)

// Tag is the classifier's verdict on an inbound turn.
type Tag string

const (
	TagRobot     Tag = "ROBOT"
	TagNegative  Tag = "NEGATIVE"
	TagConfusion Tag = "CONFUSION"
	TagProceed   Tag = "PROCEED"
)

var ErrUnparseableTag = errors.New("classifier answer carries no known tag")

// Order matters: a reply mentioning several tags takes the most restrictive.
var tagPriority = []Tag{TagRobot, TagNegative, TagConfusion, TagProceed}

// ParseTag extracts a tag from a model answer such as "[NEGATIVE]" or "negative.".
func ParseTag(answer string) (Tag, error) {
	up := strings.ToUpper(answer)
	for _, t := range tagPriority {
		if strings.Contains(up, string(t)) {
			return t, nil
		}
	}
	return TagProceed, fmt.Errorf("%w: %q", ErrUnparseableTag, answer)
}

// Judge is the stateless intent classifier.
type Judge struct {
	llm       llm.Provider
	prompt    string
	maxTokens int
	context   int
	keywords  []string
}

func NewJudge(p llm.Provider, cfg config.Campaign) *Judge {
	keywords := make([]string, 0, len(cfg.RobotKeywords))
	for _, k := range cfg.RobotKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &Judge{
		llm:       p,
		prompt:    cfg.Prompts.Judge,
		maxTokens: cfg.JudgeMaxTokens,
		context:   cfg.JudgeContext,
		keywords:  keywords,
	}
}

// MatchRobotKeyword reports the first configured IVR phrase found in text.
func (j *Judge) MatchRobotKeyword(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, k := range j.keywords {
		if strings.Contains(lower, k) {
			return k, true
		}
	}
	return "", false
}

// Classify asks the model for a tag. recent holds the trailing turns before
// the one being judged, oldest first.
func (j *Judge) Classify(ctx context.Context, recent []models.Turn, turnText string) (Tag, error) {
	var b strings.Builder
	if n := len(recent); n > 0 {
		if j.context > 0 && n > j.context {
			recent = recent[n-j.context:]
		}
		b.WriteString("Recent conversation:\n")
		for _, t := range recent {
			who := "Lead"
			if t.Role == models.RoleAssistant {
				who = "Us"
			}
			fmt.Fprintf(&b, "%s: %s\n", who, t.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Message to classify: %q", turnText)

	answer, err := j.llm.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: j.prompt},
		{Role: llm.RoleUser, Content: b.String()},
	}, llm.WithTemperature(0), llm.WithMaxTokens(j.maxTokens))
	if err != nil {
		return TagProceed, err
	}
	return ParseTag(answer)
}
