package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/llm"
	"whatsapp-sdr/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTag(t *testing.T) {
	cases := map[string]Tag{
		"[PROCEED]":            TagProceed,
		"negative.":            TagNegative,
		" [Confusion] ":        TagConfusion,
		"ROBOT":                TagRobot,
		"NEGATIVE or PROCEED?": TagNegative,
		"[ROBOT] [NEGATIVE]":   TagRobot,
	}
	for in, want := range cases {
		got, err := ParseTag(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	got, err := ParseTag("I am not sure")
	assert.ErrorIs(t, err, ErrUnparseableTag)
	assert.Equal(t, TagProceed, got)
}

type chatFunc func(ctx context.Context, history []llm.Message, opts ...llm.Option) (string, error)

func (f chatFunc) Chat(ctx context.Context, history []llm.Message, opts ...llm.Option) (string, error) {
	return f(ctx, history, opts...)
}

func TestJudge_ClassifyTrimsContext(t *testing.T) {
	cfg := config.DefaultCampaign()
	cfg.JudgeContext = 2

	var got []llm.Message
	var opts llm.Options
	j := NewJudge(chatFunc(func(_ context.Context, h []llm.Message, o ...llm.Option) (string, error) {
		got = h
		for _, fn := range o {
			fn(&opts)
		}
		return "[NEGATIVE]", nil
	}), cfg)

	recent := []models.Turn{
		{Role: models.RoleAssistant, Content: "first"},
		{Role: models.RoleUser, Content: "second"},
		{Role: models.RoleAssistant, Content: "third"},
	}
	tag, err := j.Classify(context.Background(), recent, "pare")
	require.NoError(t, err)
	assert.Equal(t, TagNegative, tag)

	require.Len(t, got, 2)
	assert.Equal(t, cfg.Prompts.Judge, got[0].Content)
	assert.NotContains(t, got[1].Content, "first")
	assert.Contains(t, got[1].Content, "Lead: second")
	assert.Contains(t, got[1].Content, "Us: third")
	assert.Contains(t, got[1].Content, `"pare"`)
	assert.Zero(t, opts.Temperature)
	assert.Equal(t, cfg.JudgeMaxTokens, opts.MaxTokens)
}

func TestJudge_ErrorFallsBackToProceed(t *testing.T) {
	j := NewJudge(chatFunc(func(context.Context, []llm.Message, ...llm.Option) (string, error) {
		return "", errors.New("boom")
	}), config.DefaultCampaign())
	tag, err := j.Classify(context.Background(), nil, "oi")
	assert.Error(t, err)
	assert.Equal(t, TagProceed, tag)
}

func TestJudge_RobotKeywords(t *testing.T) {
	j := NewJudge(nil, config.DefaultCampaign())
	kw, ok := j.MatchRobotKeyword("Seu PROTOCOLO de atendimento é 1234")
	assert.True(t, ok)
	assert.Equal(t, "protocolo", kw)

	_, ok = j.MatchRobotKeyword("pode me ligar amanhã")
	assert.False(t, ok)
}

func TestCloser_Check(t *testing.T) {
	c := NewCloser(nil, config.DefaultCampaign())
	assert.NoError(t, c.Check("Combinado!"))
	assert.ErrorIs(t, c.Check("k"), ErrGuardrailTooShort)
	assert.ErrorIs(t, c.Check("  "), ErrGuardrailTooShort)
	assert.ErrorIs(t, c.Check("Como Modelo de Linguagem, não posso"), ErrGuardrailSelfDisclosure)
}

func TestCloser_RespondAppendsExtra(t *testing.T) {
	var got []llm.Message
	c := NewCloser(chatFunc(func(_ context.Context, h []llm.Message, _ ...llm.Option) (string, error) {
		got = h
		return "  Oi Maria!  ", nil
	}), config.DefaultCampaign())

	reply, err := c.Respond(context.Background(), []models.Turn{
		{Role: models.RoleSystem, Content: "persona"},
		{Role: models.RoleUser, Content: "oi"},
	}, "clarify")
	require.NoError(t, err)
	assert.Equal(t, "Oi Maria!", reply)
	require.Len(t, got, 3)
	assert.Equal(t, llm.Message{Role: llm.RoleSystem, Content: "clarify"}, got[2])
}

func TestTypingDelay(t *testing.T) {
	bounds := config.Range{Min: 3 * time.Second, Max: 12 * time.Second}
	per := 40 * time.Millisecond

	assert.Equal(t, 3*time.Second, TypingDelay("oi", per, bounds))
	assert.Equal(t, 4*time.Second, TypingDelay(string(make([]byte, 100)), per, bounds))
	assert.Equal(t, 12*time.Second, TypingDelay(string(make([]byte, 1000)), per, bounds))
}

func TestIsPersonalName(t *testing.T) {
	generic := config.DefaultCampaign().GenericNames
	assert.True(t, IsPersonalName("maria souza", generic))
	assert.False(t, IsPersonalName("Jo", generic))
	assert.False(t, IsPersonalName("", generic))
	assert.False(t, IsPersonalName("Financeiro Padaria", generic))
	assert.False(t, IsPersonalName("RESPONSAVEL", generic))
	assert.False(t, IsPersonalName("Responsável Loja", generic))
	// only whole words count
	assert.True(t, IsPersonalName("Admilson", generic))
}

func TestRender(t *testing.T) {
	generic := config.DefaultCampaign().GenericNames
	c := &models.Contact{DisplayName: "JOÃO silva", CompanyName: "Mercado Bom", Locality: "Cuiabá"}
	assert.Equal(t, "Olá João, da Mercado Bom em Cuiabá",
		Render("Olá {{name}}, da {{company}} em {{locality}}", c, generic))

	c.DisplayName = "Admin"
	assert.Equal(t, "Oi, tudo bem?", Render("Oi {{name}}, tudo bem?", c, generic))
	assert.Equal(t, "Recebi aqui!", Render("Recebi aqui, {{name}}!", c, generic))

	msg, personal := FirstContactMessage(config.Templates{
		Personalized: "Olá {{name}}",
		Generic:      "Olá, responsável pela {{company}}",
	}, generic, c)
	assert.False(t, personal)
	assert.Equal(t, "Olá, responsável pela Mercado Bom", msg)
}
