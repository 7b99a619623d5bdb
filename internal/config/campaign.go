package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Campaign is the static configuration of an outreach run.
type Campaign struct {
	Timezone      string        `yaml:"timezone"`
	RampUp        []int         `yaml:"ramp_up"`
	BusinessHours BusinessHours `yaml:"business_hours"`
	Jitter        Range         `yaml:"jitter"`
	IdlePoll      time.Duration `yaml:"idle_poll"`

	Debounce        time.Duration `yaml:"debounce"`
	TurnSeparator   string        `yaml:"turn_separator"`
	JudgeContext    int           `yaml:"judge_context"`
	HistoryWindow   int           `yaml:"history_window"`
	MinReplyLength  int           `yaml:"min_reply_length"`
	SelfDisclosure  []string      `yaml:"self_disclosure"`
	RobotKeywords   []string      `yaml:"robot_keywords"`
	TypingPerChar   time.Duration `yaml:"typing_per_char"`
	TypingDelay     Range         `yaml:"typing_delay"`
	JudgeMaxTokens  int           `yaml:"judge_max_tokens"`
	CloserMaxTokens int           `yaml:"closer_max_tokens"`
	CloserTemp      float64       `yaml:"closer_temperature"`

	Inactivity   time.Duration `yaml:"inactivity"`
	FollowUps    []string      `yaml:"follow_ups"`
	MaxFollowUps int           `yaml:"max_follow_ups"`
	FollowUpGap  Range         `yaml:"follow_up_gap"`

	GenericNames []string  `yaml:"generic_names"`
	Templates    Templates `yaml:"templates"`
	Prompts      Prompts   `yaml:"prompts"`

	DefaultCountryCode string `yaml:"default_country_code"`
	DefaultAreaCode    string `yaml:"default_area_code"`
}

// BusinessHours is a [Start, End) hour range in the campaign timezone.
type BusinessHours struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

type Range struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// Templates hold outbound copy. Placeholders: {{name}}, {{company}}, {{locality}}.
type Templates struct {
	Personalized string `yaml:"personalized"`
	Generic      string `yaml:"generic"`
	Closing      string `yaml:"closing"`
	MediaAck     string `yaml:"media_ack"`
}

type Prompts struct {
	Judge     string `yaml:"judge"`
	Persona   string `yaml:"persona"`
	Confusion string `yaml:"confusion"`
}

// DefaultCampaign returns the built-in campaign settings.
func DefaultCampaign() Campaign {
	return Campaign{
		Timezone:      "America/Sao_Paulo",
		RampUp:        []int{50, 90, 150, 250},
		BusinessHours: BusinessHours{Start: 8, End: 20},
		Jitter:        Range{Min: 40 * time.Second, Max: 120 * time.Second},
		IdlePoll:      time.Minute,

		Debounce:        8 * time.Second,
		TurnSeparator:   " | ",
		JudgeContext:    4,
		HistoryWindow:   20,
		MinReplyLength:  2,
		SelfDisclosure:  []string{"sou uma ia", "sou um robô", "as an ai", "i am an ai", "language model", "modelo de linguagem"},
		RobotKeywords:   []string{"digite 1", "digite 2", "disque", "protocolo", "atendimento automatico", "não reconheci", "opção inválida", "tecle", "menu principal"},
		TypingPerChar:   40 * time.Millisecond,
		TypingDelay:     Range{Min: 3 * time.Second, Max: 12 * time.Second},
		JudgeMaxTokens:  15,
		CloserMaxTokens: 300,
		CloserTemp:      0.2,

		Inactivity: 24 * time.Hour,
		FollowUps: []string{
			"Oi {{name}}, tudo bem? Conseguiu ver minha mensagem anterior sobre a *{{company}}*?",
			"Sabia que dá para reduzir a conta de energia sem obras nem investimento? Quer que eu simule quanto a sua conta cai hoje?",
			"Vou encerrar seu atendimento por aqui para liberar a vaga de desconto em {{locality}}. Se ainda tiver interesse, me manda um \"OI\"!",
		},
		MaxFollowUps: 3,
		FollowUpGap:  Range{Min: 40 * time.Second, Max: 60 * time.Second},

		GenericNames: []string{"responsavel", "responsável", "admin", "adm", "contato", "financeiro", "comercial", "gerente", "gestor", "manager"},
		Templates: Templates{
			Personalized: "Olá {{name}}, tudo bem? Vi que a *{{company}}* atua na região e gostaria de confirmar uma informação: a fatura de energia de vocês costuma ficar acima de R$ 300,00?",
			Generic:      "Olá, tudo bem? Gostaria de falar com o responsável pela *{{company}}*. Estamos mapeando empresas na região com faturas de energia acima de R$ 300,00. Vocês se encaixam nesse perfil?",
			Closing:      "Entendido. Não enviaremos mais mensagens. Agradeço a atenção!",
			MediaAck:     "Recebi seu arquivo aqui, {{name}}! Já encaminhei para o nosso time calcular o seu desconto. Em breve te retorno.",
		},
		Prompts: Prompts{
			Judge: `Act as a safety filter for a sales assistant on WhatsApp.
Read the conversation below and answer with exactly ONE tag:
[ROBOT] automated reply, IVR, bank/clinic bot, "press 1", protocol numbers.
[CONFUSION] the person thinks we are another company or asks who is talking.
[NEGATIVE] not interested, stop, remove my number, already have it.
[PROCEED] normal human conversation, questions, interest.`,
			Persona: `You are the executive assistant of a clean-energy consultancy. Qualify the lead and book a meeting.
Never write more than two short sentences. Never use stiff formal greetings.
Lead name: {{name}}
Company: {{company}}
Region: {{locality}}`,
			Confusion: "The lead seems confused about who you are. Clarify the company you represent and apologise for the confusion before continuing.",
		},

		DefaultCountryCode: "55",
		DefaultAreaCode:    "65",
	}
}

// LoadCampaign reads a YAML campaign file over the defaults. A missing file yields the defaults.
func LoadCampaign(path string) (Campaign, error) {
	c := DefaultCampaign()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, c.Validate()
		}
		return c, fmt.Errorf("read campaign file: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse campaign file %s: %w", path, err)
	}
	return c, c.Validate()
}

// Location resolves the campaign timezone, falling back to UTC.
func (c Campaign) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FollowUpSteps is the effective cadence length.
func (c Campaign) FollowUpSteps() int {
	if c.MaxFollowUps > len(c.FollowUps) {
		return len(c.FollowUps)
	}
	return c.MaxFollowUps
}

func (c Campaign) Validate() error {
	var errs []error
	if len(c.RampUp) == 0 {
		errs = append(errs, errors.New("ramp_up must have at least one entry"))
	}
	for i, v := range c.RampUp {
		if v < 0 {
			errs = append(errs, fmt.Errorf("ramp_up[%d] is negative", i))
		}
	}
	bh := c.BusinessHours
	if bh.Start < 0 || bh.End > 24 || bh.Start >= bh.End {
		errs = append(errs, fmt.Errorf("business_hours %d-%d is not a valid range", bh.Start, bh.End))
	}
	if c.Jitter.Min < 0 || c.Jitter.Max < c.Jitter.Min {
		errs = append(errs, errors.New("jitter max must be >= min >= 0"))
	}
	if c.FollowUpGap.Min < 0 || c.FollowUpGap.Max < c.FollowUpGap.Min {
		errs = append(errs, errors.New("follow_up_gap max must be >= min >= 0"))
	}
	if c.TypingDelay.Max < c.TypingDelay.Min {
		errs = append(errs, errors.New("typing_delay max must be >= min"))
	}
	if c.Debounce <= 0 {
		errs = append(errs, errors.New("debounce must be positive"))
	}
	if c.Inactivity <= 0 {
		errs = append(errs, errors.New("inactivity must be positive"))
	}
	if c.MaxFollowUps < 0 {
		errs = append(errs, errors.New("max_follow_ups must not be negative"))
	}
	if c.HistoryWindow <= 0 {
		errs = append(errs, errors.New("history_window must be positive"))
	}
	if c.Templates.Personalized == "" || c.Templates.Generic == "" {
		errs = append(errs, errors.New("templates.personalized and templates.generic are required"))
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}
