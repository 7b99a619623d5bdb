package campaign

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"whatsapp-sdr/internal/automation"
	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/governor"
	"whatsapp-sdr/internal/models"
	"whatsapp-sdr/internal/store"
	"whatsapp-sdr/internal/whatsapp"
	"whatsapp-sdr/pkg/phone"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const stage = "campaign"

var errSuppressed = errors.New("contact paused or no longer new")

type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
}

// Runner executes work on a contact's actor.
type Runner interface {
	Do(ctx context.Context, waID string, fn func(ctx context.Context) error) error
}

// Outcome of one dispatch attempt.
type Outcome string

const (
	OutcomeIdle        Outcome = "idle"
	OutcomeDeferred    Outcome = "deferred"
	OutcomeSent        Outcome = "sent"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeUnreachable Outcome = "unreachable"
	OutcomeTransient   Outcome = "transient"
)

type Deps struct {
	Contacts *store.ContactStore
	Sessions *store.SessionStore
	Audit    *store.AuditStore
	Governor *governor.Governor
	Runner   Runner
	Sender   Sender
	Notifier automation.Notifier
	Log      *zap.Logger
}

// Scheduler sends first-contact messages to new contacts one at a time,
// oldest first, within the governor's limits.
type Scheduler struct {
	cfg      config.Campaign
	contacts *store.ContactStore
	sessions *store.SessionStore
	audit    *store.AuditStore
	governor *governor.Governor
	runner   Runner
	sender   Sender
	notifier automation.Notifier
	log      *zap.Logger

	retry *backoff.ExponentialBackOff
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewScheduler(cfg config.Campaign, deps Deps) *Scheduler {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 30 * time.Second
	retry.MaxInterval = 15 * time.Minute

	s := &Scheduler{
		cfg:      cfg,
		contacts: deps.Contacts,
		sessions: deps.Sessions,
		audit:    deps.Audit,
		governor: deps.Governor,
		runner:   deps.Runner,
		sender:   deps.Sender,
		notifier: deps.Notifier,
		log:      deps.Log,
		retry:    retry,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Run drives Step until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("Campaign scheduler started")
	for {
		outcome, wait, err := s.Step(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error("Campaign step failed", zap.Error(err), zap.Duration("retry_in", wait))
		} else {
			s.log.Debug("Campaign step", zap.String("outcome", string(outcome)), zap.Duration("next_in", wait))
		}
		if err := s.sleep(ctx, wait); err != nil {
			s.log.Info("Campaign scheduler stopped")
			return nil
		}
	}
}

// Step handles at most one contact and reports how long to wait before the
// next step.
func (s *Scheduler) Step(ctx context.Context) (Outcome, time.Duration, error) {
	d, err := s.governor.MayDispatchNow(ctx)
	if err != nil {
		return OutcomeTransient, s.retry.NextBackOff(), err
	}
	if !d.Allowed {
		s.log.Info("Dispatch deferred",
			zap.String("reason", d.Reason),
			zap.Int("sent_today", d.SentToday),
			zap.Int("cap", d.Cap),
			zap.Time("retry_at", d.RetryAt))
		return OutcomeDeferred, d.RetryAfter, nil
	}

	c, err := s.contacts.NextNew(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeIdle, s.cfg.IdlePoll, nil
	}
	if err != nil {
		return OutcomeTransient, s.retry.NextBackOff(), err
	}

	var (
		outcome Outcome
		wait    time.Duration
	)
	err = s.runner.Do(ctx, c.WaID, func(ctx context.Context) error {
		var err error
		outcome, wait, err = s.dispatch(ctx, c.WaID)
		return err
	})
	if err != nil && outcome == "" {
		outcome, wait = OutcomeTransient, s.retry.NextBackOff()
	}
	return outcome, wait, err
}

func (s *Scheduler) dispatch(ctx context.Context, waID string) (Outcome, time.Duration, error) {
	log := s.log.With(zap.String("wa_id", waID))

	c, err := s.contacts.Get(ctx, waID)
	if err != nil {
		return OutcomeTransient, s.retry.NextBackOff(), err
	}
	if c.Status != models.StatusNew || c.IsPaused || c.Blacklisted {
		return OutcomeSkipped, 0, nil
	}

	d, slot, err := s.governor.Acquire(ctx)
	if err != nil {
		return OutcomeTransient, s.retry.NextBackOff(), err
	}
	if !d.Allowed {
		return OutcomeDeferred, d.RetryAfter, nil
	}

	body, personal := automation.FirstContactMessage(s.cfg.Templates, s.cfg.GenericNames, c)
	addr, err := s.send(ctx, waID, body)
	if err != nil {
		if rerr := s.governor.Release(context.WithoutCancel(ctx), slot); rerr != nil {
			log.Error("Failed to release dispatch slot", zap.Error(rerr))
		}
		switch {
		case errors.Is(err, errSuppressed):
			return OutcomeSkipped, 0, nil
		case errors.Is(err, whatsapp.ErrInvalidRecipient):
			s.markUnreachable(ctx, waID, err)
			return OutcomeUnreachable, 0, nil
		default:
			s.record(ctx, waID, "send_failed", err)
			wait := s.retry.NextBackOff()
			log.Warn("First contact failed, will retry", zap.Error(err), zap.Duration("retry_in", wait))
			return OutcomeTransient, wait, nil
		}
	}
	s.retry.Reset()

	// the message is out: bookkeeping must land even if ctx is cancelled
	ctx = context.WithoutCancel(ctx)
	if err := s.sessions.Seed(ctx, waID, automation.Render(s.cfg.Prompts.Persona, c, s.cfg.GenericNames)); err != nil {
		log.Error("Failed to seed system turn", zap.Error(err))
	}
	if _, err := s.sessions.Append(ctx, waID, models.RoleAssistant, body); err != nil {
		log.Error("Sent first contact not recorded in history", zap.Error(err))
	}

	now := s.now()
	updated, err := s.contacts.Commit(ctx, waID, func(c *models.Contact) error {
		switch {
		case c.Status == models.StatusNew:
			c.Status = models.StatusContacted
		case c.Status == models.StatusPaused && c.PausedFrom == models.StatusNew:
			// paused after the send went out; resume must not re-send
			c.PausedFrom = models.StatusContacted
		}
		c.SendTo = addr
		c.LastContactAt = &now
		c.FollowUpStep = 0
		return nil
	})
	if err != nil {
		// the message is out; never report this as a failed send
		log.Error("Failed to mark contact as contacted", zap.Error(err))
	} else {
		s.notify(automation.EventContactStatus, map[string]interface{}{
			"wa_id":  waID,
			"status": updated.Status,
		})
	}

	s.record(ctx, waID, "sent", nil)
	s.notify(automation.EventMessageSent, map[string]interface{}{
		"wa_id":        waID,
		"text":         body,
		"stage":        stage,
		"personalized": personal,
	})
	log.Info("First contact sent",
		zap.String("to", addr),
		zap.Bool("personalized", personal),
		zap.Int("sent_today", d.SentToday+1),
		zap.Int("cap", d.Cap))

	return OutcomeSent, s.jitter(), nil
}

// send delivers to the primary address and, when the network rejects it as
// invalid, to the alternate ninth-digit form exactly once. It returns the
// address that accepted the message.
func (s *Scheduler) send(ctx context.Context, waID, body string) (string, error) {
	c, err := s.contacts.Get(ctx, waID)
	if err != nil {
		return "", err
	}
	if c.Status != models.StatusNew || c.IsPaused || c.Blacklisted {
		return "", errSuppressed
	}

	primary := c.Address()
	_, err = s.sender.SendText(ctx, primary, body)
	if err == nil {
		return primary, nil
	}
	if !errors.Is(err, whatsapp.ErrInvalidRecipient) {
		return "", err
	}

	alt := phone.Alternate(primary)
	if alt == "" {
		return "", err
	}
	s.log.Info("Primary address rejected, trying alternate form",
		zap.String("wa_id", waID), zap.String("primary", primary), zap.String("alternate", alt))
	if _, err := s.sender.SendText(ctx, alt, body); err != nil {
		return "", err
	}
	return alt, nil
}

func (s *Scheduler) markUnreachable(ctx context.Context, waID string, cause error) {
	c, err := s.contacts.Update(ctx, waID, func(c *models.Contact) error {
		if c.Status == models.StatusNew {
			c.Status = models.StatusUnreachable
		}
		return nil
	})
	s.record(ctx, waID, "unreachable", cause)
	if err != nil {
		s.log.Error("Failed to mark contact unreachable", zap.String("wa_id", waID), zap.Error(err))
		return
	}
	s.log.Warn("Contact unreachable on every address form", zap.String("wa_id", waID))
	s.notify(automation.EventContactStatus, map[string]interface{}{
		"wa_id":  waID,
		"status": c.Status,
	})
}

func (s *Scheduler) jitter() time.Duration {
	return Jitter(s.cfg.Jitter)
}

// Jitter picks a uniformly distributed duration within r.
func Jitter(r config.Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.N(r.Max-r.Min)
}

func (s *Scheduler) record(ctx context.Context, waID, action string, err error) {
	entry := models.AutomationLog{WaID: waID, Stage: stage, ActionTaken: action, Success: err == nil}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	s.audit.Record(context.WithoutCancel(ctx), entry)
}

func (s *Scheduler) notify(event string, payload interface{}) {
	if s.notifier != nil {
		s.notifier.Notify(event, payload)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
