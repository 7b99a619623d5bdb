package followup

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"time"

	"whatsapp-sdr/internal/automation"
	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/models"
	"whatsapp-sdr/internal/store"

	"go.uber.org/zap"
)

const stage = "followup"

var errStale = errors.New("contact changed since it was selected")

type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
}

// Runner executes work on a contact's actor, refusing while a reply is buffered.
type Runner interface {
	DoWhenQuiet(ctx context.Context, waID string, fn func(ctx context.Context) error) error
}

// HoursGate reports whether messages may go out at now. Follow-ups keep
// business hours but never consume the campaign quota.
type HoursGate interface {
	InBusinessHours(now time.Time) (bool, time.Duration)
}

type Deps struct {
	Contacts *store.ContactStore
	Sessions *store.SessionStore
	Audit    *store.AuditStore
	Runner   Runner
	Sender   Sender
	Notifier automation.Notifier
	Hours    HoursGate
	Log      *zap.Logger
}

// Scheduler nudges contacts that went quiet after being contacted, one
// contact per cycle, through a fixed sequence of messages.
type Scheduler struct {
	cfg      config.Campaign
	contacts *store.ContactStore
	sessions *store.SessionStore
	audit    *store.AuditStore
	runner   Runner
	sender   Sender
	notifier automation.Notifier
	hours    HoursGate
	log      *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewScheduler(cfg config.Campaign, deps Deps) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		contacts: deps.Contacts,
		sessions: deps.Sessions,
		audit:    deps.Audit,
		runner:   deps.Runner,
		sender:   deps.Sender,
		notifier: deps.Notifier,
		hours:    deps.Hours,
		log:      deps.Log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("Follow-up scheduler started",
		zap.Duration("inactivity", s.cfg.Inactivity),
		zap.Int("max_steps", s.cfg.FollowUpSteps()))
	for {
		sent, err := s.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error("Follow-up tick failed", zap.Error(err))
		}
		wait := s.cfg.IdlePoll
		if sent {
			wait = jitter(s.cfg.FollowUpGap)
		}
		if err := s.sleep(ctx, wait); err != nil {
			s.log.Info("Follow-up scheduler stopped")
			return nil
		}
	}
}

// Tick nudges the single oldest eligible contact, if any, and reports
// whether a message went out.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	maxSteps := s.cfg.FollowUpSteps()
	if maxSteps == 0 {
		return false, nil
	}
	now := s.now()
	if s.hours != nil {
		if open, wait := s.hours.InBusinessHours(now); !open {
			s.log.Debug("Outside business hours, holding follow-ups", zap.Duration("opens_in", wait))
			return false, nil
		}
	}
	cutoff := now.Add(-s.cfg.Inactivity)
	c, err := s.contacts.OldestStalled(ctx, cutoff, maxSteps)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	sent := false
	err = s.runner.DoWhenQuiet(ctx, c.WaID, func(ctx context.Context) error {
		var err error
		sent, err = s.nudge(ctx, c.WaID, c.FollowUpStep, cutoff, maxSteps)
		return err
	})
	switch {
	case errors.Is(err, automation.ErrBusy):
		// the lead is typing; the inbound turn will reset the cadence
		s.log.Debug("Skipping follow-up, reply in progress", zap.String("wa_id", c.WaID))
		return false, nil
	case errors.Is(err, errStale):
		return false, nil
	}
	return sent, err
}

// nudge sends step+1 of the sequence. The contact is re-read on the actor
// because an inbound turn may have reset it since selection.
func (s *Scheduler) nudge(ctx context.Context, waID string, step int, cutoff time.Time, maxSteps int) (bool, error) {
	c, err := s.contacts.Get(ctx, waID)
	if err != nil {
		return false, err
	}
	if !eligible(c, step, cutoff, maxSteps) {
		return false, errStale
	}

	body := automation.Render(s.cfg.FollowUps[step], c, s.cfg.GenericNames)
	if _, err := s.sender.SendText(ctx, c.Address(), body); err != nil {
		s.record(ctx, waID, "send_failed", err)
		s.log.Warn("Follow-up not delivered",
			zap.String("wa_id", waID), zap.Int("step", step+1), zap.Error(err))
		return false, nil
	}

	ctx = context.WithoutCancel(ctx)
	now := s.now()
	updated, err := s.contacts.Commit(ctx, waID, func(c *models.Contact) error {
		c.FollowUpStep = step + 1
		c.LastContactAt = &now
		return nil
	})
	if err != nil {
		s.log.Error("Failed to advance follow-up step", zap.String("wa_id", waID), zap.Error(err))
	}
	if _, err := s.sessions.Append(ctx, waID, models.RoleAssistant, body); err != nil {
		s.log.Error("Sent follow-up not recorded in history", zap.String("wa_id", waID), zap.Error(err))
	}

	s.record(ctx, waID, "sent_step_"+strconv.Itoa(step+1), nil)
	s.notify(automation.EventMessageSent, map[string]interface{}{
		"wa_id": waID,
		"text":  body,
		"stage": stage,
		"step":  step + 1,
	})
	if updated != nil && updated.FollowUpStep >= maxSteps {
		s.log.Info("Follow-up sequence exhausted, waiting for a human", zap.String("wa_id", waID))
		s.notify(automation.EventNotification, map[string]interface{}{
			"type":  "followup_exhausted",
			"wa_id": waID,
			"name":  updated.DisplayName,
		})
	}
	s.log.Info("Follow-up sent", zap.String("wa_id", waID), zap.Int("step", step+1))
	return true, nil
}

// eligible re-checks selection: still contacted, not paused, silent since
// cutoff, and at the same step it was picked at.
func eligible(c *models.Contact, step int, cutoff time.Time, maxSteps int) bool {
	if c.Status != models.StatusContacted || c.IsPaused || c.Blacklisted {
		return false
	}
	if c.FollowUpStep != step || step >= maxSteps {
		return false
	}
	return c.LastContactAt != nil && c.LastContactAt.Before(cutoff)
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

func jitter(r config.Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.N(r.Max-r.Min)
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
