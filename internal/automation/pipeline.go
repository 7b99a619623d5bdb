package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"whatsapp-sdr/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Audit stages.
const (
	StageInbound   = "inbound"
	StagePrefilter = "prefilter"
	StageJudge     = "judge"
	StageCloser    = "closer"
	StageGuardrail = "guardrail"
	StageTransport = "transport"
	StageMedia     = "media"
)

var errSuppressed = errors.New("contact paused or suppressed before send")

// processTurn runs one coalesced turn through the pipeline. It runs on the
// contact's actor, so nothing else touches this contact's conversation
// meanwhile.
func (e *Engine) processTurn(ctx context.Context, waID string, batch []InboundEvent) {
	if len(batch) == 0 {
		return
	}
	turnID := uuid.NewString()
	log := e.log.With(zap.String("wa_id", waID), zap.String("turn_id", turnID))

	c, err := e.contacts.Get(ctx, waID)
	if err != nil {
		log.Error("Failed to load contact for turn", zap.Error(err))
		return
	}

	text, media := coalesce(batch, e.cfg.TurnSeparator)
	lastMsgID := batch[len(batch)-1].MessageID
	content := text
	if media != "" {
		content = strings.TrimSpace(fmt.Sprintf("[media:%s] %s", media, text))
	}
	if content == "" {
		log.Debug("Turn carries no text or reviewable media")
		return
	}

	switch {
	case c.Blacklisted || c.Status == models.StatusUnreachable:
		log.Debug("Dropping turn for suppressed contact")
		return
	case c.IsPaused || c.Status == models.StatusAwaitingReview || c.Status == models.StatusClosed:
		// a human owns the conversation; keep the history complete for them
		if _, err := e.sessions.Append(ctx, waID, models.RoleUser, content); err != nil {
			log.Error("Failed to append user turn", zap.Error(err))
		}
		return
	}

	if err := e.sessions.Seed(ctx, waID, Render(e.cfg.Prompts.Persona, c, e.cfg.GenericNames)); err != nil {
		log.Error("Failed to seed system turn", zap.Error(err))
		return
	}
	if _, err := e.sessions.Append(ctx, waID, models.RoleUser, content); err != nil {
		log.Error("Failed to append user turn", zap.Error(err))
		e.record(ctx, waID, turnID, StageInbound, "append_user_turn", err)
		return
	}

	if kw, ok := e.judge.MatchRobotKeyword(text); ok {
		log.Info("Robot keyword matched, blacklisting", zap.String("keyword", kw))
		e.blacklist(ctx, waID, turnID, StagePrefilter, "robot_keyword:"+kw)
		return
	}

	c, err = e.acceptInbound(ctx, waID)
	if err != nil {
		log.Error("Failed to record inbound activity", zap.Error(err))
		e.record(ctx, waID, turnID, StageInbound, "accept_inbound", err)
		return
	}

	if media != "" {
		e.handleMedia(ctx, c, turnID, media)
		return
	}

	tag := e.classify(ctx, waID, turnID, text)
	log.Info("Turn classified", zap.String("tag", string(tag)))

	var extra string
	switch tag {
	case TagRobot:
		e.blacklist(ctx, waID, turnID, StageJudge, "classified_robot")
		return
	case TagNegative:
		closing := Render(e.cfg.Templates.Closing, c, e.cfg.GenericNames)
		if err := e.deliver(ctx, waID, turnID, StageJudge, closing); err != nil {
			log.Warn("Closing message not delivered", zap.Error(err))
		}
		e.blacklist(ctx, waID, turnID, StageJudge, "classified_negative")
		return
	case TagConfusion:
		extra = e.cfg.Prompts.Confusion
	}

	e.reply(ctx, waID, turnID, lastMsgID, extra)
}

// coalesce joins the buffered texts in arrival order and reports the first
// reviewable media kind.
func coalesce(batch []InboundEvent, sep string) (string, string) {
	texts := make([]string, 0, len(batch))
	media := ""
	for _, ev := range batch {
		if t := strings.TrimSpace(ev.Text); t != "" {
			texts = append(texts, t)
		}
		if media == "" && ev.HasMedia && (ev.MediaKind == "image" || ev.MediaKind == "document") {
			media = ev.MediaKind
		}
	}
	return strings.Join(texts, sep), media
}

// acceptInbound records that the lead answered: the cadence restarts and a
// contact who wrote first counts as contacted.
func (e *Engine) acceptInbound(ctx context.Context, waID string) (*models.Contact, error) {
	now := e.now()
	c, err := e.contacts.Update(ctx, waID, func(c *models.Contact) error {
		if c.Status == models.StatusNew {
			c.Status = models.StatusContacted
		}
		c.LastContactAt = &now
		c.FollowUpStep = 0
		return nil
	})
	if err == nil {
		e.notifyStatus(c)
	}
	return c, err
}

// classify never fails: errors resolve to PROCEED and are audited.
func (e *Engine) classify(ctx context.Context, waID, turnID, text string) Tag {
	recent, err := e.sessions.Recent(ctx, waID, e.cfg.JudgeContext+1)
	if err != nil {
		e.log.Warn("Failed to load judge context", zap.String("wa_id", waID), zap.Error(err))
	}
	// the turn under judgement is the last one
	if n := len(recent); n > 0 {
		recent = recent[:n-1]
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	tag, err := e.judge.Classify(callCtx, recent, text)
	if err != nil {
		e.log.Warn("Classifier failed, proceeding",
			zap.String("wa_id", waID), zap.String("turn_id", turnID), zap.Error(err))
		e.record(ctx, waID, turnID, StageJudge, "fail_open_proceed", err)
		return TagProceed
	}
	e.record(ctx, waID, turnID, StageJudge, "tag:"+string(tag), nil)
	return tag
}

func (e *Engine) reply(ctx context.Context, waID, turnID, inboundMsgID, extra string) {
	log := e.log.With(zap.String("wa_id", waID), zap.String("turn_id", turnID))

	history, err := e.sessions.Window(ctx, waID, e.cfg.HistoryWindow)
	if err != nil {
		log.Error("Failed to load history", zap.Error(err))
		e.record(ctx, waID, turnID, StageCloser, "load_history", err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	text, err := e.closer.Respond(callCtx, history, extra)
	cancel()
	if err != nil {
		log.Warn("Response generation failed", zap.Error(err))
		e.record(ctx, waID, turnID, StageCloser, "generate", err)
		return
	}
	if err := e.closer.Check(text); err != nil {
		log.Warn("Generated reply rejected", zap.Error(err), zap.String("reply", text))
		e.record(ctx, waID, turnID, StageGuardrail, "discard_reply", err)
		return
	}

	if inboundMsgID != "" {
		if err := e.sender.MarkRead(ctx, inboundMsgID, true); err != nil {
			log.Debug("Mark read failed", zap.Error(err))
		}
	}
	if err := e.sleep(ctx, TypingDelay(text, e.cfg.TypingPerChar, e.cfg.TypingDelay)); err != nil {
		return
	}

	if err := e.deliver(ctx, waID, turnID, StageCloser, text); err != nil {
		log.Warn("Reply not delivered", zap.Error(err))
	}
}

// deliver sends body to the contact unless it was paused or suppressed in
// the meantime, then records the assistant turn. The pause check sits right
// before the transport call because pause can arrive at any point.
func (e *Engine) deliver(ctx context.Context, waID, turnID, stage, body string) error {
	c, err := e.contacts.Get(ctx, waID)
	if err != nil {
		return err
	}
	if c.IsPaused || c.Blacklisted || c.Status.Terminal() {
		e.record(ctx, waID, turnID, stage, "suppressed_before_send", errSuppressed)
		return errSuppressed
	}

	if _, err := e.sender.SendText(ctx, c.Address(), body); err != nil {
		e.record(ctx, waID, turnID, StageTransport, "send_failed:"+stage, err)
		return err
	}

	ctx = context.WithoutCancel(ctx)
	if _, err := e.sessions.Append(ctx, waID, models.RoleAssistant, body); err != nil {
		e.log.Error("Sent message not recorded in history",
			zap.String("wa_id", waID), zap.Error(err))
	}
	now := e.now()
	if _, err := e.contacts.Commit(ctx, waID, func(c *models.Contact) error {
		c.LastContactAt = &now
		return nil
	}); err != nil {
		e.log.Error("Failed to stamp last contact", zap.String("wa_id", waID), zap.Error(err))
	}
	e.record(ctx, waID, turnID, stage, "sent", nil)
	e.notifier.Notify(EventMessageSent, map[string]interface{}{
		"wa_id": waID,
		"text":  body,
		"stage": stage,
	})
	return nil
}

func (e *Engine) blacklist(ctx context.Context, waID, turnID, stage, reason string) {
	c, err := e.contacts.Blacklist(ctx, waID, reason)
	e.record(ctx, waID, turnID, stage, "blacklist:"+reason, err)
	if err != nil {
		e.log.Error("Failed to blacklist contact", zap.String("wa_id", waID), zap.Error(err))
		return
	}
	e.notifyStatus(c)
}

// handleMedia hands the contact to a human for review, e.g. after a lead
// sends a photo of their bill.
func (e *Engine) handleMedia(ctx context.Context, c *models.Contact, turnID, kind string) {
	waID := c.WaID
	c, err := e.contacts.Update(ctx, waID, func(c *models.Contact) error {
		c.FollowUpStep = 0
		if c.IsPaused {
			// a human took over meanwhile; keep the pause
			c.PausedFrom = models.StatusAwaitingReview
			return nil
		}
		c.Status = models.StatusAwaitingReview
		return nil
	})
	if err != nil {
		e.log.Error("Failed to move contact to review", zap.String("wa_id", waID), zap.Error(err))
		e.record(ctx, waID, turnID, StageMedia, "awaiting_review", err)
		return
	}
	e.record(ctx, waID, turnID, StageMedia, "awaiting_review:"+kind, nil)
	e.notifyStatus(c)
	e.notifier.Notify(EventNotification, map[string]interface{}{
		"type":    "media_received",
		"wa_id":   waID,
		"kind":    kind,
		"name":    c.DisplayName,
		"company": c.CompanyName,
	})

	if ack := Render(e.cfg.Templates.MediaAck, c, e.cfg.GenericNames); ack != "" {
		if err := e.deliver(ctx, waID, turnID, StageMedia, ack); err != nil {
			e.log.Warn("Media acknowledgement not delivered", zap.String("wa_id", waID), zap.Error(err))
		}
	}
}

func (e *Engine) notifyStatus(c *models.Contact) {
	e.notifier.Notify(EventContactStatus, map[string]interface{}{
		"wa_id":          c.WaID,
		"status":         c.Status,
		"follow_up_step": c.FollowUpStep,
	})
}
