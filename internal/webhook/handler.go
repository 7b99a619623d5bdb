package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whatsapp-sdr/internal/automation"
	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Meta retries deliveries it considers unacknowledged; ids are remembered
// for this long.
const dedupeTTL = 24 * time.Hour

type Inbound interface {
	OnInbound(ctx context.Context, ev automation.InboundEvent) error
}

type Handler struct {
	Config  *config.Config
	Inbound Inbound
	seen    *cache.Cache
	log     *zap.Logger
}

func NewHandler(cfg *config.Config, inbound Inbound, log *zap.Logger) *Handler {
	return &Handler{
		Config:  cfg,
		Inbound: inbound,
		seen:    cache.New(dedupeTTL, time.Hour),
		log:     log,
	}
}

func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "" || token == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	if mode != "subscribe" || token != h.Config.VerifyToken {
		h.log.Warn("Webhook verification rejected", zap.String("mode", mode))
		c.Status(http.StatusForbidden)
		return
	}
	h.log.Info("Webhook verified successfully")
	c.String(http.StatusOK, challenge)
}

func (h *Handler) HandleMessage(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	if h.Config.AppSecret != "" && !ValidSignature(h.Config.AppSecret, body, c.GetHeader("X-Hub-Signature-256")) {
		h.log.Warn("Webhook signature mismatch")
		c.Status(http.StatusUnauthorized)
		return
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.log.Warn("Error decoding webhook payload", zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}

	for _, ev := range Events(&payload) {
		if err := h.seen.Add(ev.MessageID, struct{}{}, cache.DefaultExpiration); err != nil {
			h.log.Debug("Duplicate webhook delivery", zap.String("message_id", ev.MessageID))
			continue
		}
		err := h.Inbound.OnInbound(c.Request.Context(), ev)
		switch {
		case err == nil:
		case errors.Is(err, automation.ErrUnknownContact):
		default:
			h.log.Error("Failed to queue inbound message",
				zap.String("from", ev.From), zap.String("message_id", ev.MessageID), zap.Error(err))
		}
	}
	h.logStatuses(&payload)

	// always acknowledge, or Meta keeps redelivering
	c.Status(http.StatusOK)
}

// Events flattens every message in every entry and change.
func Events(p *models.WebhookPayload) []automation.InboundEvent {
	var out []automation.InboundEvent
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, pc := range change.Value.Contacts {
				names[pc.WaID] = pc.Profile.Name
			}
			for i := range change.Value.Messages {
				m := &change.Value.Messages[i]
				kind := m.Media()
				out = append(out, automation.InboundEvent{
					From:        m.From,
					ProfileName: names[m.From],
					MessageID:   m.ID,
					Text:        strings.TrimSpace(m.Body()),
					HasMedia:    kind != "",
					MediaKind:   kind,
					ReceivedAt:  parseTimestamp(m.Timestamp),
				})
			}
		}
	}
	return out
}

func (h *Handler) logStatuses(p *models.WebhookPayload) {
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				if st.Status != "failed" {
					continue
				}
				fields := []zap.Field{zap.String("message_id", st.ID), zap.String("recipient", st.RecipientID)}
				if len(st.Errors) > 0 {
					fields = append(fields, zap.Int("code", st.Errors[0].Code), zap.String("title", st.Errors[0].Title))
				}
				h.log.Warn("Outbound message failed", fields...)
			}
		}
	}
}

// ValidSignature checks the X-Hub-Signature-256 header against the app secret.
func ValidSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func parseTimestamp(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
