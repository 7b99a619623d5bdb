package automation

import (
	"context"
	"fmt"

	"whatsapp-sdr/internal/models"

	"go.uber.org/zap"
)

// Signal is an operator control signal. All signals are idempotent.
type Signal string

const (
	SignalPause     Signal = "pause"
	SignalResume    Signal = "resume"
	SignalBlacklist Signal = "blacklist"
	SignalClose     Signal = "close"
)

// Apply executes a control signal. Signals write straight to the store, not
// through the contact's actor, so a pause lands even while a turn is being
// generated; the pipeline re-reads the flag before every send.
func (e *Engine) Apply(ctx context.Context, waID string, sig Signal, reason string) (*models.Contact, error) {
	var (
		c   *models.Contact
		err error
	)
	switch sig {
	case SignalPause:
		c, err = e.contacts.Pause(ctx, waID)
	case SignalResume:
		c, err = e.contacts.Resume(ctx, waID)
	case SignalBlacklist:
		if reason == "" {
			reason = "manual"
		}
		c, err = e.contacts.Blacklist(ctx, waID, reason)
	case SignalClose:
		c, err = e.contacts.Close(ctx, waID)
	default:
		return nil, fmt.Errorf("unknown signal %q", sig)
	}
	if err != nil {
		return nil, err
	}
	e.log.Info("Control signal applied",
		zap.String("wa_id", waID),
		zap.String("signal", string(sig)),
		zap.String("status", string(c.Status)))
	e.record(ctx, waID, "", "signal", string(sig), nil)
	e.notifyStatus(c)
	return c, nil
}
