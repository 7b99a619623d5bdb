package api

import (
	"net/http"

	"whatsapp-sdr/internal/governor"

	"github.com/gin-gonic/gin"
)

type DashboardHandler struct {
	Governor *governor.Governor
}

func NewDashboardHandler(g *governor.Governor) *DashboardHandler {
	return &DashboardHandler{Governor: g}
}

// CampaignStatus reports whether a first contact may go out right now and
// where today's counter stands.
func (h *DashboardHandler) CampaignStatus(c *gin.Context) {
	d, err := h.Governor.MayDispatchNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := gin.H{
		"allowed":     d.Allowed,
		"reason":      d.Reason,
		"day_index":   d.DayIndex,
		"cap":         d.Cap,
		"sent_today":  d.SentToday,
		"retry_after": d.RetryAfter.Seconds(),
	}
	if !d.RetryAt.IsZero() {
		out["retry_at"] = d.RetryAt
	}
	c.JSON(http.StatusOK, out)
}
