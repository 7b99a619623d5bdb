package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"whatsapp-sdr/internal/automation"
	"whatsapp-sdr/internal/models"
	"whatsapp-sdr/internal/store"

	"github.com/gin-gonic/gin"
)

// Controller applies operator control signals to a contact.
type Controller interface {
	Apply(ctx context.Context, waID string, sig automation.Signal, reason string) (*models.Contact, error)
}

type AutomationHandler struct {
	Control Controller
	Audit   *store.AuditStore
}

func NewAutomationHandler(control Controller, audit *store.AuditStore) *AutomationHandler {
	return &AutomationHandler{Control: control, Audit: audit}
}

func (h *AutomationHandler) Pause(c *gin.Context) { h.apply(c, automation.SignalPause) }
func (h *AutomationHandler) Resume(c *gin.Context) { h.apply(c, automation.SignalResume) }
func (h *AutomationHandler) Close(c *gin.Context) { h.apply(c, automation.SignalClose) }

// Blacklist accepts an optional {"reason": "..."} body.
func (h *AutomationHandler) Blacklist(c *gin.Context) { h.apply(c, automation.SignalBlacklist) }

func (h *AutomationHandler) apply(c *gin.Context, sig automation.Signal) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	contact, err := h.Control.Apply(c.Request.Context(), c.Param("waId"), sig, req.Reason)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, contact)
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Contact not found"})
	case errors.Is(err, store.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// GetLogs returns automation execution logs, newest first.
func (h *AutomationHandler) GetLogs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}

	logs, err := h.Audit.List(c.Request.Context(), c.Query("wa_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if logs == nil {
		logs = []models.AutomationLog{}
	}
	c.JSON(http.StatusOK, logs)
}
