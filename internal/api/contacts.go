package api

import (
	"errors"
	"net/http"
	"strconv"

	"whatsapp-sdr/internal/models"
	"whatsapp-sdr/internal/store"
	dto "whatsapp-sdr/pkg/models"
	"whatsapp-sdr/pkg/phone"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ContactHandler struct {
	Contacts   *store.ContactStore
	Sessions   *store.SessionStore
	Normalizer phone.Normalizer
	log        *zap.Logger
}

func NewContactHandler(contacts *store.ContactStore, sessions *store.SessionStore, n phone.Normalizer, log *zap.Logger) *ContactHandler {
	return &ContactHandler{Contacts: contacts, Sessions: sessions, Normalizer: n, log: log}
}

func (h *ContactHandler) GetContacts(c *gin.Context) {
	status := models.ContactStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(status)})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	contacts, err := h.Contacts.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Return empty array instead of null
	if contacts == nil {
		contacts = []models.Contact{}
	}
	c.JSON(http.StatusOK, contacts)
}

func (h *ContactHandler) GetContact(c *gin.Context) {
	contact, err := h.Contacts.Get(c.Request.Context(), c.Param("waId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Contact not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, contact)
}

func (h *ContactHandler) GetTurns(c *gin.Context) {
	waID := c.Param("waId")
	if _, err := h.Contacts.Get(c.Request.Context(), waID); errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Contact not found"})
		return
	}
	turns, err := h.Sessions.History(c.Request.Context(), waID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if turns == nil {
		turns = []models.Turn{}
	}
	c.JSON(http.StatusOK, turns)
}

// CreateContact registers a single lead. Submitting a known number is not an
// error; the existing contact is left untouched.
func (h *ContactHandler) CreateContact(c *gin.Context) {
	var req dto.Lead
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	waID := h.Normalizer.Normalize(req.Phone)
	if waID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid phone number"})
		return
	}

	created, err := h.Contacts.Create(c.Request.Context(), leadContact(waID, req))
	if err != nil {
		h.log.Error("Failed to create contact", zap.String("wa_id", waID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create contact"})
		return
	}
	if !created {
		c.JSON(http.StatusOK, gin.H{"status": "Contact exists", "wa_id": waID})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "Contact created", "wa_id": waID})
}

// ImportContacts upserts a batch of leads and reports per-row outcomes.
func (h *ContactHandler) ImportContacts(c *gin.Context) {
	var leads []dto.Lead
	if err := c.ShouldBindJSON(&leads); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var res dto.ImportResult
	for i, lead := range leads {
		waID := h.Normalizer.Normalize(lead.Phone)
		if waID == "" {
			res.Rejected = append(res.Rejected, dto.RejectedRow{Index: i, Phone: lead.Phone, Reason: "invalid phone number"})
			continue
		}
		created, err := h.Contacts.Create(c.Request.Context(), leadContact(waID, lead))
		switch {
		case err != nil:
			h.log.Warn("Lead import row failed", zap.Int("index", i), zap.String("wa_id", waID), zap.Error(err))
			res.Rejected = append(res.Rejected, dto.RejectedRow{Index: i, Phone: lead.Phone, Reason: err.Error()})
		case created:
			res.Created++
		default:
			res.Existing++
		}
	}
	h.log.Info("Leads imported",
		zap.Int("created", res.Created),
		zap.Int("existing", res.Existing),
		zap.Int("rejected", len(res.Rejected)))
	c.JSON(http.StatusOK, res)
}

func leadContact(waID string, l dto.Lead) *models.Contact {
	return &models.Contact{
		WaID:        waID,
		DisplayName: l.DisplayName,
		CompanyName: l.CompanyName,
		Locality:    l.Locality,
	}
}
