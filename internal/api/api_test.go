package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"whatsapp-sdr/internal/automation"
	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/database"
	"whatsapp-sdr/internal/governor"
	"whatsapp-sdr/internal/models"
	"whatsapp-sdr/internal/store"
	dto "whatsapp-sdr/pkg/models"
	"whatsapp-sdr/pkg/phone"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testAPI struct {
	router   *gin.Engine
	contacts *store.ContactStore
	sessions *store.SessionStore
	audit    *store.AuditStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenInMemory(t.Name() + "-" + uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	cfg := config.DefaultCampaign()
	log := zap.NewNop()
	a := &testAPI{
		contacts: store.NewContactStore(db, log),
		sessions: store.NewSessionStore(db, log),
		audit:    store.NewAuditStore(db, log),
	}
	engine := automation.NewEngine(cfg, automation.Deps{
		Contacts: a.contacts,
		Sessions: a.sessions,
		Audit:    a.audit,
		Log:      log,
	})
	t.Cleanup(engine.Close)

	loc := time.FixedZone("BRT", -3*3600)
	gov := governor.New(governor.Policy{
		RampUp:   cfg.RampUp,
		Hours:    cfg.BusinessHours,
		Location: loc,
	}, store.NewCampaignStore(db, log, loc), log).
		WithClock(func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, loc) })

	a.router = gin.New()
	RegisterRoutes(a.router.Group("/api"),
		NewContactHandler(a.contacts, a.sessions, phone.Normalizer{CountryCode: "55", AreaCode: "65"}, log),
		NewAutomationHandler(engine, a.audit),
		NewDashboardHandler(gov))
	return a
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestCreateContact_NormalizesAndIsIdempotent(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/contacts", dto.Lead{Phone: "(65) 99999-0001", DisplayName: "Paula", CompanyName: "Auto Peças"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "5565999990001", decode[map[string]string](t, w)["wa_id"])

	// same lead without the ninth digit resolves to the same contact
	w = a.do(t, http.MethodPost, "/api/contacts", dto.Lead{Phone: "556599990001"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodPost, "/api/contacts", dto.Lead{Phone: "12"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/api/contacts", map[string]string{"display_name": "no phone"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	c, err := a.contacts.Get(context.Background(), "5565999990001")
	require.NoError(t, err)
	assert.Equal(t, "Paula", c.DisplayName)
	assert.Equal(t, models.StatusNew, c.Status)
}

func TestImportContacts(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/contacts/import", []dto.Lead{
		{Phone: "65999990001", CompanyName: "A"},
		{Phone: "99990002", CompanyName: "B"},
		{Phone: "+55 65 99999-0001", CompanyName: "dup"},
		{Phone: "abc"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	res := decode[dto.ImportResult](t, w)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Existing)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, 3, res.Rejected[0].Index)

	_, err := a.contacts.Get(context.Background(), "5565999990002")
	assert.NoError(t, err)
}

func TestGetContacts_FiltersByStatus(t *testing.T) {
	ctx := context.Background()
	a := newTestAPI(t)
	_, err := a.contacts.Create(ctx, &models.Contact{WaID: "5565999990001"})
	require.NoError(t, err)
	_, err = a.contacts.Create(ctx, &models.Contact{WaID: "5565999990002"})
	require.NoError(t, err)
	_, err = a.contacts.Blacklist(ctx, "5565999990002", "test")
	require.NoError(t, err)

	w := a.do(t, http.MethodGet, "/api/contacts?status=blacklisted", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]models.Contact](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "5565999990002", list[0].WaID)

	w = a.do(t, http.MethodGet, "/api/contacts?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodGet, "/api/contacts?status=closed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestGetContactAndTurns(t *testing.T) {
	ctx := context.Background()
	a := newTestAPI(t)
	_, err := a.contacts.Create(ctx, &models.Contact{WaID: "5565999990001"})
	require.NoError(t, err)
	_, err = a.sessions.Append(ctx, "5565999990001", models.RoleAssistant, "Olá")
	require.NoError(t, err)
	_, err = a.sessions.Append(ctx, "5565999990001", models.RoleUser, "oi")
	require.NoError(t, err)

	w := a.do(t, http.MethodGet, "/api/contacts/5565999990001", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodGet, "/api/contacts/5565999990001/turns", nil)
	require.Equal(t, http.StatusOK, w.Code)
	turns := decode[[]models.Turn](t, w)
	require.Len(t, turns, 2)
	assert.Equal(t, "Olá", turns[0].Content)
	assert.Equal(t, models.RoleUser, turns[1].Role)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/contacts/404", nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/contacts/404/turns", nil).Code)
}

func TestSignals(t *testing.T) {
	ctx := context.Background()
	a := newTestAPI(t)
	_, err := a.contacts.Create(ctx, &models.Contact{WaID: "5565999990001"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		w := a.do(t, http.MethodPost, "/api/contacts/5565999990001/pause", nil)
		require.Equal(t, http.StatusOK, w.Code)
		c := decode[models.Contact](t, w)
		assert.True(t, c.IsPaused)
		assert.Equal(t, models.StatusPaused, c.Status)
	}

	w := a.do(t, http.MethodPost, "/api/contacts/5565999990001/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusNew, decode[models.Contact](t, w).Status)

	w = a.do(t, http.MethodPost, "/api/contacts/5565999990001/blacklist", map[string]string{"reason": "asked to stop"})
	require.Equal(t, http.StatusOK, w.Code)
	c := decode[models.Contact](t, w)
	assert.True(t, c.Blacklisted)
	assert.Equal(t, "asked to stop", c.BlacklistReason)

	// blacklisting again is a no-op
	w = a.do(t, http.MethodPost, "/api/contacts/5565999990001/blacklist", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, "/api/contacts/404/close", nil).Code)

	logs, err := a.audit.List(ctx, "5565999990001", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 5)
}

func TestGetLogs(t *testing.T) {
	ctx := context.Background()
	a := newTestAPI(t)
	a.audit.Record(ctx, models.AutomationLog{WaID: "5565999990001", Stage: "judge", ActionTaken: "PROCEED", Success: true})
	a.audit.Record(ctx, models.AutomationLog{WaID: "5565999990002", Stage: "transport", ActionTaken: "send_failed"})

	w := a.do(t, http.MethodGet, "/api/automation/logs?wa_id=5565999990002", nil)
	require.Equal(t, http.StatusOK, w.Code)
	logs := decode[[]models.AutomationLog](t, w)
	require.Len(t, logs, 1)
	assert.Equal(t, "send_failed", logs[0].ActionTaken)

	w = a.do(t, http.MethodGet, "/api/automation/logs?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.AutomationLog](t, w), 1)
}

func TestCampaignStatus(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/campaign/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[map[string]interface{}](t, w)
	assert.Equal(t, true, st["allowed"])
	assert.Equal(t, float64(0), st["day_index"])
	assert.Equal(t, float64(50), st["cap"])
	assert.Equal(t, float64(0), st["sent_today"])
}
