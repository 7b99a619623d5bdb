package campaign

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"whatsapp-sdr/internal/automation"
	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/database"
	"whatsapp-sdr/internal/governor"
	"whatsapp-sdr/internal/models"
	"whatsapp-sdr/internal/store"
	"whatsapp-sdr/internal/whatsapp"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

var brt = time.FixedZone("BRT", -3*3600)

type inlineRunner struct{}

func (inlineRunner) Do(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeSender struct {
	mu        sync.Mutex
	sent      []string // addresses, in order
	errs      map[string]error
	afterSend func()
}

func (f *fakeSender) SendText(_ context.Context, to, _ string) (string, error) {
	f.mu.Lock()
	if err := f.errs[to]; err != nil {
		f.mu.Unlock()
		return "", err
	}
	f.sent = append(f.sent, to)
	hook := f.afterSend
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return "wamid.out", nil
}

func (f *fakeSender) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type harness struct {
	sched    *Scheduler
	contacts *store.ContactStore
	sessions *store.SessionStore
	gov      *governor.Governor
	sender   *fakeSender
	now      time.Time
}

func newHarness(t *testing.T, ramp governor.RampUp, runner func(h *harness, d Deps) Runner) *harness {
	t.Helper()
	db, err := database.OpenInMemory(t.Name() + "-" + uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	h := &harness{
		contacts: store.NewContactStore(db, zap.NewNop()),
		sessions: store.NewSessionStore(db, zap.NewNop()),
		sender:   &fakeSender{errs: map[string]error{}},
		now:      time.Date(2026, 3, 2, 10, 0, 0, 0, brt),
	}
	policy := governor.Policy{RampUp: ramp, Hours: config.BusinessHours{Start: 8, End: 20}, Location: brt}
	h.gov = governor.New(policy, store.NewCampaignStore(db, zap.NewNop(), brt), zap.NewNop()).
		WithClock(func() time.Time { return h.now })

	cfg := config.DefaultCampaign()
	cfg.Jitter = config.Range{Min: 40 * time.Second, Max: 120 * time.Second}
	deps := Deps{
		Contacts: h.contacts,
		Sessions: h.sessions,
		Audit:    store.NewAuditStore(db, zap.NewNop()),
		Governor: h.gov,
		Runner:   inlineRunner{},
		Sender:   h.sender,
		Log:      zap.NewNop(),
	}
	if runner != nil {
		deps.Runner = runner(h, deps)
	}
	h.sched = NewScheduler(cfg, deps)
	h.sched.now = func() time.Time { return h.now }
	return h
}

func (h *harness) add(t *testing.T, waID, name string) {
	t.Helper()
	created, err := h.contacts.Create(context.Background(), &models.Contact{
		WaID: waID, DisplayName: name, CompanyName: "Oficina Zé",
	})
	require.NoError(t, err)
	require.True(t, created)
}

func (h *harness) get(t *testing.T, waID string) *models.Contact {
	t.Helper()
	c, err := h.contacts.Get(context.Background(), waID)
	require.NoError(t, err)
	return c
}

func TestStep_SendsFirstContact(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, governor.RampUp{50}, nil)
	h.add(t, "5565999990001", "Carlos Lima")

	outcome, wait, err := h.sched.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.GreaterOrEqual(t, wait, 40*time.Second)
	assert.Less(t, wait, 120*time.Second)

	c := h.get(t, "5565999990001")
	assert.Equal(t, models.StatusContacted, c.Status)
	assert.Equal(t, "5565999990001", c.SendTo)
	require.NotNil(t, c.LastContactAt)
	assert.True(t, c.LastContactAt.Equal(h.now))

	history, err := h.sessions.History(ctx, "5565999990001")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleSystem, history[0].Role)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.Contains(t, history[1].Content, "Olá Carlos")

	d, err := h.gov.MayDispatchNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d.SentToday)
}

func TestStep_CancelAfterSendStillMarksContacted(t *testing.T) {
	h := newHarness(t, governor.RampUp{50}, nil)
	h.add(t, "5565999990001", "Carlos Lima")

	ctx, cancel := context.WithCancel(context.Background())
	h.sender.afterSend = cancel
	outcome, _, err := h.sched.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)

	c := h.get(t, "5565999990001")
	assert.Equal(t, models.StatusContacted, c.Status)
	require.NotNil(t, c.LastContactAt)

	history, err := h.sessions.History(context.Background(), "5565999990001")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	h.sender.afterSend = nil
	outcome, _, err = h.sched.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
	assert.Equal(t, []string{"5565999990001"}, h.sender.Sent())
}

func TestStep_GenericTemplateForRoleNames(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, governor.RampUp{50}, nil)
	h.add(t, "5565999990002", "Financeiro")

	_, _, err := h.sched.Step(ctx)
	require.NoError(t, err)

	history, err := h.sessions.History(ctx, "5565999990002")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Contains(t, history[1].Content, "responsável pela *Oficina Zé*")
}

func TestStep_FIFOAndIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, governor.RampUp{50}, nil)
	h.add(t, "5565999990003", "Ana")
	time.Sleep(5 * time.Millisecond)
	h.add(t, "5565999990004", "Bia")

	_, _, err := h.sched.Step(ctx)
	require.NoError(t, err)
	_, _, err = h.sched.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"5565999990003", "5565999990004"}, h.sender.Sent())

	// re-submitting a contacted lead is a no-op
	created, err := h.contacts.Create(ctx, &models.Contact{WaID: "5565999990003"})
	require.NoError(t, err)
	assert.False(t, created)

	outcome, wait, err := h.sched.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
	assert.Equal(t, config.DefaultCampaign().IdlePoll, wait)
	assert.Len(t, h.sender.Sent(), 2)
}

func TestStep_DailyCapDefersToTomorrow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, governor.RampUp{2, 3}, nil)
	for i := 0; i < 4; i++ {
		h.add(t, fmt.Sprintf("556599999000%d", i), "Lead")
	}

	for i := 0; i < 2; i++ {
		outcome, _, err := h.sched.Step(ctx)
		require.NoError(t, err)
		require.Equal(t, OutcomeSent, outcome)
	}

	outcome, wait, err := h.sched.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)
	assert.Equal(t, 14*time.Hour, wait, "until midnight")
	assert.Len(t, h.sender.Sent(), 2)

	// the counter resets at the calendar day boundary
	h.now = time.Date(2026, 3, 3, 8, 0, 0, 0, brt)
	outcome, _, err = h.sched.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
}

func TestStep_OutsideBusinessHours(t *testing.T) {
	h := newHarness(t, governor.RampUp{50}, nil)
	h.add(t, "5565999990005", "Ana")
	h.now = time.Date(2026, 3, 2, 21, 30, 0, 0, brt)

	outcome, wait, err := h.sched.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)
	assert.Equal(t, 10*time.Hour+30*time.Minute, wait)
	assert.Empty(t, h.sender.Sent())
}

func TestStep_AlternateAddressOnInvalidRecipient(t *testing.T) {
	h := newHarness(t, governor.RampUp{50}, nil)
	h.add(t, "5565999990006", "Ana")
	h.sender.errs["5565999990006"] = whatsapp.ErrInvalidRecipient

	outcome, _, err := h.sched.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, []string{"556599990006"}, h.sender.Sent())

	c := h.get(t, "5565999990006")
	assert.Equal(t, models.StatusContacted, c.Status)
	assert.Equal(t, "556599990006", c.SendTo)
}

func TestStep_UnreachableReleasesSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, governor.RampUp{50}, nil)
	h.add(t, "5565999990007", "Ana")
	h.sender.errs["5565999990007"] = whatsapp.ErrInvalidRecipient
	h.sender.errs["556599990007"] = whatsapp.ErrInvalidRecipient

	outcome, wait, err := h.sched.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnreachable, outcome)
	assert.Zero(t, wait)
	assert.Equal(t, models.StatusUnreachable, h.get(t, "5565999990007").Status)

	d, err := h.gov.MayDispatchNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, d.SentToday)

	outcome, _, err = h.sched.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome, "never retried")
}

func TestStep_TransientFailureLeavesContactNew(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, governor.RampUp{50}, nil)
	h.add(t, "5565999990008", "Ana")
	h.sender.errs["5565999990008"] = fmt.Errorf("%w: 502", whatsapp.ErrTransient)

	outcome, wait, err := h.sched.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransient, outcome)
	assert.Greater(t, wait, time.Duration(0))
	assert.Equal(t, models.StatusNew, h.get(t, "5565999990008").Status)

	d, err := h.gov.MayDispatchNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, d.SentToday)

	delete(h.sender.errs, "5565999990008")
	outcome, _, err = h.sched.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
}

func TestStep_PausedContactSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, governor.RampUp{50}, nil)
	h.add(t, "5565999990009", "Ana")
	_, err := h.contacts.Pause(ctx, "5565999990009")
	require.NoError(t, err)

	outcome, _, err := h.sched.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
	assert.Empty(t, h.sender.Sent())
}

func TestStep_RunsOnContactActor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	var engine *automation.Engine
	h := newHarness(t, governor.RampUp{50}, func(h *harness, d Deps) Runner {
		engine = automation.NewEngine(config.DefaultCampaign(), automation.Deps{
			Contacts: d.Contacts,
			Sessions: d.Sessions,
			Audit:    d.Audit,
			Log:      zap.NewNop(),
		})
		return engine
	})
	defer engine.Close()
	h.add(t, "5565999990010", "Ana")

	outcome, _, err := h.sched.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, 1, engine.ActiveActors())
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, governor.RampUp{50}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestJitter(t *testing.T) {
	r := config.Range{Min: 40 * time.Second, Max: 120 * time.Second}
	for i := 0; i < 100; i++ {
		j := Jitter(r)
		assert.GreaterOrEqual(t, j, r.Min)
		assert.Less(t, j, r.Max)
	}
	assert.Equal(t, time.Second, Jitter(config.Range{Min: time.Second, Max: time.Second}))
}
