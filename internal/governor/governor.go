package governor

import (
	"context"
	"sync"
	"time"

	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/models"
	"whatsapp-sdr/internal/store"

	"go.uber.org/zap"
)

const (
	ReasonOK           = "ok"
	ReasonOutsideHours = "outside_business_hours"
	ReasonDailyCap     = "daily_cap_reached"
)

// RampUp maps a campaign day index to that day's send cap. Days beyond the
// table use the last entry.
type RampUp []int

func (r RampUp) Cap(day int) int {
	if len(r) == 0 {
		return 0
	}
	if day < 0 {
		day = 0
	}
	if day >= len(r) {
		day = len(r) - 1
	}
	return r[day]
}

// Decision is the answer to "may the next first-contact message go out now".
type Decision struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retry_after"`
	RetryAt    time.Time     `json:"retry_at,omitempty"`
	Reason     string        `json:"reason"`
	DayIndex   int           `json:"day_index"`
	Cap        int           `json:"cap"`
	SentToday  int           `json:"sent_today"`
}

type Policy struct {
	RampUp   RampUp
	Hours    config.BusinessHours
	Location *time.Location
}

func PolicyFromCampaign(c config.Campaign) Policy {
	return Policy{RampUp: c.RampUp, Hours: c.BusinessHours, Location: c.Location()}
}

// Evaluate is a pure function of the campaign state and the wall clock.
func (p Policy) Evaluate(st models.CampaignState, now time.Time) Decision {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	day := 0
	if !st.StartedAt.IsZero() && now.After(st.StartedAt) {
		day = int(now.Sub(st.StartedAt) / (24 * time.Hour))
	}
	sent := st.SentToday
	if st.LastResetDate != store.DateKey(now, loc) {
		sent = 0
	}

	d := Decision{
		DayIndex:  day,
		Cap:       p.RampUp.Cap(day),
		SentToday: sent,
	}

	y, m, dd := local.Date()
	if open, opensAt := p.window(local); !open {
		d.RetryAt = opensAt
		d.Reason = ReasonOutsideHours
	} else if sent >= d.Cap {
		d.RetryAt = time.Date(y, m, dd+1, 0, 0, 0, 0, loc)
		d.Reason = ReasonDailyCap
	} else {
		d.Allowed = true
		d.Reason = ReasonOK
		return d
	}
	d.RetryAfter = d.RetryAt.Sub(now)
	return d
}

// InBusinessHours reports whether now falls inside the sending window and,
// when it does not, how long until the window opens. It ignores quota.
func (p Policy) InBusinessHours(now time.Time) (bool, time.Duration) {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	open, opensAt := p.window(now.In(loc))
	if open {
		return true, 0
	}
	return false, opensAt.Sub(now)
}

func (p Policy) window(local time.Time) (bool, time.Time) {
	y, m, dd := local.Date()
	start := time.Date(y, m, dd, p.Hours.Start, 0, 0, 0, local.Location())
	switch {
	case local.Hour() < p.Hours.Start:
		return false, start
	case local.Hour() >= p.Hours.End:
		return false, start.AddDate(0, 0, 1)
	}
	return true, time.Time{}
}

// Reservation is one slot of today's quota taken by Acquire.
type Reservation struct {
	date string
}

// Governor serializes check-then-increment on the daily counter.
type Governor struct {
	policy Policy
	store  *store.CampaignStore
	log    *zap.Logger
	now    func() time.Time
	mu     sync.Mutex
}

func New(policy Policy, st *store.CampaignStore, log *zap.Logger) *Governor {
	return &Governor{policy: policy, store: st, log: log, now: time.Now}
}

// WithClock replaces the wall clock; used by tests.
func (g *Governor) WithClock(now func() time.Time) *Governor {
	g.now = now
	return g
}

// MayDispatchNow reports the current decision without consuming quota.
func (g *Governor) MayDispatchNow(ctx context.Context) (Decision, error) {
	now := g.now()
	st, err := g.store.Load(ctx, now)
	if err != nil {
		return Decision{}, err
	}
	return g.policy.Evaluate(st, now), nil
}

// Acquire evaluates the policy and, when allowed, takes one slot of today's
// quota in the same step. A denied decision takes nothing.
func (g *Governor) Acquire(ctx context.Context) (Decision, *Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var d Decision
	var res *Reservation
	_, err := g.store.Mutate(ctx, now, func(st *models.CampaignState) error {
		d = g.policy.Evaluate(*st, now)
		if !d.Allowed {
			return nil
		}
		st.SentToday++
		res = &Reservation{date: st.LastResetDate}
		return nil
	})
	if err != nil {
		return Decision{}, nil, err
	}
	return d, res, nil
}

// Release gives a slot back when the send it was taken for did not happen.
// Slots from an earlier day are dropped since that counter is gone.
func (g *Governor) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.store.Mutate(ctx, g.now(), func(st *models.CampaignState) error {
		if st.LastResetDate == r.date && st.SentToday > 0 {
			st.SentToday--
		}
		return nil
	})
	return err
}
