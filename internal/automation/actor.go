package automation

import (
	"context"
	"time"
)

const (
	inboxSize = 64
	jobsSize  = 8
)

type job struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	quiet bool
	done  chan error
}

// actor is the single goroutine that owns a contact's debounce buffer and
// runs that contact's work in order.
type actor struct {
	e     *Engine
	waID  string
	inbox chan InboundEvent
	jobs  chan job
}

func newActor(e *Engine, waID string) *actor {
	return &actor{
		e:     e,
		waID:  waID,
		inbox: make(chan InboundEvent, inboxSize),
		jobs:  make(chan job, jobsSize),
	}
}

func (a *actor) run(ctx context.Context) {
	defer a.e.wg.Done()

	var (
		pending  []InboundEvent
		debounce *time.Timer
		fire     <-chan time.Time
	)
	// one timer per contact, restarted by every new message
	buffer := func(ev InboundEvent) {
		pending = append(pending, ev)
		if debounce == nil {
			debounce = time.NewTimer(a.e.cfg.Debounce)
		} else {
			debounce.Reset(a.e.cfg.Debounce)
		}
		fire = debounce.C
	}
	idle := time.NewTimer(a.e.idleTTL)
	defer idle.Stop()
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-a.inbox:
			buffer(ev)

		case <-fire:
			batch := pending
			pending = nil
			fire = nil
			a.e.processTurn(ctx, a.waID, batch)

		case j := <-a.jobs:
			// messages already queued count as pending
			for drained := false; !drained; {
				select {
				case ev := <-a.inbox:
					buffer(ev)
				default:
					drained = true
				}
			}
			if j.quiet && len(pending) > 0 {
				j.done <- ErrBusy
				break
			}
			if err := j.ctx.Err(); err != nil {
				j.done <- err
				break
			}
			j.done <- j.fn(j.ctx)

		case <-idle.C:
			if len(pending) == 0 && a.e.retire(a) {
				return
			}
		}
		idle.Reset(a.e.idleTTL)
	}
}
