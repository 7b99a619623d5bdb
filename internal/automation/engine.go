package automation

import (
	"context"
	"errors"
	"sync"
	"time"

	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/llm"
	"whatsapp-sdr/internal/models"
	"whatsapp-sdr/internal/store"

	"go.uber.org/zap"
)

var (
	ErrUnknownContact = errors.New("automation: inbound address matches no contact")
	ErrBusy           = errors.New("automation: contact has a turn in progress")
	ErrClosed         = errors.New("automation: engine closed")
)

// Dashboard event names.
const (
	EventMessageReceived = "message_received"
	EventMessageSent     = "message_sent"
	EventContactStatus   = "contact_status"
	EventNotification    = "notification"
)

// Sender is the outbound side of the transport.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
	MarkRead(ctx context.Context, messageID string, typing bool) error
}

// Notifier receives dashboard events. Implementations must not block.
type Notifier interface {
	Notify(event string, payload interface{})
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, interface{}) {}

// InboundEvent is one raw inbound message from the transport.
type InboundEvent struct {
	From        string
	ProfileName string
	MessageID   string
	Text        string
	HasMedia    bool
	MediaKind   string
	ReceivedAt  time.Time
}

type Deps struct {
	Contacts *store.ContactStore
	Sessions *store.SessionStore
	Audit    *store.AuditStore
	Sender   Sender
	LLM      llm.Provider
	Notifier Notifier
	Log      *zap.Logger

	// CallTimeout bounds each classifier and generator call.
	CallTimeout time.Duration
	// IdleTTL is how long a contact's actor lingers with nothing to do.
	IdleTTL time.Duration
}

// Engine owns one actor goroutine per active contact. Everything that
// mutates a contact's conversation (inbound turns, first contact, follow-ups)
// runs on that contact's actor, so a contact never has two pipelines at once.
type Engine struct {
	cfg      config.Campaign
	contacts *store.ContactStore
	sessions *store.SessionStore
	audit    *store.AuditStore
	sender   Sender
	notifier Notifier
	judge    *Judge
	closer   *Closer
	log      *zap.Logger

	callTimeout time.Duration
	idleTTL     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
}

func NewEngine(cfg config.Campaign, deps Deps) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		contacts:    deps.Contacts,
		sessions:    deps.Sessions,
		audit:       deps.Audit,
		sender:      deps.Sender,
		notifier:    deps.Notifier,
		judge:       NewJudge(deps.LLM, cfg),
		closer:      NewCloser(deps.LLM, cfg),
		log:         deps.Log,
		callTimeout: deps.CallTimeout,
		idleTTL:     deps.IdleTTL,
		sleep:       sleepCtx,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		actors:      make(map[string]*actor),
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.callTimeout <= 0 {
		e.callTimeout = 30 * time.Second
	}
	if e.idleTTL <= 0 {
		e.idleTTL = 10 * time.Minute
	}
	return e
}

// OnInbound resolves the sender to a contact and queues the message on that
// contact's actor. Messages from blacklisted or unreachable contacts are
// dropped here.
func (e *Engine) OnInbound(ctx context.Context, ev InboundEvent) error {
	c, err := e.contacts.Resolve(ctx, ev.From)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.log.Info("Ignoring inbound message from unknown address", zap.String("from", ev.From))
			return ErrUnknownContact
		}
		return err
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.now()
	}

	e.notifier.Notify(EventMessageReceived, map[string]interface{}{
		"wa_id":      c.WaID,
		"text":       ev.Text,
		"media_kind": ev.MediaKind,
		"timestamp":  ev.ReceivedAt,
	})

	if c.Blacklisted || c.Status == models.StatusUnreachable {
		e.log.Debug("Dropping inbound message for suppressed contact",
			zap.String("wa_id", c.WaID), zap.String("status", string(c.Status)))
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	a := e.actorLocked(c.WaID)
	select {
	case a.inbox <- ev:
		return nil
	default:
		e.log.Warn("Inbound buffer full, dropping message", zap.String("wa_id", c.WaID))
		return ErrBusy
	}
}

// Do runs fn on the contact's actor and waits for its result.
func (e *Engine) Do(ctx context.Context, waID string, fn func(ctx context.Context) error) error {
	return e.submit(ctx, waID, fn, false)
}

// DoWhenQuiet is like Do but returns ErrBusy instead of running fn when the
// contact has inbound messages waiting to become a turn.
func (e *Engine) DoWhenQuiet(ctx context.Context, waID string, fn func(ctx context.Context) error) error {
	return e.submit(ctx, waID, fn, true)
}

func (e *Engine) submit(ctx context.Context, waID string, fn func(ctx context.Context) error, quiet bool) error {
	j := job{ctx: ctx, fn: fn, quiet: quiet, done: make(chan error, 1)}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	a := e.actorLocked(waID)
	select {
	case a.jobs <- j:
	default:
		e.mu.Unlock()
		return ErrBusy
	}
	e.mu.Unlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
}

// Close stops every actor, discarding buffered messages, and waits for them to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

// ActiveActors reports how many contacts currently have a live actor.
func (e *Engine) ActiveActors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actors)
}

func (e *Engine) actorLocked(waID string) *actor {
	if a, ok := e.actors[waID]; ok {
		return a
	}
	a := newActor(e, waID)
	e.actors[waID] = a
	e.wg.Add(1)
	go a.run(e.ctx)
	return a
}

// retire removes an idle actor. It fails when work arrived in the meantime.
func (e *Engine) retire(a *actor) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(a.inbox) > 0 || len(a.jobs) > 0 {
		return false
	}
	if e.actors[a.waID] == a {
		delete(e.actors, a.waID)
	}
	return true
}

func (e *Engine) record(ctx context.Context, waID, turnID, stage, action string, err error) {
	entry := models.AutomationLog{
		WaID:        waID,
		TurnID:      turnID,
		Stage:       stage,
		ActionTaken: action,
		Success:     err == nil,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	e.audit.Record(context.WithoutCancel(ctx), entry)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
