package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"whatsapp-sdr/internal/models"
	"whatsapp-sdr/pkg/phone"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound          = errors.New("contact not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ContactStore is the durable record of every contact. All mutations go
// through Update, which serializes writers and enforces the status graph.
type ContactStore struct {
	db  *gorm.DB
	log *zap.Logger
	mu  sync.Mutex

	// CommitBackOff paces Commit retries.
	CommitBackOff func() backoff.BackOff
}

const commitTries = 5

func NewContactStore(db *gorm.DB, log *zap.Logger) *ContactStore {
	return &ContactStore{
		db:            db,
		log:           log,
		CommitBackOff: commitBackOff,
	}
}

func commitBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// Create registers a lead. It is a no-op returning false when the contact,
// or its alternate address form, is already known.
func (s *ContactStore) Create(ctx context.Context, c *models.Contact) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.resolve(ctx, s.db, c.WaID); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	if c.Status == "" {
		c.Status = models.StatusNew
	}
	if !c.Status.Valid() {
		return false, fmt.Errorf("create %s: unknown status %q", c.WaID, c.Status)
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c)
	if res.Error != nil {
		return false, fmt.Errorf("create contact %s: %w", c.WaID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *ContactStore) Get(ctx context.Context, waID string) (*models.Contact, error) {
	var c models.Contact
	err := s.db.WithContext(ctx).Where("wa_id = ?", waID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %s: %w", waID, err)
	}
	s.sanitize(&c)
	return &c, nil
}

// Resolve finds the contact behind an inbound address by exact match on the
// address or its alternate ninth-digit form, against both the contact ID and
// the address that last accepted a delivery.
func (s *ContactStore) Resolve(ctx context.Context, address string) (*models.Contact, error) {
	return s.resolve(ctx, s.db, address)
}

func (s *ContactStore) resolve(ctx context.Context, db *gorm.DB, address string) (*models.Contact, error) {
	id := phone.Digits(address)
	if id == "" {
		return nil, ErrNotFound
	}
	forms := phone.Forms(id)

	var c models.Contact
	err := db.WithContext(ctx).
		Where("wa_id IN ? OR send_to IN ?", forms, forms).
		Order("created_at ASC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	s.sanitize(&c)
	return &c, nil
}

// NextNew returns the oldest untouched contact eligible for first contact.
func (s *ContactStore) NextNew(ctx context.Context) (*models.Contact, error) {
	var c models.Contact
	err := s.db.WithContext(ctx).
		Where("status = ? AND blacklisted = ? AND is_paused = ?", models.StatusNew, false, false).
		Order("created_at ASC, wa_id ASC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next new contact: %w", err)
	}
	return &c, nil
}

// OldestStalled returns the contacted contact that has been silent the
// longest, provided it went quiet before cutoff and has nudges left.
func (s *ContactStore) OldestStalled(ctx context.Context, cutoff time.Time, maxSteps int) (*models.Contact, error) {
	var c models.Contact
	err := s.db.WithContext(ctx).
		Where("status = ? AND blacklisted = ? AND is_paused = ?", models.StatusContacted, false, false).
		Where("follow_up_step < ?", maxSteps).
		Where("last_contact_at IS NOT NULL AND last_contact_at < ?", cutoff.UTC()).
		Order("last_contact_at ASC, wa_id ASC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("oldest stalled contact: %w", err)
	}
	return &c, nil
}

func (s *ContactStore) List(ctx context.Context, status models.ContactStatus, limit, offset int) ([]models.Contact, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, wa_id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	var contacts []models.Contact
	if err := q.Find(&contacts).Error; err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	for i := range contacts {
		s.sanitize(&contacts[i])
	}
	return contacts, nil
}

// Update applies fn to the current record inside a transaction. The result
// must respect the status transition graph, and a blacklisted contact can
// never leave the blacklist.
func (s *ContactStore) Update(ctx context.Context, waID string, fn func(c *models.Contact) error) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out models.Contact
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Contact
		if err := tx.Where("wa_id = ?", waID).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		s.sanitize(&c)
		before := c.Status
		wasBlacklisted := c.Blacklisted

		if err := fn(&c); err != nil {
			return err
		}
		if !c.Status.Valid() || !models.CanTransition(before, c.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before, c.Status)
		}
		if wasBlacklisted && (!c.Blacklisted || c.Status != models.StatusBlacklisted) {
			return fmt.Errorf("%w: %s is blacklisted", ErrInvalidTransition, waID)
		}
		if c.Status == models.StatusBlacklisted {
			c.Blacklisted = true
			c.IsPaused = false
		}
		c.WaID = waID
		if err := tx.Save(&c).Error; err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Commit is Update for bookkeeping that follows a delivered message. It
// ignores cancellation of ctx and retries failed writes a bounded number of
// times: a lost write leaves the contact eligible and the message would go
// out again.
func (s *ContactStore) Commit(ctx context.Context, waID string, fn func(c *models.Contact) error) (*models.Contact, error) {
	ctx = context.WithoutCancel(ctx)
	attempt := 0
	op := func() (*models.Contact, error) {
		attempt++
		var fnErr error
		c, err := s.Update(ctx, waID, func(c *models.Contact) error {
			fnErr = fn(c)
			return fnErr
		})
		switch {
		case err == nil:
			return c, nil
		case fnErr != nil, errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
			return nil, backoff.Permanent(err)
		}
		s.log.Warn("contact write failed after delivery, retrying",
			zap.String("wa_id", waID), zap.Int("attempt", attempt), zap.Error(err))
		return nil, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(s.CommitBackOff()),
		backoff.WithMaxTries(commitTries))
}

// Pause hands the contact to a human. Idempotent; terminal contacts are left alone.
func (s *ContactStore) Pause(ctx context.Context, waID string) (*models.Contact, error) {
	return s.Update(ctx, waID, func(c *models.Contact) error {
		if c.IsPaused || c.Status.Terminal() {
			return nil
		}
		c.PausedFrom = c.Status
		c.Status = models.StatusPaused
		c.IsPaused = true
		return nil
	})
}

// Resume hands a paused or under-review contact back to automation.
// Contacts that had already been reached resume as contacted.
func (s *ContactStore) Resume(ctx context.Context, waID string) (*models.Contact, error) {
	return s.Update(ctx, waID, func(c *models.Contact) error {
		switch c.Status {
		case models.StatusPaused:
			if c.PausedFrom == models.StatusNew {
				c.Status = models.StatusNew
			} else {
				c.Status = models.StatusContacted
			}
		case models.StatusAwaitingReview:
			c.Status = models.StatusContacted
		default:
			return nil
		}
		c.PausedFrom = ""
		c.IsPaused = false
		return nil
	})
}

// Blacklist permanently suppresses the contact. The first reason recorded wins.
func (s *ContactStore) Blacklist(ctx context.Context, waID, reason string) (*models.Contact, error) {
	return s.Update(ctx, waID, func(c *models.Contact) error {
		if c.Blacklisted {
			return nil
		}
		c.Status = models.StatusBlacklisted
		c.Blacklisted = true
		c.BlacklistReason = reason
		c.PausedFrom = ""
		return nil
	})
}

// Close marks the contact as handled by a human. Idempotent.
func (s *ContactStore) Close(ctx context.Context, waID string) (*models.Contact, error) {
	return s.Update(ctx, waID, func(c *models.Contact) error {
		if c.Status.Terminal() {
			return nil
		}
		c.Status = models.StatusClosed
		c.PausedFrom = ""
		c.IsPaused = false
		return nil
	})
}

// sanitize repairs records that cannot be interpreted. The blacklist flag
// always wins; otherwise an unknown status falls back to new.
func (s *ContactStore) sanitize(c *models.Contact) bool {
	changed := false
	switch {
	case c.Blacklisted && c.Status != models.StatusBlacklisted:
		s.anomaly(c, "blacklist flag set on non-blacklisted status")
		c.Status = models.StatusBlacklisted
		changed = true
	case c.Status == models.StatusBlacklisted && !c.Blacklisted:
		c.Blacklisted = true
		changed = true
	case !c.Status.Valid():
		s.anomaly(c, "unknown status")
		c.Status = models.StatusNew
		changed = true
	}
	if c.Status == models.StatusPaused {
		if !c.IsPaused {
			c.IsPaused = true
			changed = true
		}
		if !c.PausedFrom.Valid() || c.PausedFrom == models.StatusPaused || c.PausedFrom.Terminal() {
			s.anomaly(c, "paused contact without a resumable prior status")
			c.PausedFrom = models.StatusNew
			changed = true
		}
	} else if c.IsPaused {
		c.IsPaused = false
		changed = true
	}
	if c.FollowUpStep < 0 {
		c.FollowUpStep = 0
		changed = true
	}
	return changed
}

func (s *ContactStore) anomaly(c *models.Contact, what string) {
	s.log.Warn("corrupt contact record, applying safe default",
		zap.String("wa_id", c.WaID),
		zap.String("status", string(c.Status)),
		zap.String("anomaly", what))
}

// Repair rewrites every record that sanitize had to fix and reports how many
// were changed.
func (s *ContactStore) Repair(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var contacts []models.Contact
	if err := s.db.WithContext(ctx).Find(&contacts).Error; err != nil {
		return 0, fmt.Errorf("load contacts: %w", err)
	}
	fixed := 0
	for i := range contacts {
		if !s.sanitize(&contacts[i]) {
			continue
		}
		if err := s.db.WithContext(ctx).Save(&contacts[i]).Error; err != nil {
			return fixed, fmt.Errorf("save %s: %w", contacts[i].WaID, err)
		}
		fixed++
	}
	return fixed, nil
}
