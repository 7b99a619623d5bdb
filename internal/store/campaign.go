package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"whatsapp-sdr/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const campaignStateID = 1

// CampaignStore persists the singleton campaign counters.
type CampaignStore struct {
	db  *gorm.DB
	log *zap.Logger
	loc *time.Location
}

func NewCampaignStore(db *gorm.DB, log *zap.Logger, loc *time.Location) *CampaignStore {
	if loc == nil {
		loc = time.UTC
	}
	return &CampaignStore{db: db, log: log, loc: loc}
}

// DateKey is the calendar date of t in the campaign timezone.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// Load returns the campaign state, creating it on first start and rolling
// the daily counter over when the calendar date has changed.
func (s *CampaignStore) Load(ctx context.Context, now time.Time) (models.CampaignState, error) {
	var st models.CampaignState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		st, err = s.load(tx, now)
		return err
	})
	return st, err
}

// Mutate loads the state and applies fn within one transaction. The state is
// saved only when fn returns nil.
func (s *CampaignStore) Mutate(ctx context.Context, now time.Time, fn func(st *models.CampaignState) error) (models.CampaignState, error) {
	var st models.CampaignState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		st, err = s.load(tx, now)
		if err != nil {
			return err
		}
		if err := fn(&st); err != nil {
			return err
		}
		return tx.Save(&st).Error
	})
	return st, err
}

func (s *CampaignStore) load(tx *gorm.DB, now time.Time) (models.CampaignState, error) {
	var st models.CampaignState
	err := tx.First(&st, campaignStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		st = models.CampaignState{
			ID:            campaignStateID,
			StartedAt:     now.UTC(),
			LastResetDate: DateKey(now, s.loc),
		}
		if err := tx.Create(&st).Error; err != nil {
			return st, fmt.Errorf("create campaign state: %w", err)
		}
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("load campaign state: %w", err)
	}

	dirty := false
	if st.StartedAt.IsZero() || st.StartedAt.After(now) {
		s.log.Warn("corrupt campaign start, restarting ramp-up", zap.Time("started_at", st.StartedAt))
		st.StartedAt = now.UTC()
		dirty = true
	}
	if st.SentToday < 0 {
		s.log.Warn("corrupt daily counter, resetting", zap.Int("sent_today", st.SentToday))
		st.SentToday = 0
		dirty = true
	}
	if today := DateKey(now, s.loc); st.LastResetDate != today {
		st.SentToday = 0
		st.LastResetDate = today
		dirty = true
	}
	if dirty {
		if err := tx.Save(&st).Error; err != nil {
			return st, fmt.Errorf("save campaign state: %w", err)
		}
	}
	return st, nil
}
