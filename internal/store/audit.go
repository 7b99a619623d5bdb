package store

import (
	"context"

	"whatsapp-sdr/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AuditStore records pipeline decisions and failures in automation_logs.
type AuditStore struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewAuditStore(db *gorm.DB, log *zap.Logger) *AuditStore {
	return &AuditStore{db: db, log: log}
}

// Record writes an audit entry. Failures are logged, never returned.
func (s *AuditStore) Record(ctx context.Context, entry models.AutomationLog) {
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.log.Error("failed to write automation log",
			zap.String("wa_id", entry.WaID),
			zap.String("stage", entry.Stage),
			zap.Error(err))
	}
}

func (s *AuditStore) List(ctx context.Context, waID string, limit int) ([]models.AutomationLog, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if waID != "" {
		q = q.Where("wa_id = ?", waID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []models.AutomationLog
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
