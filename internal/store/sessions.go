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

// SessionStore keeps the append-only conversation history of every contact.
type SessionStore struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

func NewSessionStore(db *gorm.DB, log *zap.Logger) *SessionStore {
	return &SessionStore{db: db, log: log, now: time.Now}
}

func (s *SessionStore) Append(ctx context.Context, waID, role, content string) (*models.Turn, error) {
	switch role {
	case models.RoleSystem, models.RoleUser, models.RoleAssistant:
	default:
		return nil, fmt.Errorf("append turn for %s: unknown role %q", waID, role)
	}
	turn := &models.Turn{
		WaID:      waID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(turn).Error; err != nil {
		return nil, fmt.Errorf("append turn for %s: %w", waID, err)
	}
	return turn, nil
}

// Seed stores the opening system turn unless the contact already has one.
func (s *SessionStore) Seed(ctx context.Context, waID, systemPrompt string) error {
	var existing models.Turn
	err := s.db.WithContext(ctx).
		Where("wa_id = ? AND role = ?", waID, models.RoleSystem).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("seed session %s: %w", waID, err)
	}
	_, err = s.Append(ctx, waID, models.RoleSystem, systemPrompt)
	return err
}

// History returns the full conversation in creation order. Rows with an
// unreadable role are skipped and reported.
func (s *SessionStore) History(ctx context.Context, waID string) ([]models.Turn, error) {
	var turns []models.Turn
	if err := s.db.WithContext(ctx).Where("wa_id = ?", waID).Order("id ASC").Find(&turns).Error; err != nil {
		return nil, fmt.Errorf("load history %s: %w", waID, err)
	}
	return s.clean(waID, turns), nil
}

// Recent returns the last n non-system turns in creation order.
func (s *SessionStore) Recent(ctx context.Context, waID string, n int) ([]models.Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	var turns []models.Turn
	err := s.db.WithContext(ctx).
		Where("wa_id = ? AND role <> ?", waID, models.RoleSystem).
		Order("id DESC").
		Limit(n).
		Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("load recent turns %s: %w", waID, err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return s.clean(waID, turns), nil
}

// Window returns the history bounded to the original system turn plus the
// last k turns.
func (s *SessionStore) Window(ctx context.Context, waID string, k int) ([]models.Turn, error) {
	turns, err := s.History(ctx, waID)
	if err != nil {
		return nil, err
	}
	return HistoryWindow(turns, k), nil
}

func (s *SessionStore) clean(waID string, turns []models.Turn) []models.Turn {
	out := turns[:0]
	for _, t := range turns {
		switch t.Role {
		case models.RoleSystem, models.RoleUser, models.RoleAssistant:
			out = append(out, t)
		default:
			s.log.Warn("skipping corrupt turn", zap.String("wa_id", waID), zap.Uint("turn_id", t.ID), zap.String("role", t.Role))
		}
	}
	return out
}

// HistoryWindow keeps the first system turn and the last k other turns,
// dropping from the middle. The input is not modified.
func HistoryWindow(turns []models.Turn, k int) []models.Turn {
	var system *models.Turn
	rest := make([]models.Turn, 0, len(turns))
	for i := range turns {
		if system == nil && turns[i].Role == models.RoleSystem {
			system = &turns[i]
			continue
		}
		rest = append(rest, turns[i])
	}
	if k >= 0 && len(rest) > k {
		rest = rest[len(rest)-k:]
	}
	out := make([]models.Turn, 0, len(rest)+1)
	if system != nil {
		out = append(out, *system)
	}
	return append(out, rest...)
}
