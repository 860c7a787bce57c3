package store

import (
	"context"
	"time"

	"github.com/doc2288/streeming-app/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormLedger 把刷新令牌存放在关系表中。consume 是单条 DELETE ... RETURNING，
// 并发的两次 consume 只有一个能拿到行。
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) Store(ctx context.Context, rt *models.RefreshToken) error {
	return translate(l.db.WithContext(ctx).Create(rt).Error)
}

func (l *GormLedger) Consume(ctx context.Context, token string) (*models.RefreshToken, error) {
	var rows []models.RefreshToken
	res := l.db.WithContext(ctx).Clauses(clause.Returning{}).Where("token = ?", token).Delete(&rows)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 || len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func (l *GormLedger) RevokeByValueAndOwner(ctx context.Context, token string, userID uuid.UUID) error {
	return l.db.WithContext(ctx).
		Where("token = ? AND user_id = ?", token, userID).
		Delete(&models.RefreshToken{}).Error
}

func (l *GormLedger) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	res := l.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.RefreshToken{})
	return res.RowsAffected, res.Error
}

func (l *GormLedger) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.RefreshToken{})
	return res.RowsAffected, res.Error
}
