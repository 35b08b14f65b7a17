package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/veriline/veriline/internal/clock"
	quotadomain "github.com/veriline/veriline/internal/quota/domain"
	"github.com/veriline/veriline/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) quotadomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("quota.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Current(ctx context.Context, userID snowflake.ID, at time.Time) (quotadomain.MonthlyUsage, error) {
	var usage quotadomain.MonthlyUsage
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND month_key = ?", userID, quotadomain.MonthKey(at)).
		Take(&usage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return quotadomain.MonthlyUsage{
			UserID:   userID,
			MonthKey: quotadomain.MonthKey(at),
		}, nil
	}
	if err != nil {
		return quotadomain.MonthlyUsage{}, err
	}
	return usage, nil
}

func (s *Service) AddTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, at time.Time, quotaDelta, overageDelta int64) error {
	if quotaDelta == 0 && overageDelta == 0 {
		return nil
	}
	monthKey := quotadomain.MonthKey(at)
	now := s.clock.Now()

	insertErr := tx.WithContext(ctx).Exec(
		`INSERT INTO monthly_quota_usage (id, user_id, month_key, quota_used, overage_used, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(), userID, monthKey, quotaDelta, overageDelta, now, now,
	).Error
	if insertErr == nil {
		return nil
	}
	if !db.IsDuplicateKeyErr(insertErr) {
		return insertErr
	}

	return tx.WithContext(ctx).Exec(
		`UPDATE monthly_quota_usage
		 SET quota_used = quota_used + ?, overage_used = overage_used + ?, updated_at = ?
		 WHERE user_id = ? AND month_key = ?`,
		quotaDelta, overageDelta, now, userID, monthKey,
	).Error
}
