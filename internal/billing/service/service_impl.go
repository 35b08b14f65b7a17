package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/veriline/veriline/internal/billing/domain"
	"github.com/veriline/veriline/internal/clock"
	"github.com/veriline/veriline/pkg/db"
	"github.com/veriline/veriline/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
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

func NewService(p Params) billingdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("billing.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) GetAccount(ctx context.Context, userID snowflake.ID) (*billingdomain.Account, error) {
	var account billingdomain.Account
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, billingdomain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) EnsureAccount(ctx context.Context, userID snowflake.ID, tier string, bonusUnits int) (*billingdomain.Account, error) {
	now := s.clock.Now()
	account := billingdomain.Account{
		UserID:     userID,
		Tier:       tier,
		BonusUnits: bonusUnits,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO accounts (user_id, credits, bonus_units, tier, created_at, updated_at)
		 VALUES (?, 0, ?, ?, ?, ?)`,
		userID, bonusUnits, tier, now, now,
	).Error
	if err != nil && !db.IsDuplicateKeyErr(err) {
		return nil, err
	}
	if err != nil {
		return s.GetAccount(ctx, userID)
	}
	return &account, nil
}

func (s *Service) Credit(ctx context.Context, userID snowflake.ID, amount int64, reason billingdomain.TransactionReason) error {
	if amount <= 0 {
		return billingdomain.ErrInvalidAmount
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.creditTx(ctx, tx, userID, amount, reason, nil, nil)
	})
}

func (s *Service) Debit(ctx context.Context, userID snowflake.ID, amount int64, reason billingdomain.TransactionReason) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.DebitTx(ctx, tx, userID, amount, reason, nil)
	})
}

// DebitTx removes amount from the locked account row and appends the matching
// transaction. The committed balance never goes negative.
func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, reason billingdomain.TransactionReason, verificationID *snowflake.ID) error {
	if amount <= 0 {
		return billingdomain.ErrInvalidAmount
	}
	account, err := s.lockAccount(ctx, tx, userID)
	if err != nil {
		return err
	}
	if account.Credits < amount {
		return billingdomain.ErrInsufficientBalance
	}

	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`UPDATE accounts SET credits = credits - ?, updated_at = ? WHERE user_id = ?`,
		amount, now, userID,
	).Error; err != nil {
		return err
	}
	return s.appendTransaction(ctx, tx, userID, -amount, 0, reason, verificationID, nil, now)
}

// SpendBonusUnitTx consumes one bonus unit from the locked account row.
func (s *Service) SpendBonusUnitTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, verificationID *snowflake.ID) error {
	account, err := s.lockAccount(ctx, tx, userID)
	if err != nil {
		return err
	}
	if account.BonusUnits < 1 {
		return billingdomain.ErrNoBonusUnits
	}

	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`UPDATE accounts SET bonus_units = bonus_units - 1, updated_at = ? WHERE user_id = ?`,
		now, userID,
	).Error; err != nil {
		return err
	}
	return s.appendTransaction(ctx, tx, userID, 0, -1, billingdomain.ReasonBonusSpend, verificationID, nil, now)
}

// RefundTx restores exactly the resource that funded the original purchase:
// credits when the verification carried a monetary cost, one bonus unit
// otherwise. Never both.
func (s *Service) RefundTx(ctx context.Context, tx *gorm.DB, req billingdomain.RefundRequest) error {
	if req.Cost > 0 {
		verificationID := req.VerificationID
		return s.creditTx(ctx, tx, req.UserID, req.Cost, billingdomain.ReasonVerificationRefund, &verificationID, req.Metadata)
	}

	if _, err := s.lockAccount(ctx, tx, req.UserID); err != nil {
		return err
	}
	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`UPDATE accounts SET bonus_units = bonus_units + 1, updated_at = ? WHERE user_id = ?`,
		now, req.UserID,
	).Error; err != nil {
		return err
	}
	verificationID := req.VerificationID
	return s.appendTransaction(ctx, tx, req.UserID, 0, 1, billingdomain.ReasonBonusRefund, &verificationID, req.Metadata, now)
}

func (s *Service) creditTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, reason billingdomain.TransactionReason, verificationID *snowflake.ID, meta datatypes.JSONMap) error {
	if amount <= 0 {
		return billingdomain.ErrInvalidAmount
	}
	if _, err := s.lockAccount(ctx, tx, userID); err != nil {
		return err
	}
	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`UPDATE accounts SET credits = credits + ?, updated_at = ? WHERE user_id = ?`,
		amount, now, userID,
	).Error; err != nil {
		return err
	}
	return s.appendTransaction(ctx, tx, userID, amount, 0, reason, verificationID, meta, now)
}

func (s *Service) ListTransactions(ctx context.Context, userID snowflake.ID, page pagination.Pagination) ([]billingdomain.Transaction, *pagination.PageInfo, error) {
	limit := page.PageSize
	if limit <= 0 {
		limit = 50
	}

	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit + 1)
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, nil, err
		}
		query = query.Where("id < ?", cursor.ID)
	}

	var rows []billingdomain.Transaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	info, rows := pagination.BuildCursorPageInfo(rows, limit, func(t billingdomain.Transaction) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: t.ID.String()})
		return token
	})
	return rows, info, nil
}

// TransactionSum returns the signed sum of all monetary movements for a user.
// It must equal the account's credits at all times.
func (s *Service) TransactionSum(ctx context.Context, userID snowflake.ID) (int64, error) {
	var sum struct{ Total int64 }
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS total FROM transactions WHERE user_id = ?`,
		userID,
	).Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	return sum.Total, nil
}

// lockAccount loads the account row under a row lock so concurrent mutations
// for the same user serialize. SQLite serializes at the database level and has
// no FOR UPDATE grammar.
func (s *Service) lockAccount(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*billingdomain.Account, error) {
	query := `SELECT user_id, credits, bonus_units, tier FROM accounts WHERE user_id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE`
	}

	var account billingdomain.Account
	if err := tx.WithContext(ctx).Raw(query, userID).Scan(&account).Error; err != nil {
		return nil, err
	}
	if account.UserID == 0 {
		return nil, billingdomain.ErrAccountNotFound
	}
	return &account, nil
}

func (s *Service) appendTransaction(
	ctx context.Context,
	tx *gorm.DB,
	userID snowflake.ID,
	amount int64,
	bonusDelta int,
	reason billingdomain.TransactionReason,
	verificationID *snowflake.ID,
	meta datatypes.JSONMap,
	now time.Time,
) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO transactions (id, user_id, amount, bonus_delta, reason, verification_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(),
		userID,
		amount,
		bonusDelta,
		reason,
		verificationID,
		meta,
		now,
	).Error
}
