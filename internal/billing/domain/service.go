package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/veriline/veriline/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RefundRequest compensates one failed or cancelled verification. Exactly one
// of the two resources moves: Cost > 0 restores credits, Cost == 0 restores a
// bonus unit. Metadata is recorded on the refund transaction for audit.
type RefundRequest struct {
	UserID         snowflake.ID
	VerificationID snowflake.ID
	Cost           int64
	Metadata       datatypes.JSONMap
}

// Service serializes all balance mutations per user and appends one
// Transaction row for every committed movement.
//
// The Tx variants run inside a caller-owned gorm transaction so a balance
// movement can commit atomically with the record that justifies it.
type Service interface {
	GetAccount(ctx context.Context, userID snowflake.ID) (*Account, error)
	EnsureAccount(ctx context.Context, userID snowflake.ID, tier string, bonusUnits int) (*Account, error)

	Credit(ctx context.Context, userID snowflake.ID, amount int64, reason TransactionReason) error
	Debit(ctx context.Context, userID snowflake.ID, amount int64, reason TransactionReason) error

	DebitTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, reason TransactionReason, verificationID *snowflake.ID) error
	SpendBonusUnitTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, verificationID *snowflake.ID) error
	RefundTx(ctx context.Context, tx *gorm.DB, req RefundRequest) error

	ListTransactions(ctx context.Context, userID snowflake.ID, page pagination.Pagination) ([]Transaction, *pagination.PageInfo, error)
	TransactionSum(ctx context.Context, userID snowflake.ID) (int64, error)
}

var (
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrNoBonusUnits        = errors.New("no_bonus_units")
)
