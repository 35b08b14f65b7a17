// Package domain contains persistence models for user balances and the
// append-only transaction trail.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Account holds one user's monetary balance (cents) and free-tier bonus units.
type Account struct {
	UserID     snowflake.ID `gorm:"primaryKey"`
	Credits    int64        `gorm:"not null;default:0"`
	BonusUnits int          `gorm:"not null;default:0"`
	Tier       string       `gorm:"type:text;not null;default:free"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// TransactionReason tags every balance movement.
type TransactionReason string

const (
	ReasonTopup              TransactionReason = "topup"
	ReasonVerificationCharge TransactionReason = "verification_charge"
	ReasonVerificationRefund TransactionReason = "verification_refund"
	ReasonBonusSpend         TransactionReason = "bonus_spend"
	ReasonBonusRefund        TransactionReason = "bonus_refund"
	ReasonAdjustment         TransactionReason = "adjustment"
)

// Transaction is one immutable signed balance movement. Amount moves credits;
// BonusDelta moves bonus units. A single row never moves both.
type Transaction struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	UserID         snowflake.ID      `gorm:"not null;index"`
	Amount         int64             `gorm:"not null"`
	BonusDelta     int               `gorm:"not null;default:0"`
	Reason         TransactionReason `gorm:"type:text;not null"`
	VerificationID *snowflake.ID     `gorm:"index"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }
