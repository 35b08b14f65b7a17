// Package domain contains persistence models for monthly quota tracking.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// MonthlyUsage is the per-user quota bucket for one calendar month, cents.
// Buckets are created lazily on first use and only ever incremented.
// QuotaUsed fills up to the tier's bundled limit and OverageUsed counts the
// consumption beyond it; both measure usage, never billed charges.
type MonthlyUsage struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	UserID      snowflake.ID `gorm:"not null;uniqueIndex:ux_monthly_usage_user_month,priority:1"`
	MonthKey    string       `gorm:"type:text;not null;uniqueIndex:ux_monthly_usage_user_month,priority:2"`
	QuotaUsed   int64        `gorm:"not null;default:0"`
	OverageUsed int64        `gorm:"not null;default:0"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (MonthlyUsage) TableName() string { return "monthly_quota_usage" }

// MonthKey formats t as the bucket key, UTC.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Service tracks quota consumption per user and month.
type Service interface {
	// Current returns this month's bucket, zero-valued when absent.
	Current(ctx context.Context, userID snowflake.ID, at time.Time) (MonthlyUsage, error)
	// AddTx increments the bucket inside a caller-owned transaction, creating
	// it when this is the first usage of the month.
	AddTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, at time.Time, quotaDelta, overageDelta int64) error
}
