// Package domain defines the fire-and-forget notification sink.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type NotificationType string

const (
	TypeVerificationCompleted NotificationType = "verification_completed"
	TypeVerificationFailed    NotificationType = "verification_failed"
	TypeVerificationCancelled NotificationType = "verification_cancelled"
	TypeRefundIssued          NotificationType = "refund_issued"
)

// Notification is one persisted user-facing message.
type Notification struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	UserID    snowflake.ID      `gorm:"not null;index"`
	Type      NotificationType  `gorm:"type:text;not null"`
	Title     string            `gorm:"type:text;not null"`
	Message   string            `gorm:"type:text;not null"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Notification) TableName() string { return "notifications" }

// Notifier delivers user notifications. Implementations must swallow their
// own failures; delivery never affects the caller's outcome. Meta carries
// structured context (verification id, activation id, reason) alongside the
// human-readable message.
type Notifier interface {
	Notify(ctx context.Context, userID snowflake.ID, kind NotificationType, title, message string, meta datatypes.JSONMap)
}
