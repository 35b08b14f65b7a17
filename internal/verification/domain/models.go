// Package domain contains the verification entity and its state machine
// contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/veriline/veriline/internal/pricing"
)

// Status is the verification lifecycle state. PENDING is the only entry
// point; the three terminal states are immutable.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Capability string

const (
	CapabilitySMS   Capability = "sms"
	CapabilityVoice Capability = "voice"
)

// Verification is one purchased phone-number resource awaiting a delivered
// code. Cost is set once at creation, cents, and never changes; zero cost
// marks a bonus-unit funded purchase.
type Verification struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	UserID       snowflake.ID `gorm:"not null;index"`
	Service      string       `gorm:"type:text;not null"`
	Country      string       `gorm:"type:text;not null"`
	PhoneNumber  string       `gorm:"type:text;not null"`
	Provider     string       `gorm:"type:text;not null"`
	ActivationID string       `gorm:"type:text;not null;index"`
	Capability   Capability   `gorm:"type:text;not null;default:sms"`
	Status       Status       `gorm:"type:text;not null;index"`
	Cost         int64        `gorm:"not null"`
	OverageCost  int64        `gorm:"not null;default:0"`
	Code         *string      `gorm:"type:text"`
	FailReason   *string      `gorm:"type:text"`
	Refunded     bool         `gorm:"not null;default:false"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CompletedAt  *time.Time
}

// TableName sets the database table name.
func (Verification) TableName() string { return "verifications" }

// CreateRequest describes one purchase.
type CreateRequest struct {
	UserID  snowflake.ID
	Service string
	Country string
	Filters pricing.Filters
}

// Service owns the verification state machine. Create commits the record and
// its funding debit in one unit of work; Fail and Cancel issue exactly one
// compensating refund guarded by the refunded marker.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Verification, error)
	Get(ctx context.Context, id snowflake.ID) (*Verification, error)

	// Complete is idempotent: completing an already-completed verification is
	// a no-op, not an error.
	Complete(ctx context.Context, id snowflake.ID, code string) error
	Fail(ctx context.Context, id snowflake.ID, reason string) error
	Cancel(ctx context.Context, id snowflake.ID) error

	// ListPending returns open verifications, oldest first, for the polling
	// supervisor to claim.
	ListPending(ctx context.Context, limit int) ([]Verification, error)
	// ListStalePending returns open verifications created before cutoff,
	// candidates for the recovery sweep.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]Verification, error)
}

var (
	ErrNotFound        = errors.New("verification_not_found")
	ErrAlreadyTerminal = errors.New("verification_already_terminal")
	ErrProviderFailed  = errors.New("provider_unavailable")
)
