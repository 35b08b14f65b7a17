package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/veriline/veriline/internal/billing/domain"
	"github.com/veriline/veriline/internal/clock"
	"github.com/veriline/veriline/internal/config"
	obsmetrics "github.com/veriline/veriline/internal/observability/metrics"
	"github.com/veriline/veriline/internal/pricing"
	providerdomain "github.com/veriline/veriline/internal/provider/domain"
	quotadomain "github.com/veriline/veriline/internal/quota/domain"
	"github.com/veriline/veriline/internal/retry"
	verificationdomain "github.com/veriline/veriline/internal/verification/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Gateway    providerdomain.Gateway
	Calculator *pricing.Calculator
	BillingSvc billingdomain.Service
	QuotaSvc   quotadomain.Service
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	providerName string
	gateway      providerdomain.Gateway
	calculator   *pricing.Calculator
	billingSvc   billingdomain.Service
	quotaSvc     quotadomain.Service
	buyRetry     retry.Policy
}

func NewService(p Params) verificationdomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("verification.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		providerName: p.Cfg.Provider.Name,
		gateway:      p.Gateway,
		calculator:   p.Calculator,
		billingSvc:   p.BillingSvc,
		quotaSvc:     p.QuotaSvc,
		buyRetry:     retry.DefaultPolicy(),
	}
}

// Create runs the full purchase flow: quote, balance check, provider buy,
// then record insert plus funding debit in one transaction. The provider
// purchase happens before any money moves; if the ledger write fails after a
// number was already purchased, the number is cancelled best-effort and the
// incident logged for reconciliation.
func (s *Service) Create(ctx context.Context, req verificationdomain.CreateRequest) (*verificationdomain.Verification, error) {
	account, err := s.billingSvc.GetAccount(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	usage, err := s.quotaSvc.Current(ctx, req.UserID, now)
	if err != nil {
		return nil, err
	}

	// Filter validation inside Quote rejects before any side effect.
	quote, err := s.calculator.Quote(account.Tier, req.Service, req.Country, req.Filters, usage.QuotaUsed)
	if err != nil {
		return nil, err
	}

	if !pricing.SufficientBalance(quote.Tier, account.Credits, account.BonusUnits, quote.Total) {
		if quote.Free {
			return nil, billingdomain.ErrNoBonusUnits
		}
		return nil, billingdomain.ErrInsufficientBalance
	}

	number, err := s.buyNumber(ctx, req.Country, req.Service)
	if err != nil {
		s.log.Warn("provider purchase failed",
			zap.String("user_id", req.UserID.String()),
			zap.String("service", req.Service),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", verificationdomain.ErrProviderFailed, err)
	}

	capability := verificationdomain.CapabilitySMS
	if req.Filters.Capability == "voice" {
		capability = verificationdomain.CapabilityVoice
	}

	verification := &verificationdomain.Verification{
		ID:           s.genID.Generate(),
		UserID:       req.UserID,
		Service:      req.Service,
		Country:      req.Country,
		PhoneNumber:  number.PhoneNumber,
		Provider:     s.providerName,
		ActivationID: number.ActivationID,
		Capability:   capability,
		Status:       verificationdomain.StatusPending,
		Cost:         quote.Total,
		OverageCost:  quote.Overage,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(verification).Error; err != nil {
			return err
		}
		verificationID := verification.ID
		if quote.Free {
			return s.billingSvc.SpendBonusUnitTx(ctx, tx, req.UserID, &verificationID)
		}
		if err := s.billingSvc.DebitTx(ctx, tx, req.UserID, quote.Total, billingdomain.ReasonVerificationCharge, &verificationID); err != nil {
			return err
		}

		// The quota bucket tracks consumption, not billing: quota_used fills
		// up to the bundled limit and overage_used counts usage beyond it.
		// The billed overage charge lives on the verification row and in the
		// ledger, never here.
		quotaDelta := quote.Total - quote.Overage
		var overageDelta int64
		if !quote.Tier.QuotaUnlimited {
			remaining := quote.Tier.QuotaLimit - usage.QuotaUsed
			if remaining < 0 {
				remaining = 0
			}
			if quotaDelta > remaining {
				overageDelta = quotaDelta - remaining
				quotaDelta = remaining
			}
		}
		return s.quotaSvc.AddTx(ctx, tx, req.UserID, now, quotaDelta, overageDelta)
	})
	if err != nil {
		s.compensatePurchase(ctx, number.ActivationID, err)
		return nil, err
	}

	obsmetrics.Poller().IncVerificationCreated(req.Service)
	return verification, nil
}

func (s *Service) buyNumber(ctx context.Context, country, service string) (providerdomain.PurchasedNumber, error) {
	var number providerdomain.PurchasedNumber
	err := s.buyRetry.Do(ctx, providerdomain.IsRetryable, func(ctx context.Context) error {
		var err error
		number, err = s.gateway.BuyNumber(ctx, country, service)
		return err
	})
	return number, err
}

// compensatePurchase cancels a purchased number whose ledger write failed.
// When the cancel also fails the inconsistency window is logged for manual
// reconciliation rather than silently ignored.
func (s *Service) compensatePurchase(ctx context.Context, activationID string, cause error) {
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := s.gateway.Cancel(cancelCtx, activationID); err != nil {
		s.log.Error("unrecorded purchase: provider cancel failed, manual reconciliation required",
			zap.String("activation_id", activationID),
			zap.NamedError("ledger_error", cause),
			zap.Error(err),
		)
		return
	}
	s.log.Warn("ledger write failed after purchase, number cancelled",
		zap.String("activation_id", activationID),
		zap.Error(cause),
	)
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*verificationdomain.Verification, error) {
	var verification verificationdomain.Verification
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&verification).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, verificationdomain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &verification, nil
}

// Complete transitions PENDING to COMPLETED. The conditional update makes the
// first terminal writer win; a repeat completion is a silent no-op and any
// other terminal state reports ErrAlreadyTerminal.
func (s *Service) Complete(ctx context.Context, id snowflake.ID, code string) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE verifications
		 SET status = ?, code = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		verificationdomain.StatusCompleted, code, now, now,
		id, verificationdomain.StatusPending,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		obsmetrics.Poller().IncTerminalTransition(string(verificationdomain.StatusCompleted))
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == verificationdomain.StatusCompleted {
		return nil
	}
	return verificationdomain.ErrAlreadyTerminal
}

// Fail transitions PENDING to FAILED and issues the compensating refund. The
// refunded marker travels in the same conditional update, so a concurrent
// cancel and timeout can never refund twice.
func (s *Service) Fail(ctx context.Context, id snowflake.ID, reason string) error {
	return s.terminateWithRefund(ctx, id, verificationdomain.StatusFailed, &reason)
}

// Cancel transitions PENDING to CANCELLED and issues the compensating refund.
func (s *Service) Cancel(ctx context.Context, id snowflake.ID) error {
	return s.terminateWithRefund(ctx, id, verificationdomain.StatusCancelled, nil)
}

func (s *Service) terminateWithRefund(ctx context.Context, id snowflake.ID, status verificationdomain.Status, reason *string) error {
	verification, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if verification.Status.IsTerminal() {
		return verificationdomain.ErrAlreadyTerminal
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`UPDATE verifications
			 SET status = ?, fail_reason = ?, refunded = ?, completed_at = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND refunded = ?`,
			status, reason, true, now, now,
			id, verificationdomain.StatusPending, false,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return verificationdomain.ErrAlreadyTerminal
		}

		meta := datatypes.JSONMap{
			"status":        string(status),
			"activation_id": verification.ActivationID,
			"service":       verification.Service,
		}
		if reason != nil {
			meta["fail_reason"] = *reason
		}
		return s.billingSvc.RefundTx(ctx, tx, billingdomain.RefundRequest{
			UserID:         verification.UserID,
			VerificationID: verification.ID,
			Cost:           verification.Cost,
			Metadata:       meta,
		})
	})
	if err != nil {
		return err
	}

	obsmetrics.Poller().IncTerminalTransition(string(status))
	obsmetrics.Poller().IncRefund(verification.Cost > 0)
	return nil
}

func (s *Service) ListPending(ctx context.Context, limit int) ([]verificationdomain.Verification, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []verificationdomain.Verification
	err := s.db.WithContext(ctx).
		Where("status = ?", verificationdomain.StatusPending).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *Service) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]verificationdomain.Verification, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []verificationdomain.Verification
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", verificationdomain.StatusPending, cutoff).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
