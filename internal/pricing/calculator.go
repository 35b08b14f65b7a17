// Package pricing computes itemized purchase costs from the read-only tier
// catalog. Everything here is deterministic and side-effect free.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/veriline/veriline/internal/tier"
	"go.uber.org/fx"
)

var (
	ErrUnknownTier       = errors.New("unknown_tier")
	ErrUnknownService    = errors.New("unknown_service")
	ErrFilterNotAllowed  = errors.New("filter_not_allowed_for_tier")
	ErrInvalidCapability = errors.New("invalid_capability")
)

// IsValidationError reports whether err rejects the request itself, before
// any side effect.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrUnknownTier) ||
		errors.Is(err, ErrUnknownService) ||
		errors.Is(err, ErrFilterNotAllowed) ||
		errors.Is(err, ErrInvalidCapability)
}

// Filters are the optional purchase constraints a request may carry.
type Filters struct {
	AreaCode   string
	Carrier    string
	Capability string // "sms" (default) or "voice"
}

// Quote is one itemized purchase cost, cents.
type Quote struct {
	Tier     tier.Entry
	Base     int64
	Premiums int64
	Discount int64
	Overage  int64
	Total    int64
	// Free marks a bonus-unit funded purchase; Total is zero.
	Free bool
}

type Params struct {
	fx.In

	Catalog *tier.Holder
}

// Calculator prices purchases against the current catalog snapshot.
type Calculator struct {
	catalog *tier.Holder
}

func NewCalculator(p Params) *Calculator {
	return &Calculator{catalog: p.Catalog}
}

// Quote validates the filters against the tier's feature flags and returns the
// itemized cost including any overage for the month's usage so far.
func (c *Calculator) Quote(tierName, service, country string, f Filters, quotaUsed int64) (Quote, error) {
	catalog := c.catalog.Get()

	entry, ok := catalog.Tier(tierName)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownTier, tierName)
	}

	// Filter validation rejects before any other computation.
	if err := validateFilters(entry, f); err != nil {
		return Quote{}, err
	}

	// The service must exist for every tier; free-tier purchases carry no
	// charge but still reject unknown services here rather than at purchase.
	base, ok := catalog.BasePrice(service, country)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	if entry.IsFree() {
		return Quote{Tier: entry, Free: true}, nil
	}

	var premiums int64
	if f.AreaCode != "" {
		premiums += catalog.PremiumFor(tier.FeatureAreaCodeFilter, f.AreaCode)
	}
	if f.Carrier != "" {
		premiums += catalog.PremiumFor(tier.FeatureCarrierFilter, f.Carrier)
	}

	var discount int64
	if pct, ok := catalog.DiscountPercent[strings.ToLower(entry.Name)]; ok && pct > 0 {
		discount = roundCents(float64(base+premiums) * pct)
	}

	subtotal := base + premiums - discount

	var overage int64
	if !entry.QuotaUnlimited {
		overage = Overage(quotaUsed, entry.QuotaLimit, subtotal, entry.OverageRate)
	}

	return Quote{
		Tier:     entry,
		Base:     base,
		Premiums: premiums,
		Discount: discount,
		Overage:  overage,
		Total:    subtotal + overage,
	}, nil
}

// Overage charges the over-limit portion of this purchase at rate. A zero
// quota limit means the tier bundles no quota at all, so every cent of cost
// is overage; unlimited tiers never reach this function.
func Overage(quotaUsed, quotaLimit, cost int64, rate float64) int64 {
	if quotaUsed+cost <= quotaLimit {
		return 0
	}
	over := quotaUsed + cost - quotaLimit
	return roundCents(float64(over) * rate)
}

// SufficientBalance applies the funding rule: the free tier requires one
// bonus unit, every other tier requires credits covering the full cost.
func SufficientBalance(entry tier.Entry, credits int64, bonusUnits int, total int64) bool {
	if entry.IsFree() {
		return bonusUnits >= 1
	}
	return credits >= total
}

func validateFilters(entry tier.Entry, f Filters) error {
	if f.AreaCode != "" && !entry.HasFeature(tier.FeatureAreaCodeFilter) {
		return fmt.Errorf("%w: area_code", ErrFilterNotAllowed)
	}
	if f.Carrier != "" && !entry.HasFeature(tier.FeatureCarrierFilter) {
		return fmt.Errorf("%w: carrier", ErrFilterNotAllowed)
	}
	switch strings.ToLower(f.Capability) {
	case "", "sms":
	case "voice":
		if !entry.HasFeature(tier.FeatureVoice) {
			return fmt.Errorf("%w: voice", ErrFilterNotAllowed)
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidCapability, f.Capability)
	}
	return nil
}

func roundCents(v float64) int64 {
	return int64(math.Round(v))
}

var Module = fx.Module("pricing",
	fx.Provide(NewCalculator),
)
