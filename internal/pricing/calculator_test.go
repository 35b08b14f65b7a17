package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriline/veriline/internal/tier"
)

func newTestCalculator(t *testing.T) *Calculator {
	t.Helper()
	holder := tier.NewStaticHolder(tier.DefaultCatalog())
	return NewCalculator(Params{Catalog: holder})
}

func TestQuoteWithinQuota(t *testing.T) {
	c := newTestCalculator(t)

	quote, err := c.Quote("starter", "telegram", "", Filters{}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(250), quote.Base)
	assert.Equal(t, int64(0), quote.Overage)
	assert.Equal(t, int64(250), quote.Total)
	assert.False(t, quote.Free)
}

func TestQuoteOverageChargesOnlyOverLimitPortion(t *testing.T) {
	c := newTestCalculator(t)

	// starter: limit 1500, rate 0.30. With 1400 used, a 250 purchase puts
	// 150 over the limit: 150 * 0.30 = 45.
	quote, err := c.Quote("starter", "telegram", "", Filters{}, 1400)
	require.NoError(t, err)
	assert.Equal(t, int64(45), quote.Overage)
	assert.Equal(t, int64(295), quote.Total)
}

func TestQuoteFullyOverLimit(t *testing.T) {
	c := newTestCalculator(t)

	// At exactly the limit the entire purchase is overage.
	quote, err := c.Quote("starter", "telegram", "", Filters{}, 1500)
	require.NoError(t, err)
	assert.Equal(t, int64(75), quote.Overage)
	assert.Equal(t, int64(325), quote.Total)
}

func TestQuoteUnlimitedTierNeverAccruesOverage(t *testing.T) {
	c := newTestCalculator(t)

	quote, err := c.Quote("business", "telegram", "", Filters{}, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), quote.Overage)
}

func TestQuoteFreeTierShortCircuits(t *testing.T) {
	c := newTestCalculator(t)

	quote, err := c.Quote("free", "telegram", "", Filters{}, 0)
	require.NoError(t, err)
	assert.True(t, quote.Free)
	assert.Equal(t, int64(0), quote.Total)
}

func TestQuoteCarrierPremium(t *testing.T) {
	c := newTestCalculator(t)

	quote, err := c.Quote("pro", "telegram", "", Filters{Carrier: "verizon"}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(75), quote.Premiums)
	assert.Equal(t, int64(325), quote.Total)
}

func TestQuoteBusinessDiscount(t *testing.T) {
	c := newTestCalculator(t)

	// business: 10% off base+premiums. 250 - 25 = 225.
	quote, err := c.Quote("business", "telegram", "", Filters{}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(25), quote.Discount)
	assert.Equal(t, int64(225), quote.Total)
}

func TestQuoteRejectsFilterBeforeAnythingElse(t *testing.T) {
	c := newTestCalculator(t)

	// starter has no filter features; the unknown service must not mask the
	// filter rejection.
	_, err := c.Quote("starter", "does-not-exist", "", Filters{AreaCode: "212"}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFilterNotAllowed)
	assert.True(t, IsValidationError(err))
}

func TestQuoteRejectsVoiceWithoutFeature(t *testing.T) {
	c := newTestCalculator(t)

	_, err := c.Quote("pro", "telegram", "", Filters{Capability: "voice"}, 0)
	assert.ErrorIs(t, err, ErrFilterNotAllowed)

	_, err = c.Quote("business", "telegram", "", Filters{Capability: "voice"}, 0)
	assert.NoError(t, err)
}

func TestQuoteRejectsUnknownCapability(t *testing.T) {
	c := newTestCalculator(t)

	_, err := c.Quote("business", "telegram", "", Filters{Capability: "fax"}, 0)
	assert.ErrorIs(t, err, ErrInvalidCapability)
}

func TestQuoteUnknownTier(t *testing.T) {
	c := newTestCalculator(t)

	_, err := c.Quote("platinum", "telegram", "", Filters{}, 0)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestQuoteUnknownService(t *testing.T) {
	c := newTestCalculator(t)

	_, err := c.Quote("starter", "does-not-exist", "", Filters{}, 0)
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestQuoteFreeTierRejectsUnknownService(t *testing.T) {
	c := newTestCalculator(t)

	// A free-tier purchase carries no charge but the service must still
	// exist; the rejection happens here, not at the provider.
	_, err := c.Quote("free", "does-not-exist", "", Filters{}, 0)
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestOverageBoundary(t *testing.T) {
	// Landing exactly on the limit is not overage.
	assert.Equal(t, int64(0), Overage(1250, 1500, 250, 0.30))
	assert.Equal(t, int64(0), Overage(0, 1500, 1500, 0.30))
	// One cent over is billed.
	assert.Equal(t, int64(0), Overage(1251, 1500, 250, 0.30)) // 1 * 0.30 rounds to 0
	assert.Equal(t, int64(1), Overage(1253, 1500, 250, 0.30)) // 3 * 0.30 rounds to 1
}

func TestSufficientBalance(t *testing.T) {
	free, ok := tier.DefaultCatalog().Tier("free")
	require.True(t, ok)
	starter, ok := tier.DefaultCatalog().Tier("starter")
	require.True(t, ok)

	// Free tier only looks at bonus units; credits are irrelevant.
	assert.True(t, SufficientBalance(free, 0, 1, 0))
	assert.False(t, SufficientBalance(free, 10_000, 0, 0))

	// Paid tiers only look at credits.
	assert.True(t, SufficientBalance(starter, 250, 0, 250))
	assert.False(t, SufficientBalance(starter, 249, 5, 250))
}
