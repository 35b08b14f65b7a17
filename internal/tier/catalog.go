package tier

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Feature flags a tier may grant. Purchase filters are rejected unless the
// requesting account's tier carries the matching flag.
const (
	FeatureAreaCodeFilter = "area_code_filter"
	FeatureCarrierFilter  = "carrier_filter"
	FeatureVoice          = "voice"
)

// Entry is one read-only tier catalog row. Monetary values are cents.
type Entry struct {
	Name           string   `mapstructure:"name"`
	MonthlyFee     int64    `mapstructure:"monthlyFee"`
	QuotaLimit     int64    `mapstructure:"quotaLimit"`
	QuotaUnlimited bool     `mapstructure:"quotaUnlimited"`
	OverageRate    float64  `mapstructure:"overageRate"`
	Features       []string `mapstructure:"features"`
	BonusUnits     int      `mapstructure:"bonusUnits"`
}

// HasFeature reports whether the tier grants the named feature flag.
func (e Entry) HasFeature(name string) bool {
	for _, f := range e.Features {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

// IsFree reports whether purchases on this tier consume bonus units instead of credits.
func (e Entry) IsFree() bool { return strings.EqualFold(e.Name, "free") }

// ServicePrice is the per-service base price, cents.
type ServicePrice struct {
	Service string `mapstructure:"service"`
	Country string `mapstructure:"country"`
	Base    int64  `mapstructure:"base"`
}

// Premium is an additive surcharge for a filter value, cents.
type Premium struct {
	Filter string `mapstructure:"filter"`
	Value  string `mapstructure:"value"`
	Amount int64  `mapstructure:"amount"`
}

// Catalog is the full read-only pricing reference data set.
type Catalog struct {
	Tiers    []Entry        `mapstructure:"tiers"`
	Prices   []ServicePrice `mapstructure:"prices"`
	Premiums []Premium      `mapstructure:"premiums"`
	// DiscountPercent applies to paid tiers above the base tier.
	DiscountPercent map[string]float64 `mapstructure:"discountPercent"`
}

// Tier resolves a tier entry by name, falling back to the free tier.
func (c Catalog) Tier(name string) (Entry, bool) {
	for _, t := range c.Tiers {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return Entry{}, false
}

// BasePrice resolves the base price for a service/country pair. A row with an
// empty country is the service-wide default.
func (c Catalog) BasePrice(service, country string) (int64, bool) {
	var fallback int64
	var haveFallback bool
	for _, p := range c.Prices {
		if !strings.EqualFold(p.Service, service) {
			continue
		}
		if strings.EqualFold(p.Country, country) {
			return p.Base, true
		}
		if p.Country == "" {
			fallback = p.Base
			haveFallback = true
		}
	}
	return fallback, haveFallback
}

// PremiumFor resolves the surcharge for one filter value, zero when unknown.
func (c Catalog) PremiumFor(filter, value string) int64 {
	for _, p := range c.Premiums {
		if strings.EqualFold(p.Filter, filter) && strings.EqualFold(p.Value, value) {
			return p.Amount
		}
	}
	return 0
}

func DefaultCatalog() Catalog {
	return Catalog{
		Tiers: []Entry{
			{Name: "free", QuotaLimit: 0, OverageRate: 0, BonusUnits: 10},
			{Name: "starter", MonthlyFee: 900, QuotaLimit: 1500, OverageRate: 0.30},
			{Name: "pro", MonthlyFee: 2900, QuotaLimit: 7500, OverageRate: 0.20,
				Features: []string{FeatureAreaCodeFilter, FeatureCarrierFilter}},
			{Name: "business", MonthlyFee: 9900, QuotaUnlimited: true,
				Features: []string{FeatureAreaCodeFilter, FeatureCarrierFilter, FeatureVoice}},
		},
		Prices: []ServicePrice{
			{Service: "telegram", Country: "", Base: 250},
			{Service: "whatsapp", Country: "", Base: 300},
			{Service: "google", Country: "", Base: 200},
		},
		Premiums: []Premium{
			{Filter: FeatureCarrierFilter, Value: "verizon", Amount: 75},
			{Filter: FeatureCarrierFilter, Value: "tmobile", Amount: 50},
		},
		DiscountPercent: map[string]float64{
			"business": 0.10,
		},
	}
}

// Holder exposes the hot-reloadable catalog.
type Holder struct {
	current atomic.Value // holds Catalog
}

// NewHolder loads catalog.yml via viper and watches it for changes. A missing
// file falls back to the built-in defaults; an invalid reload is ignored.
func NewHolder() (*Holder, error) {
	v := viper.New()

	v.SetConfigName("catalog")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/veriline/config")
	v.AddConfigPath("/etc/veriline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("VERILINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &Holder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultCatalog())
		return holder, nil
	}

	var cfg Catalog
	if err := v.UnmarshalKey("catalog", &cfg); err != nil {
		return nil, err
	}
	if err := validateCatalog(cfg); err != nil {
		return nil, err
	}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Catalog
		if err := v.UnmarshalKey("catalog", &updated); err != nil {
			log.Printf("[tier-catalog] reload failed: %v", err)
			return
		}
		if err := validateCatalog(updated); err != nil {
			log.Printf("[tier-catalog] invalid catalog ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[tier-catalog] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticHolder wraps a fixed catalog, used by tests.
func NewStaticHolder(cfg Catalog) *Holder {
	h := &Holder{}
	h.current.Store(cfg)
	return h
}

func (h *Holder) Get() Catalog {
	return h.current.Load().(Catalog)
}

func validateCatalog(cfg Catalog) error {
	if len(cfg.Tiers) == 0 {
		return errors.New("catalog.tiers cannot be empty")
	}
	if len(cfg.Prices) == 0 {
		return errors.New("catalog.prices cannot be empty")
	}
	for _, t := range cfg.Tiers {
		if t.QuotaLimit < 0 {
			return errors.New("catalog.tiers quotaLimit cannot be negative")
		}
		if t.OverageRate < 0 {
			return errors.New("catalog.tiers overageRate cannot be negative")
		}
	}
	return nil
}
