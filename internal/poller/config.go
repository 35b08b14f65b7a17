package poller

import (
	"time"

	"github.com/veriline/veriline/internal/config"
)

// Config controls poll cadence, bounds and the restart loop.
type Config struct {
	// PollInterval is the fixed delay between provider polls per task.
	PollInterval time.Duration
	// CallTimeout bounds each provider call; it must stay strictly shorter
	// than PollInterval so a stalled call never delays cancellation beyond
	// one interval.
	CallTimeout time.Duration
	// MaxDuration bounds a verification's total polling lifetime, measured
	// from its creation.
	MaxDuration time.Duration
	// MaxProviderErrors is the consecutive unreachable-provider tolerance
	// before a task gives up.
	MaxProviderErrors int

	// SweepInterval is how often the supervisor claims unattached pending
	// verifications and reconciles stale ones.
	SweepInterval time.Duration
	BatchSize     int

	RestartBaseDelay time.Duration
	RestartMaxDelay  time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		CallTimeout:       4 * time.Second,
		MaxDuration:       10 * time.Minute,
		MaxProviderErrors: 5,
		SweepInterval:     10 * time.Second,
		BatchSize:         100,
		RestartBaseDelay:  time.Second,
		RestartMaxDelay:   time.Minute,
	}
}

// FromAppConfig maps the process configuration onto poller settings.
func FromAppConfig(cfg config.Config) Config {
	return Config{
		PollInterval:      cfg.Poller.PollInterval,
		CallTimeout:       cfg.Poller.CallTimeout,
		MaxDuration:       cfg.Poller.MaxDuration,
		MaxProviderErrors: cfg.Poller.MaxProviderErrors,
		RestartBaseDelay:  cfg.Poller.RestartBaseDelay,
		RestartMaxDelay:   cfg.Poller.RestartMaxDelay,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.CallTimeout <= 0 || c.CallTimeout >= c.PollInterval {
		c.CallTimeout = c.PollInterval * 4 / 5
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = defaults.MaxDuration
	}
	if c.MaxProviderErrors <= 0 {
		c.MaxProviderErrors = defaults.MaxProviderErrors
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RestartBaseDelay <= 0 {
		c.RestartBaseDelay = defaults.RestartBaseDelay
	}
	if c.RestartMaxDelay <= 0 {
		c.RestartMaxDelay = defaults.RestartMaxDelay
	}
	return c
}
