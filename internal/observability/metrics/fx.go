package metrics

import (
	"go.uber.org/fx"

	"github.com/veriline/veriline/internal/config"
)

// Module stamps the service and environment labels onto the metrics
// singleton before anything records to it.
var Module = fx.Module("observability.metrics",
	fx.Invoke(func(cfg config.Config) {
		PollerWithConfig(Config{ServiceName: cfg.AppName, Environment: cfg.Environment})
	}),
)
