package tier

import "go.uber.org/fx"

var Module = fx.Module("tier.catalog",
	fx.Provide(NewHolder),
)
