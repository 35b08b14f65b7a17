package quota

import (
	"github.com/veriline/veriline/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.service",
	fx.Provide(service.NewService),
)
