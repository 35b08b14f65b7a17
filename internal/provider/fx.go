package provider

import (
	"github.com/veriline/veriline/internal/provider/service"
	"go.uber.org/fx"
)

var Module = fx.Module("provider.service",
	fx.Provide(service.New),
)
