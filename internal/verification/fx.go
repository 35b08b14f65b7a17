package verification

import (
	"github.com/veriline/veriline/internal/verification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("verification.service",
	fx.Provide(service.NewService),
)
