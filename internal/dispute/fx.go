package dispute

import (
	"github.com/smallbiznis/ptmeter/internal/dispute/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dispute.service",
	fx.Provide(service.NewService),
)
