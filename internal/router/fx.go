package router

import (
	"github.com/smallbiznis/ptmeter/internal/router/service"
	"go.uber.org/fx"
)

var Module = fx.Module("router.service",
	fx.Provide(service.NewService),
)
