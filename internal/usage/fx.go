package usage

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/tally/internal/usage/repository"
	"github.com/smallbiznis/tally/internal/usage/service"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
