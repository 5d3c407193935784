package entitlement

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/tally/internal/entitlement/repository"
	"github.com/smallbiznis/tally/internal/entitlement/service"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
