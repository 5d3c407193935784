package dispute

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/tally/internal/payment/dispute/adapter"
	domain "github.com/smallbiznis/tally/internal/payment/dispute/domain"
	"github.com/smallbiznis/tally/internal/payment/dispute/repository"
	"github.com/smallbiznis/tally/internal/payment/dispute/service"
)

var Module = fx.Module("payment.dispute",
	fx.Provide(repository.Provide),
	fx.Provide(fx.Annotate(
		func() domain.DisputeAdapter { return adapter.NewSandbox() },
		fx.ResultTags(`group:"dispute.adapters"`),
	)),
	fx.Provide(service.NewService),
)
