package accountlock

import "go.uber.org/fx"

var Module = fx.Module("accountlock",
	fx.Provide(NewLocker),
)
