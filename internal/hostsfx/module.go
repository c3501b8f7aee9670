package hostsfx

import (
	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(ConfigRootProvider),
	fx.Provide(HostRegistry),
	fx.Provide(Session),
)
