package registry

import "go.uber.org/fx"

var Module = fx.Module("registry.client",
	fx.Provide(New),
)
