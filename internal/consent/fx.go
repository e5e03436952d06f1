package consent

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/consentflow/internal/consent/repository"
)

var Module = fx.Module("consent",
	fx.Provide(
		repository.Provide,
	),
)
