package tenant

import (
	"github.com/smallbiznis/consentflow/internal/tenant/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("tenant.service",
	fx.Provide(repository.Provide),
)
