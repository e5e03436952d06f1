package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/consentflow/internal/cache"
	"github.com/smallbiznis/consentflow/internal/clock"
	"github.com/smallbiznis/consentflow/internal/config"
	"github.com/smallbiznis/consentflow/internal/consent"
	"github.com/smallbiznis/consentflow/internal/dispatch"
	"github.com/smallbiznis/consentflow/internal/janitor"
	"github.com/smallbiznis/consentflow/internal/logger"
	"github.com/smallbiznis/consentflow/internal/migration"
	"github.com/smallbiznis/consentflow/internal/observability"
	"github.com/smallbiznis/consentflow/internal/ratelimit"
	"github.com/smallbiznis/consentflow/internal/reconcile"
	"github.com/smallbiznis/consentflow/internal/registry"
	"github.com/smallbiznis/consentflow/internal/scheduler"
	"github.com/smallbiznis/consentflow/internal/server"
	"github.com/smallbiznis/consentflow/internal/tenant"
	"github.com/smallbiznis/consentflow/internal/token"
	"github.com/smallbiznis/consentflow/pkg/db"
)

// The monolith: HTTP ops surface plus the in-process scheduler.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,
		ratelimit.Module,

		tenant.Module,
		token.Module,
		registry.Module,
		consent.Module,
		dispatch.Module,
		reconcile.Module,
		janitor.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
