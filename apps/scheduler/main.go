package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ptmeter/internal/account"
	"github.com/smallbiznis/ptmeter/internal/admission"
	"github.com/smallbiznis/ptmeter/internal/clock"
	"github.com/smallbiznis/ptmeter/internal/config"
	"github.com/smallbiznis/ptmeter/internal/ledger"
	"github.com/smallbiznis/ptmeter/internal/migration"
	"github.com/smallbiznis/ptmeter/internal/observability"
	"github.com/smallbiznis/ptmeter/internal/pricing"
	"github.com/smallbiznis/ptmeter/internal/providers/slack"
	"github.com/smallbiznis/ptmeter/internal/ratelimit"
	"github.com/smallbiznis/ptmeter/internal/reconciliation"
	"github.com/smallbiznis/ptmeter/internal/router"
	"github.com/smallbiznis/ptmeter/internal/scheduler"
	"github.com/smallbiznis/ptmeter/pkg/db"
	"go.uber.org/fx"
)

// Standalone scheduler worker for deployments that split the batch jobs out
// of the API replicas.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		ratelimit.Module,
		slack.Module,
		pricing.Module,
		ledger.Module,
		account.Module,
		admission.Module,
		router.Module,
		reconciliation.Module,

		scheduler.Module,
		migration.Module,
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
