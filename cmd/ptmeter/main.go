package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ptmeter/internal/clock"
	"github.com/smallbiznis/ptmeter/internal/migration"
	"github.com/smallbiznis/ptmeter/internal/observability"
	"github.com/smallbiznis/ptmeter/internal/scheduler"
	"github.com/smallbiznis/ptmeter/internal/server"
	"github.com/smallbiznis/ptmeter/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		server.Module,

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
