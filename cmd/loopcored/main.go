package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/glucoloop/loopcore/internal/clock"
	"github.com/glucoloop/loopcore/internal/config"
	"github.com/glucoloop/loopcore/internal/loop"
	"github.com/glucoloop/loopcore/internal/migration"
	"github.com/glucoloop/loopcore/internal/observability"
	"github.com/glucoloop/loopcore/internal/server"
	"github.com/glucoloop/loopcore/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
		loop.Module,
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
