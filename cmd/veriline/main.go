package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/veriline/veriline/internal/billing"
	"github.com/veriline/veriline/internal/clock"
	"github.com/veriline/veriline/internal/config"
	"github.com/veriline/veriline/internal/migration"
	"github.com/veriline/veriline/internal/notification"
	obsmetrics "github.com/veriline/veriline/internal/observability/metrics"
	"github.com/veriline/veriline/internal/poller"
	"github.com/veriline/veriline/internal/pricing"
	"github.com/veriline/veriline/internal/provider"
	"github.com/veriline/veriline/internal/quota"
	"github.com/veriline/veriline/internal/server"
	"github.com/veriline/veriline/internal/tier"
	"github.com/veriline/veriline/internal/verification"
	"github.com/veriline/veriline/pkg/db"
	"github.com/veriline/veriline/pkg/log"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		log.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		obsmetrics.Module,
		server.Module,

		// Domain services
		tier.Module,
		pricing.Module,
		provider.Module,
		billing.Module,
		quota.Module,
		notification.Module,
		verification.Module,
		poller.Module,
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
