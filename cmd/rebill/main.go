package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/billingschedule"
	"github.com/smallbiznis/rebill/internal/charge"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/dunning"
	"github.com/smallbiznis/rebill/internal/logger"
	"github.com/smallbiznis/rebill/internal/migration"
	"github.com/smallbiznis/rebill/internal/notification"
	"github.com/smallbiznis/rebill/internal/order"
	"github.com/smallbiznis/rebill/internal/payment"
	"github.com/smallbiznis/rebill/internal/queue"
	"github.com/smallbiznis/rebill/internal/recurring"
	"github.com/smallbiznis/rebill/internal/scheduler"
	"github.com/smallbiznis/rebill/internal/subscription"
	"github.com/smallbiznis/rebill/internal/workflow"
	"github.com/smallbiznis/rebill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		// Billing engine
		workflow.Module,
		billingschedule.Module,
		charge.Module,
		subscription.Module,
		order.Module,
		queue.Module,
		payment.Module,
		notification.Module,
		dunning.Module,
		recurring.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		panic(err)
	}
	return node
}
