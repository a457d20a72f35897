package recurring

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/billingschedule/plugin"
	schedulerepo "github.com/smallbiznis/rebill/internal/billingschedule/repository"
	"github.com/smallbiznis/rebill/internal/charge"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/dunning"
	orderdomain "github.com/smallbiznis/rebill/internal/order/domain"
	paymentdomain "github.com/smallbiznis/rebill/internal/payment/domain"
	"github.com/smallbiznis/rebill/internal/queue"
	"github.com/smallbiznis/rebill/internal/scheduler"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"github.com/smallbiznis/rebill/internal/workflow"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type managerParams struct {
	fx.In

	Orders       orderdomain.Repository
	SubRepo      subscriptiondomain.Repository
	Subs         subscriptiondomain.Service
	ScheduleRepo schedulerepo.Repository
	Registry     *plugin.Registry
	Collector    *charge.Collector
	Gateway      paymentdomain.Gateway
	Dunning      *dunning.Processor
	Queue        queue.Queue
	Guards       *workflow.GuardRegistry
	Dispatcher   *workflow.Dispatcher
	Clock        clock.Clock
	Log          *zap.Logger
	GenID        *snowflake.Node
	Listeners    []subscriptiondomain.LifecycleListener `group:"subscription.listeners"`
}

func provideManager(p managerParams) *OrderManager {
	return NewOrderManager(
		p.Orders, p.SubRepo, p.Subs, p.ScheduleRepo, p.Registry,
		p.Collector, p.Gateway, p.Dunning, p.Queue,
		p.Guards, p.Dispatcher, p.Clock, p.Log, p.GenID, p.Listeners,
	)
}

func provideHandler(m *OrderManager) scheduler.JobHandler { return m }

var Module = fx.Module("recurring",
	fx.Provide(provideManager),
	fx.Provide(provideHandler),
)
