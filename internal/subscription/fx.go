package subscription

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/billingschedule/plugin"
	schedulerepo "github.com/smallbiznis/rebill/internal/billingschedule/repository"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/subscription/domain"
	"github.com/smallbiznis/rebill/internal/subscription/repository"
	"github.com/smallbiznis/rebill/internal/subscription/service"
	"github.com/smallbiznis/rebill/internal/workflow"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type serviceParams struct {
	fx.In

	Repo         domain.Repository
	ScheduleRepo schedulerepo.Repository
	Registry     *plugin.Registry
	Guards       *workflow.GuardRegistry
	Dispatcher   *workflow.Dispatcher
	Clock        clock.Clock
	Log          *zap.Logger
	GenID        *snowflake.Node
	Listeners    []domain.LifecycleListener `group:"subscription.listeners"`
}

func provideService(p serviceParams) (*service.Service, domain.Service) {
	svc := service.NewService(
		p.Repo, p.ScheduleRepo, p.Registry, p.Guards, p.Dispatcher,
		p.Clock, p.Log, p.GenID, p.Listeners,
	)
	return svc, svc
}

var Module = fx.Module("subscription",
	fx.Provide(repository.Provide),
	fx.Provide(provideService),
)
