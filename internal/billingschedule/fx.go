package billingschedule

import (
	"github.com/smallbiznis/rebill/internal/billingschedule/plugin"
	"github.com/smallbiznis/rebill/internal/billingschedule/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("billingschedule",
	fx.Provide(plugin.NewRegistry),
	fx.Provide(repository.Provide),
)
