package queue

import (
	"go.uber.org/fx"
)

func provideQueue(g *Gorm) Queue { return g }

var Module = fx.Module("queue",
	fx.Provide(NewGorm),
	fx.Provide(provideQueue),
)
