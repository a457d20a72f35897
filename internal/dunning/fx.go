package dunning

import (
	"go.uber.org/fx"
)

var Module = fx.Module("dunning",
	fx.Provide(NewProcessor),
)
