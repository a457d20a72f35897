package notification

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func provideSender(log *zap.Logger) Sender { return NewLogSender(log) }

var Module = fx.Module("notification",
	fx.Provide(provideSender),
)
