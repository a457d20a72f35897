package payment

import (
	"github.com/smallbiznis/rebill/internal/payment/adapters/fake"
	paymentdomain "github.com/smallbiznis/rebill/internal/payment/domain"
	"go.uber.org/fx"
)

func provideGateway(g *fake.Gateway) paymentdomain.Gateway { return g }

// Module wires the payment gateway. The fake adapter approves every charge
// unless scripted otherwise; a real processor integration replaces this
// provider.
var Module = fx.Module("payment",
	fx.Provide(fake.New),
	fx.Provide(provideGateway),
)
