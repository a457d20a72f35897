// Package fake provides an in-memory payment gateway for tests and local
// development. Responses are scripted per call in FIFO order.
package fake

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/smallbiznis/rebill/internal/order/domain"
	"github.com/smallbiznis/rebill/internal/payment/domain"
)

type ChargeCall struct {
	OrderID         snowflake.ID
	PaymentMethodID string
	Amount          int64
}

// Gateway is a scripted payment gateway. With no scripted responses every
// charge succeeds.
type Gateway struct {
	mu        sync.Mutex
	responses []error
	calls     []ChargeCall
}

var _ domain.Gateway = (*Gateway)(nil)

func New() *Gateway { return &Gateway{} }

// Script appends responses returned by subsequent Charge calls, in order.
func (g *Gateway) Script(responses ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responses = append(g.responses, responses...)
}

func (g *Gateway) Calls() []ChargeCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ChargeCall, len(g.calls))
	copy(out, g.calls)
	return out
}

func (g *Gateway) Charge(_ context.Context, order *orderdomain.RecurringOrder, paymentMethodID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, ChargeCall{
		OrderID:         order.ID,
		PaymentMethodID: paymentMethodID,
		Amount:          order.Total(),
	})
	if len(g.responses) == 0 {
		return nil
	}
	resp := g.responses[0]
	g.responses = g.responses[1:]
	return resp
}
