package plugin

import (
	"math/big"

	"github.com/smallbiznis/rebill/internal/billingschedule/domain"
)

const (
	ProportionalProraterID = "proportional"
	FullPriceProraterID    = "full_price"
)

// Proportional scales the unit price by the ratio of the charged period to
// the full billing period, rounding half-up to the currency's minor unit.
// Prices are carried as minor units throughout, so rounding lands on whole
// integers (204 for 300 * 19/28).
type Proportional struct{}

func NewProportional(_ *domain.BillingSchedule) (domain.Prorater, error) {
	return Proportional{}, nil
}

func (Proportional) Prorate(unitPrice int64, period, fullPeriod domain.BillingPeriod) int64 {
	full := fullPeriod.Duration()
	part := period.Duration()
	if full <= 0 || part >= full {
		return unitPrice
	}
	r := new(big.Rat).SetInt64(unitPrice)
	r.Mul(r, big.NewRat(int64(part), int64(full)))
	return roundHalfUp(r)
}

// FullPrice charges the full unit price for partial periods.
type FullPrice struct{}

func NewFullPrice(_ *domain.BillingSchedule) (domain.Prorater, error) {
	return FullPrice{}, nil
}

func (FullPrice) Prorate(unitPrice int64, _, _ domain.BillingPeriod) int64 {
	return unitPrice
}

func roundHalfUp(r *big.Rat) int64 {
	num := new(big.Int).Mul(r.Num(), big.NewInt(2))
	num.Add(num, r.Denom())
	den := new(big.Int).Mul(r.Denom(), big.NewInt(2))
	return new(big.Int).Div(num, den).Int64()
}
