// Package pcf serves portfolio composition files: the baskets, costs and
// stamp duties of every ETF in the universe.
package pcf

import (
	"math/rand"

	"github.com/drblury/simbus/internal/sim"
	"github.com/drblury/simbus/internal/sim/universe"
)

// BasketTracking is the basket pricing values the fund against.
const BasketTracking = "tracking"

// CashCurrencies are the currencies cash lines are drawn from.
var CashCurrencies = []string{"USD", "EUR", "GBP"}

const maxEquityLines = 6

// BasketLine is one constituent. Cash lines use the currency code as
// SecurityID and the amount as Quantity.
type BasketLine struct {
	SecurityID string  `json:"security_id"`
	Quantity   float64 `json:"quantity"`
	Currency   string  `json:"currency"`
}

type Basket struct {
	Version     int          `json:"version"`
	Divisor     float64      `json:"divisor"`
	Composition []BasketLine `json:"composition"`
}

type Costs struct {
	FlatCreate  float64            `json:"flat_create"`
	FlatRedeem  float64            `json:"flat_redeem"`
	PerLineBps  float64            `json:"per_line_bps"`
	PerVenueBps map[string]float64 `json:"per_venue_bps"`
}

// StampDuty holds buy and sell rates in basis points.
type StampDuty struct {
	Buy  float64 `json:"buy"`
	Sell float64 `json:"sell"`
}

type PCF struct {
	ETFID       string               `json:"etf_id"`
	Currency    string               `json:"currency"`
	Baskets     map[string]Basket    `json:"baskets"`
	Costs       Costs                `json:"costs"`
	StampDuties map[string]StampDuty `json:"stamp_duties"`
}

// Tracking returns the tracking basket.
func (p PCF) Tracking() (Basket, bool) {
	b, ok := p.Baskets[BasketTracking]
	return b, ok
}

// IsCash reports whether the line is a cash amount rather than a security.
func (l BasketLine) IsCash() bool { return l.SecurityID == l.Currency }

// Generate builds a PCF per ETF of u: a tracking basket of up to six random
// equities plus one or two cash lines, with default costs and stamp duties.
func Generate(u *universe.Universe, rng *rand.Rand) []PCF {
	equities := u.Equities()
	etfs := u.ETFs()
	out := make([]PCF, 0, len(etfs))
	for _, etf := range etfs {
		var lines []BasketLine
		n := min(maxEquityLines, len(equities))
		for _, i := range rng.Perm(len(equities))[:n] {
			eq := equities[i]
			lines = append(lines, BasketLine{
				SecurityID: eq.ID,
				Quantity:   sim.Round(1+rng.Float64()*9, 2),
				Currency:   eq.Currency,
			})
		}
		cash := 1 + rng.Intn(2)
		for _, i := range rng.Perm(len(CashCurrencies))[:cash] {
			ccy := CashCurrencies[i]
			lines = append(lines, BasketLine{
				SecurityID: ccy,
				Quantity:   sim.Round(20+rng.Float64()*80, 2),
				Currency:   ccy,
			})
		}

		out = append(out, PCF{
			ETFID:    etf.ID,
			Currency: etf.Currency,
			Baskets: map[string]Basket{
				BasketTracking: {Version: 1, Divisor: 100, Composition: lines},
			},
			Costs: Costs{
				FlatCreate:  100,
				FlatRedeem:  100,
				PerVenueBps: map[string]float64{"NYSE": 0.2},
			},
			StampDuties: map[string]StampDuty{
				"UK": {Buy: 50},
				"FR": {Buy: 40},
			},
		})
	}
	return out
}
