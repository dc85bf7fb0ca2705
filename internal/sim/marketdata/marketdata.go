// Package marketdata publishes simulated quotes for every security whose
// exchange is trading.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/drblury/simbus/internal/runtime/envelope"
	"github.com/drblury/simbus/internal/runtime/logging"
	"github.com/drblury/simbus/internal/sim"
	"github.com/drblury/simbus/internal/sim/universe"
)

const (
	TopicTick = "prices.tick"
	Source    = "sim"

	basePrice = 100.0
	priceBand = 10.0
	maxSpread = 3.0
)

type Tick struct {
	SecurityID string  `json:"security_id"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	Mid        float64 `json:"mid"`
	Last       float64 `json:"last"`
	Source     string  `json:"source"`
}

type Config struct {
	Universe *universe.Universe
	Calendar *universe.Calendar
	Interval time.Duration
	// Seed fixes the quote sequence. Zero seeds from the clock.
	Seed   int64
	Logger logging.ServiceLogger
}

type Simulator struct {
	universe *universe.Universe
	calendar *universe.Calendar
	interval time.Duration
	rng      *rand.Rand
	log      logging.ServiceLogger
}

func New(cfg Config) (*Simulator, error) {
	if cfg.Universe == nil || len(cfg.Universe.Securities) == 0 {
		return nil, errors.New("market data: universe has no securities")
	}
	if cfg.Calendar == nil {
		cfg.Calendar = universe.NewCalendar(cfg.Universe, false)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Simulator{
		universe: cfg.Universe,
		calendar: cfg.Calendar,
		interval: cfg.Interval,
		rng:      sim.NewRand(cfg.Seed),
		log:      cfg.Logger.With(logging.LogFields{"component": "marketdata"}),
	}, nil
}

// Step quotes every security that trades at now, in universe order.
func (s *Simulator) Step(now time.Time) []Tick {
	var ticks []Tick
	for _, sec := range s.universe.Securities {
		if !s.calendar.IsOpen(sec.ExchangeID, now) {
			continue
		}
		ticks = append(ticks, s.quote(sec.ID))
	}
	return ticks
}

func (s *Simulator) quote(id string) Tick {
	mid := basePrice + (s.rng.Float64()*2-1)*priceBand
	spread := s.rng.Float64() * maxSpread
	return Tick{
		SecurityID: id,
		Bid:        sim.Round(mid-spread, 4),
		Ask:        sim.Round(mid+spread, 4),
		Mid:        sim.Round(mid, 4),
		Last:       sim.Round(mid, 4),
		Source:     Source,
	}
}

// Run publishes a Step every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context, out sim.Sender) error {
	s.log.Info("Market data simulator started", logging.LogFields{
		"securities": len(s.universe.Securities),
		"interval":   s.interval.String(),
	})
	return sim.Loop(ctx, s.interval, func(now time.Time) error {
		ticks := s.Step(now)
		for _, tick := range ticks {
			payload, err := envelope.PayloadOf(tick)
			if err != nil {
				return err
			}
			if err := out.Send(TopicTick, payload); err != nil {
				return fmt.Errorf("publish %s for %s: %w", TopicTick, tick.SecurityID, err)
			}
		}
		s.log.Trace("Published quotes", logging.LogFields{"count": len(ticks)})
		return nil
	})
}
