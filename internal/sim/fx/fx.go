// Package fx publishes simulated FX spot rates and forward points.
package fx

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"

	"github.com/drblury/simbus/internal/runtime/envelope"
	"github.com/drblury/simbus/internal/runtime/logging"
	"github.com/drblury/simbus/internal/sim"
)

const (
	TopicSpot     = "fx.spot"
	TopicForwards = "fx.forwards"

	// DefaultVolatility is the per-step standard deviation of the log return.
	DefaultVolatility = 0.0005
)

// DefaultSpots are the opening rates of the default pairs.
var DefaultSpots = map[string]float64{
	"EURUSD": 1.08,
	"USDJPY": 150.0,
	"EURGBP": 0.86,
}

// Forward points per tenor, as a fraction of spot.
var tenors = []struct {
	name   string
	factor float64
}{
	{"ON", 0.0001},
	{"1W", 0.0006},
	{"1M", 0.0025},
	{"3M", 0.0070},
}

type Spot struct {
	Pair string  `json:"pair"`
	TS   string  `json:"ts"`
	Spot float64 `json:"spot"`
}

type Forwards struct {
	Pair   string             `json:"pair"`
	TS     string             `json:"ts"`
	Points map[string]float64 `json:"points"`
}

type Config struct {
	// Spots are the opening rates keyed by six-letter pair. Empty means
	// DefaultSpots.
	Spots      map[string]float64
	Volatility float64
	Interval   time.Duration
	Seed       int64
	Logger     logging.ServiceLogger
}

type Simulator struct {
	pairs    []string
	spots    map[string]float64
	sigma    float64
	interval time.Duration
	rng      *rand.Rand
	log      logging.ServiceLogger
}

func New(cfg Config) (*Simulator, error) {
	if len(cfg.Spots) == 0 {
		cfg.Spots = DefaultSpots
	}
	if cfg.Volatility == 0 {
		cfg.Volatility = DefaultVolatility
	}
	if cfg.Volatility < 0 {
		return nil, fmt.Errorf("fx: volatility must not be negative, got %v", cfg.Volatility)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	spots := make(map[string]float64, len(cfg.Spots))
	pairs := make([]string, 0, len(cfg.Spots))
	for pair, spot := range cfg.Spots {
		if len(pair) != 6 {
			return nil, fmt.Errorf("fx: pair %q is not six letters", pair)
		}
		if spot <= 0 || math.IsNaN(spot) || math.IsInf(spot, 0) {
			return nil, fmt.Errorf("fx: pair %s needs a positive spot, got %v", pair, spot)
		}
		spots[pair] = spot
		pairs = append(pairs, pair)
	}
	slices.Sort(pairs)

	return &Simulator{
		pairs:    pairs,
		spots:    spots,
		sigma:    cfg.Volatility,
		interval: cfg.Interval,
		rng:      sim.NewRand(cfg.Seed),
		log:      cfg.Logger.With(logging.LogFields{"component": "fx"}),
	}, nil
}

// Pairs returns the simulated pairs in publishing order.
func (s *Simulator) Pairs() []string { return slices.Clone(s.pairs) }

// Step moves every pair one log-normal step and returns the new spots with
// their forward curves.
func (s *Simulator) Step(now time.Time) ([]Spot, []Forwards) {
	ts := now.UTC().Format(time.RFC3339Nano)
	spots := make([]Spot, 0, len(s.pairs))
	fwds := make([]Forwards, 0, len(s.pairs))
	for _, pair := range s.pairs {
		next := sim.Round(s.spots[pair]*math.Exp(s.rng.NormFloat64()*s.sigma), 6)
		s.spots[pair] = next
		spots = append(spots, Spot{Pair: pair, TS: ts, Spot: next})
		fwds = append(fwds, Forwards{Pair: pair, TS: ts, Points: ForwardPoints(next)})
	}
	return spots, fwds
}

// ForwardPoints derives the ON, 1W, 1M and 3M points from a spot.
func ForwardPoints(spot float64) map[string]float64 {
	points := make(map[string]float64, len(tenors))
	for _, t := range tenors {
		points[t.name] = sim.Round(spot*t.factor, 6)
	}
	return points
}

// Run publishes a spot then a forwards message per pair every interval until
// ctx is done.
func (s *Simulator) Run(ctx context.Context, out sim.Sender) error {
	s.log.Info("FX simulator started", logging.LogFields{
		"pairs":    s.pairs,
		"interval": s.interval.String(),
	})
	return sim.Loop(ctx, s.interval, func(now time.Time) error {
		spots, fwds := s.Step(now)
		for i := range spots {
			if err := publish(out, TopicSpot, spots[i]); err != nil {
				return err
			}
			if err := publish(out, TopicForwards, fwds[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func publish(out sim.Sender, topic string, v any) error {
	payload, err := envelope.PayloadOf(v)
	if err != nil {
		return err
	}
	if err := out.Send(topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
