// Package pricing computes indicative NAVs from the latest quotes, FX spots
// and tracking baskets, and publishes them with a fair-value band.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/drblury/simbus/internal/runtime/envelope"
	"github.com/drblury/simbus/internal/runtime/logging"
	"github.com/drblury/simbus/internal/sim"
	"github.com/drblury/simbus/internal/sim/fx"
	"github.com/drblury/simbus/internal/sim/marketdata"
	"github.com/drblury/simbus/internal/sim/pcf"
)

const (
	TopicINAV = "inav.tick"

	DefaultBandBps         = 10.0
	DefaultRefreshInterval = 30 * time.Second
)

// Prefixes the engine subscribes to.
var (
	MarketDataPrefixes = []string{"prices."}
	FXPrefixes         = []string{"fx."}
)

// ErrSubscriptionEnded is returned by Consume when its source stops without
// the context being done.
var ErrSubscriptionEnded = errors.New("pricing: subscription ended")

type INAV struct {
	ShareClassID string  `json:"share_class_id"`
	INAV         float64 `json:"inav"`
	BandLow      float64 `json:"band_low"`
	BandHigh     float64 `json:"band_high"`
	Currency     string  `json:"currency"`
}

// Source yields envelopes until it is closed. *bus.Subscriber satisfies it.
type Source interface {
	All(ctx context.Context) iter.Seq[envelope.Envelope]
}

type Config struct {
	Interval        time.Duration
	RefreshInterval time.Duration
	// BandBps is the half width of the band around the iNAV.
	BandBps float64
	Logger  logging.ServiceLogger
}

// Engine is safe for concurrent use: consumers, the PCF refresher and the
// publisher run as separate tasks.
type Engine struct {
	interval time.Duration
	refresh  time.Duration
	bandBps  float64
	log      logging.ServiceLogger

	mu       sync.RWMutex
	ticks    map[string]marketdata.Tick
	spots    rates
	forwards map[string]map[string]float64
	pcfs     []pcf.PCF
}

func New(cfg Config) (*Engine, error) {
	if cfg.BandBps == 0 {
		cfg.BandBps = DefaultBandBps
	}
	if cfg.BandBps < 0 {
		return nil, fmt.Errorf("pricing: band must not be negative, got %v bps", cfg.BandBps)
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Engine{
		interval: cfg.Interval,
		refresh:  cfg.RefreshInterval,
		bandBps:  cfg.BandBps,
		log:      cfg.Logger.With(logging.LogFields{"component": "pricing"}),
		ticks:    make(map[string]marketdata.Tick),
		spots:    make(rates),
		forwards: make(map[string]map[string]float64),
	}, nil
}

// Observe folds one bus message into the engine state. Unknown topics and
// malformed payloads are ignored.
func (e *Engine) Observe(env envelope.Envelope) {
	switch env.Topic {
	case marketdata.TopicTick:
		var tick marketdata.Tick
		if !e.decode(env, &tick) || tick.SecurityID == "" {
			return
		}
		e.mu.Lock()
		e.ticks[tick.SecurityID] = tick
		e.mu.Unlock()
	case fx.TopicSpot:
		var spot fx.Spot
		if !e.decode(env, &spot) || spot.Pair == "" {
			return
		}
		e.mu.Lock()
		e.spots[spot.Pair] = spot.Spot
		e.mu.Unlock()
	case fx.TopicForwards:
		var fwd fx.Forwards
		if !e.decode(env, &fwd) || fwd.Pair == "" {
			return
		}
		e.mu.Lock()
		e.forwards[fwd.Pair] = fwd.Points
		e.mu.Unlock()
	}
}

func (e *Engine) decode(env envelope.Envelope, v any) bool {
	if err := envelope.DecodePayload(env.Payload, v); err != nil {
		e.log.Debug("Ignoring malformed payload", logging.LogFields{"topic": env.Topic, "id": env.ID, "error": err.Error()})
		return false
	}
	return true
}

// Forwards returns the latest forward points of pair.
func (e *Engine) Forwards(pair string) (map[string]float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	points, ok := e.forwards[pair]
	return points, ok
}

// SetPCFs replaces the baskets the engine prices.
func (e *Engine) SetPCFs(pcfs []pcf.PCF) {
	e.mu.Lock()
	e.pcfs = pcfs
	e.mu.Unlock()
}

// Compute prices every ETF whose tracking basket has at least one line that
// can be valued and converted. Other lines are skipped.
func (e *Engine) Compute() []INAV {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []INAV
	for _, p := range e.pcfs {
		basket, ok := p.Tracking()
		if !ok {
			continue
		}
		total, priced := 0.0, 0
		for _, line := range basket.Composition {
			value, ok := e.lineValue(line)
			if !ok {
				continue
			}
			converted, ok := e.spots.convert(value, line.Currency, p.Currency)
			if !ok {
				continue
			}
			total += converted
			priced++
		}
		if priced == 0 {
			continue
		}
		divisor := basket.Divisor
		if divisor <= 0 {
			divisor = 1
		}
		inav := total / divisor
		half := inav * e.bandBps / 10_000
		out = append(out, INAV{
			ShareClassID: p.ETFID,
			INAV:         sim.Round(inav, 6),
			BandLow:      sim.Round(inav-half, 6),
			BandHigh:     sim.Round(inav+half, 6),
			Currency:     p.Currency,
		})
	}
	return out
}

func (e *Engine) lineValue(line pcf.BasketLine) (float64, bool) {
	if line.IsCash() {
		return line.Quantity, true
	}
	tick, ok := e.ticks[line.SecurityID]
	if !ok {
		return 0, false
	}
	return line.Quantity * tick.Mid, true
}

// Consume observes every envelope from src until ctx is done.
func (e *Engine) Consume(ctx context.Context, src Source) error {
	for env := range src.All(ctx) {
		e.Observe(env)
	}
	if ctx.Err() != nil {
		return nil
	}
	return ErrSubscriptionEnded
}

// Refresh reloads every PCF through c.
func (e *Engine) Refresh(ctx context.Context, c *pcf.Client) error {
	pcfs, err := c.All(ctx)
	if err != nil {
		return fmt.Errorf("refresh pcfs: %w", err)
	}
	e.SetPCFs(pcfs)
	e.log.Debug("PCFs refreshed", logging.LogFields{"count": len(pcfs)})
	return nil
}

// RefreshLoop calls Refresh every refresh interval until ctx is done. A
// failed refresh keeps the previous baskets.
func (e *Engine) RefreshLoop(ctx context.Context, c *pcf.Client) error {
	return sim.Loop(ctx, e.refresh, func(time.Time) error {
		if err := e.Refresh(ctx, c); err != nil && ctx.Err() == nil {
			e.log.Error("PCF refresh failed", err, logging.LogFields{"op": "refresh"})
		}
		return nil
	})
}

// Run publishes Compute every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, out sim.Sender) error {
	e.log.Info("Pricing engine started", logging.LogFields{
		"interval": e.interval.String(),
		"band_bps": e.bandBps,
	})
	return sim.Loop(ctx, e.interval, func(time.Time) error {
		for _, inav := range e.Compute() {
			payload, err := envelope.PayloadOf(inav)
			if err != nil {
				return err
			}
			if err := out.Send(TopicINAV, payload); err != nil {
				return fmt.Errorf("publish %s for %s: %w", TopicINAV, inav.ShareClassID, err)
			}
		}
		return nil
	})
}
