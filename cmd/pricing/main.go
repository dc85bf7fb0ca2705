// Command pricing computes indicative NAVs from market data, FX and the PCF
// server and publishes them every tick.
package main

import (
	"context"
	"time"

	"github.com/drblury/simbus"
	"github.com/drblury/simbus/internal/sim/pcf"
	"github.com/drblury/simbus/internal/sim/pricing"
)

// upstreamWait bounds how long init waits for the simulators to come up.
const upstreamWait = 30 * time.Second

func main() {
	simbus.Main("pricing", build)
}

func build(_ context.Context, env *simbus.Env) (*simbus.Service, error) {
	c := &env.Config
	mdAddr, err := c.MarketDataAddress()
	if err != nil {
		return nil, err
	}
	fxAddr, err := c.FXAddress()
	if err != nil {
		return nil, err
	}
	pcfAddr, err := c.PCFAddress()
	if err != nil {
		return nil, err
	}
	outAddr, err := c.PricingAddress()
	if err != nil {
		return nil, err
	}

	engine, err := pricing.New(pricing.Config{
		Interval: c.TickInterval,
		Logger:   env.Logger,
	})
	if err != nil {
		return nil, err
	}

	var (
		md, fxSub *simbus.Subscriber
		client    *pcf.Client
		pub       *simbus.Publisher
	)
	setup := func(ctx context.Context) error {
		opts := env.SocketOptions()
		var err error
		if pub, err = simbus.OpenPublisher(ctx, outAddr, opts); err != nil {
			return err
		}

		req, err := simbus.OpenRequester(ctx, pcfAddr, opts)
		if err != nil {
			return err
		}
		client = pcf.NewClient(req, c.RequestTimeout)
		if err := engine.Refresh(ctx, client); err != nil {
			// RefreshLoop keeps trying.
			env.Logger.Error("Initial PCF load failed", err, nil)
		}

		opts.Reconnect = true
		if md, err = simbus.AwaitSubscriber(ctx, mdAddr, pricing.MarketDataPrefixes, opts, upstreamWait); err != nil {
			return err
		}
		fxSub, err = simbus.AwaitSubscriber(ctx, fxAddr, pricing.FXPrefixes, opts, upstreamWait)
		return err
	}

	return env.NewService(simbus.ServiceConfig{
		Init: setup,
		Main: func(ctx context.Context) error { return engine.Run(ctx, pub) },
		Background: []simbus.Task{
			func(ctx context.Context) error { return engine.Consume(ctx, md) },
			func(ctx context.Context) error { return engine.Consume(ctx, fxSub) },
			func(ctx context.Context) error { return engine.RefreshLoop(ctx, client) },
		},
	})
}
