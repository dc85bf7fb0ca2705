// Command mdsim publishes simulated quotes for every security of the universe
// whose exchange is open.
package main

import (
	"context"

	"github.com/drblury/simbus"
	"github.com/drblury/simbus/internal/sim/marketdata"
	"github.com/drblury/simbus/internal/sim/universe"
)

func main() {
	simbus.Main("mdsim", build)
}

func build(_ context.Context, env *simbus.Env) (*simbus.Service, error) {
	u, err := universe.Load(env.Config.UniverseFile)
	if err != nil {
		return nil, err
	}
	gen, err := marketdata.New(marketdata.Config{
		Universe: u,
		Calendar: universe.NewCalendar(u, env.Config.DevMode),
		Interval: env.Config.TickInterval,
		Logger:   env.Logger,
	})
	if err != nil {
		return nil, err
	}
	addr, err := env.Config.MarketDataAddress()
	if err != nil {
		return nil, err
	}

	var pub *simbus.Publisher
	return env.NewService(simbus.ServiceConfig{
		Init: func(ctx context.Context) (err error) {
			pub, err = simbus.OpenPublisher(ctx, addr, env.SocketOptions())
			return err
		},
		Main: func(ctx context.Context) error {
			return gen.Run(ctx, pub)
		},
	})
}
