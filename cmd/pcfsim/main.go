// Command pcfsim serves generated portfolio composition files over
// request/reply.
package main

import (
	"context"

	"github.com/drblury/simbus"
	"github.com/drblury/simbus/internal/sim"
	"github.com/drblury/simbus/internal/sim/pcf"
	"github.com/drblury/simbus/internal/sim/universe"
)

func main() {
	simbus.Main("pcfsim", build)
}

func build(_ context.Context, env *simbus.Env) (*simbus.Service, error) {
	u, err := universe.Load(env.Config.UniverseFile)
	if err != nil {
		return nil, err
	}
	store := pcf.NewStore(pcf.Generate(u, sim.NewRand(0)), env.Logger)
	addr, err := env.Config.PCFAddress()
	if err != nil {
		return nil, err
	}

	var rep *simbus.Responder
	return env.NewService(simbus.ServiceConfig{
		Init: func(ctx context.Context) (err error) {
			rep, err = simbus.OpenResponder(ctx, addr, env.SocketOptions())
			if err == nil {
				env.Logger.Info("PCF server ready", simbus.LogFields{"etfs": store.ETFs()})
			}
			return err
		},
		Main: func(ctx context.Context) error {
			return rep.Serve(ctx, store.Handle)
		},
	})
}
