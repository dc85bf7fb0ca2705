// Command fxsim publishes simulated FX spots and forward points.
package main

import (
	"context"

	"github.com/drblury/simbus"
	"github.com/drblury/simbus/internal/sim/fx"
)

func main() {
	simbus.Main("fxsim", build)
}

func build(_ context.Context, env *simbus.Env) (*simbus.Service, error) {
	gen, err := fx.New(fx.Config{
		Interval: env.Config.TickInterval,
		Logger:   env.Logger,
	})
	if err != nil {
		return nil, err
	}
	addr, err := env.Config.FXAddress()
	if err != nil {
		return nil, err
	}

	var pub *simbus.Publisher
	return env.NewService(simbus.ServiceConfig{
		Init: func(ctx context.Context) (err error) {
			pub, err = simbus.OpenPublisher(ctx, addr, env.SocketOptions())
			return err
		},
		Main: func(ctx context.Context) error { return gen.Run(ctx, pub) },
	})
}
