// Command gateway streams market data, FX and iNAV ticks to WebSocket
// clients.
package main

import (
	"context"

	"github.com/drblury/simbus"
	"github.com/drblury/simbus/internal/gateway"
)

func main() {
	simbus.Main("gateway", build)
}

func build(_ context.Context, env *simbus.Env) (*simbus.Service, error) {
	sources, err := gateway.DefaultSources(&env.Config)
	if err != nil {
		return nil, err
	}
	srv, err := gateway.New(gateway.Config{
		Sources:    sources,
		Bus:        env.SocketOptions(),
		Registerer: env.Registerer,
		Logger:     env.Logger,
	})
	if err != nil {
		return nil, err
	}

	svc, err := env.NewService(simbus.ServiceConfig{
		Main: func(ctx context.Context) error {
			return srv.Run(ctx, env.Config.WSHost, env.Config.WSPort)
		},
	})
	if err != nil {
		return nil, err
	}
	svc.AddShutdownHook("streams", func(context.Context) error {
		srv.Close()
		return nil
	})
	return svc, nil
}
