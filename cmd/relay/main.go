// Command relay bridges bus topics to the broker named by RELAY_BROKER and,
// for RELAY_INBOUND_TOPICS, back onto the bus.
package main

import (
	"context"
	"fmt"

	"github.com/drblury/simbus"
	_ "github.com/drblury/simbus/transport/transports"
)

func main() {
	simbus.Main("relay", build)
}

func build(ctx context.Context, env *simbus.Env) (*simbus.Service, error) {
	c := &env.Config
	rc, err := simbus.NewRelayConfig(c, env.Name, env.Logger)
	if err != nil {
		return nil, err
	}
	rc.Bus = env.SocketOptions()
	rc.Registerer = env.Registerer

	tr, err := simbus.BuildTransport(ctx, c, simbus.NewWatermillAdapter(env.Logger))
	if err != nil {
		return nil, fmt.Errorf("broker %s: %w", c.RelayBroker, err)
	}
	relay, err := simbus.NewRelay(ctx, rc, tr, simbus.GetCapabilities(c.RelayBroker))
	if err != nil {
		return nil, err
	}

	svc, err := env.NewService(simbus.ServiceConfig{
		Main: relay.Run,
	})
	if err != nil {
		_ = relay.Close()
		return nil, err
	}
	svc.Handle(simbus.RelayStatusPath, simbus.RelayStatusHandler(relay, c.RelayStatusCORSOrigins))
	svc.CloseOnShutdown("relay", relay)
	return svc, nil
}
