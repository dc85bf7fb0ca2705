// Command busctl talks to simbus sockets from the shell.
//
//	busctl sub [-n count] <addr> [prefix...]
//	busctl pub [-subscribers n] [-wait d] <addr> <topic> <json>
//	busctl req [-timeout d] <addr> <json>
//	busctl pcf list | get <etf> | set-costs|set-stamp-duties|set-baskets <etf> <json>
//
// Addresses take any form the services accept: ipc://path, tcp://host:port,
// an absolute path or a name under SIMBUS_DIR.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drblury/simbus"
	"github.com/drblury/simbus/internal/sim/pcf"
)

const usage = `usage: busctl <command> [flags] [args]

commands:
  sub   print envelopes from a publisher
  pub   send one envelope
  req   send one request and print the reply
  pcf   query or update the PCF server
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type cli struct {
	cfg    simbus.Config
	opts   simbus.BusOptions
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = io.WriteString(stderr, usage)
		return 2
	}
	cfg, err := simbus.ConfigFromLookup(lookup)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "busctl: %v\n", err)
		return 2
	}
	logOpts := cfg.LoggerOptions("busctl")
	logOpts.Output = stderr
	logger, closeLog, err := simbus.NewLogger(logOpts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "busctl: %v\n", err)
		return 2
	}
	defer closeLog()

	busCtx := simbus.NewBusContext()
	defer busCtx.Close()
	opts := cfg.SocketOptions(logger)
	opts.Context = busCtx
	opts.RequestTimeout = cfg.RequestTimeout
	// One-shot sends must reach the caller.
	opts.ErrorPolicy = simbus.PolicyReturn

	c := &cli{cfg: cfg, opts: opts, stdout: stdout, stderr: stderr}
	var cmd func(context.Context, []string) error
	switch args[0] {
	case "sub":
		cmd = c.sub
	case "pub":
		cmd = c.pub
	case "req":
		cmd = c.req
	case "pcf":
		cmd = c.pcf
	case "-h", "-help", "--help", "help":
		_, _ = io.WriteString(stdout, usage)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "busctl: unknown command %q\n%s", args[0], usage)
		return 2
	}

	if err := cmd(ctx, args[1:]); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "busctl %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func (c *cli) flags(name, synopsis string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(c.stderr, "usage: busctl %s %s\n", name, synopsis)
		fs.PrintDefaults()
	}
	return fs
}

func (c *cli) resolve(raw string) (simbus.Address, error) {
	return simbus.ResolveAddress(raw, c.cfg.BaseDir)
}

func (c *cli) print(v any) error {
	data, err := simbus.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.stdout, "%s\n", data)
	return err
}

func (c *cli) sub(ctx context.Context, args []string) error {
	fs := c.flags("sub", "[-n count] <addr> [prefix...]")
	count := fs.Int("n", 0, "exit after this many envelopes (0 = until interrupted)")
	wait := fs.Duration("wait", 0, "keep retrying an unreachable publisher this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return errUsage
	}
	addr, err := c.resolve(fs.Arg(0))
	if err != nil {
		return err
	}

	sub, err := simbus.AwaitSubscriber(ctx, addr, fs.Args()[1:], c.opts, *wait)
	if err != nil {
		return err
	}
	defer sub.Close()

	seen := 0
	for env := range sub.All(ctx) {
		if err := c.print(env.Map()); err != nil {
			return err
		}
		seen++
		if *count > 0 && seen >= *count {
			return nil
		}
	}
	return nil
}

func (c *cli) pub(ctx context.Context, args []string) error {
	fs := c.flags("pub", "[-subscribers n] [-wait d] <addr> <topic> <json>")
	subscribers := fs.Int("subscribers", 0, "wait for this many subscribers before sending")
	wait := fs.Duration("wait", 5*time.Second, "longest wait for subscribers and for delivery")
	version := fs.Int("v", 1, "envelope version")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		fs.Usage()
		return errUsage
	}
	addr, err := c.resolve(fs.Arg(0))
	if err != nil {
		return err
	}
	payload, err := simbus.UnmarshalObject([]byte(fs.Arg(2)))
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	// The frame drains for up to -wait once the bus context closes on exit.
	opts := c.opts
	opts.Linger = *wait
	pub, err := simbus.OpenPublisher(ctx, addr, opts)
	if err != nil {
		return err
	}
	defer pub.Close()

	if *subscribers > 0 {
		if err := awaitSubscribers(ctx, pub, *subscribers, *wait); err != nil {
			return err
		}
	}
	return pub.SendVersion(fs.Arg(1), payload, *version)
}

func awaitSubscribers(ctx context.Context, pub *simbus.Publisher, n int, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for pub.Subscribers() < n {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d of %d subscribers after %s", pub.Subscribers(), n, wait)
		case <-ticker.C:
		}
	}
	return nil
}

func (c *cli) req(ctx context.Context, args []string) error {
	fs := c.flags("req", "[-timeout d] <addr> <json>")
	timeout := fs.Duration("timeout", c.cfg.RequestTimeout, "reply deadline")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return errUsage
	}
	addr, err := c.resolve(fs.Arg(0))
	if err != nil {
		return err
	}
	payload, err := simbus.UnmarshalObject([]byte(fs.Arg(1)))
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	req, err := simbus.OpenRequester(ctx, addr, c.opts)
	if err != nil {
		return err
	}
	defer req.Close()

	reply, err := req.SendAndReceive(ctx, payload, *timeout)
	if err != nil {
		return err
	}
	return c.print(reply.Map())
}

func (c *cli) pcf(ctx context.Context, args []string) error {
	fs := c.flags("pcf", "list | get <etf> | set-costs|set-stamp-duties|set-baskets <etf> <json>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return errUsage
	}
	addr, err := c.cfg.PCFAddress()
	if err != nil {
		return err
	}
	req, err := simbus.OpenRequester(ctx, addr, c.opts)
	if err != nil {
		return err
	}
	defer req.Close()
	client := pcf.NewClient(req, c.cfg.RequestTimeout)

	op, rest := fs.Arg(0), fs.Args()[1:]
	switch op {
	case "list":
		ids, err := client.ListETFs(ctx)
		if err != nil {
			return err
		}
		return c.print(ids)
	case "get":
		if len(rest) != 1 {
			fs.Usage()
			return errUsage
		}
		p, ok, err := client.Get(ctx, rest[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no pcf for %s", rest[0])
		}
		return c.print(p)
	case "set-costs", "set-stamp-duties", "set-baskets":
		if len(rest) != 2 {
			fs.Usage()
			return errUsage
		}
		value, err := simbus.UnmarshalObject([]byte(rest[1]))
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		switch op {
		case "set-costs":
			return client.SetCosts(ctx, rest[0], value)
		case "set-stamp-duties":
			return client.SetStampDuties(ctx, rest[0], value)
		default:
			return client.SetBaskets(ctx, rest[0], value)
		}
	default:
		fs.Usage()
		return errUsage
	}
}
