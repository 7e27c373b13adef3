// Command parcelrt is the runtime's own CLI entry point (§6): loads a
// config.Config from an optional TOML file and CLI flags, boots one or more
// localities, registers the selected example's actions on every one of
// them, and drives the root locality's Run to completion — the same
// load-flags-then-construct shape as the teacher's cmd/geth, scaled down to
// this runtime's much smaller option surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/cmd/parcelrt/examples"
	"github.com/hpx-go/parcelrt/config"
	"github.com/hpx-go/parcelrt/instrument"
	"github.com/hpx-go/parcelrt/runtime"
	"github.com/hpx-go/parcelrt/transport/smp"
)

var (
	configFlag = &cli.StringFlag{Name: "config", Usage: "path to a TOML config file"}
	ranksFlag  = &cli.IntFlag{Name: "ranks", Value: 1, Usage: "number of localities to boot in this process (boot=smp only)"}
	traceFlag  = &cli.StringFlag{Name: "trace", Usage: "path to write a rotating instrumentation trace to"}
)

func main() {
	app := &cli.App{
		Name:  "parcelrt",
		Usage: "run a parcelrt example program",
		Flags: append([]cli.Flag{configFlag, ranksFlag, traceFlag}, config.Flags...),
		Commands: []*cli.Command{
			{
				Name:      "fibonacci",
				Usage:     "compute fib(n) by recursive divide-and-conquer parcels",
				ArgsUsage: "N",
				Action:    runFibonacci,
			},
			{
				Name:   "pingpong",
				Usage:  "bounce a counter between exactly two localities (--ranks 2)",
				Action: runPingPong,
			},
			{
				Name:      "countdown",
				Usage:     "bounce a decrementing counter between localities until it reaches zero",
				ArgsUsage: "N",
				Action:    runCountdown,
			},
			{
				Name:   "broadcast",
				Usage:  "broadcast a bump action to every locality and join on an AND-gate",
				Action: runBroadcast,
			},
			{
				Name:   "allgather",
				Usage:  "gather one contribution from every locality with an AllGather LCO",
				Action: runAllGather,
			},
			{
				Name:      "rendezvous",
				Usage:     "send an oversized payload to locality 1, forcing the rendezvous handshake (--ranks 2 or more)",
				ArgsUsage: "BYTES",
				Action:    runRendezvous,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "parcelrt:", err)
		os.Exit(1)
	}
}

func runFibonacci(c *cli.Context) error {
	n, err := positionalUint(c, 20)
	if err != nil {
		return err
	}
	return runExample(c, examples.RegisterFibonacci, examples.EncodeN(n), func(val []byte) {
		fmt.Printf("fib(%d) = %d\n", n, examples.DecodeResult(val))
	})
}

func runCountdown(c *cli.Context) error {
	n, err := positionalUint(c, 25)
	if err != nil {
		return err
	}
	return runExample(c, examples.RegisterCountdown, examples.EncodeN(n), func(val []byte) {
		fmt.Printf("countdown(%d) reached zero\n", n)
	})
}

func runPingPong(c *cli.Context) error {
	return runExample(c, examples.RegisterPingPong, examples.EncodeN(0), func(val []byte) {
		fmt.Printf("ping-pong bounced %d times\n", examples.DecodeResult(val))
	})
}

func runBroadcast(c *cli.Context) error {
	return runExample(c, examples.RegisterBroadcastAnd, nil, func(val []byte) {
		fmt.Printf("broadcast-and joined %d localities\n", examples.DecodeResult(val))
	})
}

func runAllGather(c *cli.Context) error {
	return runExample(c, examples.RegisterAllGather, nil, func(val []byte) {
		fmt.Printf("allgather sum of rank^2 over every locality = %d\n", examples.DecodeResult(val))
	})
}

func runRendezvous(c *cli.Context) error {
	n, err := positionalUint(c, 64*1024)
	if err != nil {
		return err
	}
	return runExample(c, examples.RegisterRendezvous, examples.EncodeN(n), func(val []byte) {
		fmt.Printf("rendezvous echoed %d bytes back from locality 1\n", examples.DecodeResult(val))
	})
}

func positionalUint(c *cli.Context, def uint64) (uint64, error) {
	if c.Args().Len() == 0 {
		return def, nil
	}
	var n int
	if _, err := fmt.Sscanf(c.Args().First(), "%d", &n); err != nil || n < 0 {
		return 0, fmt.Errorf("parcelrt: invalid argument %q, expected a non-negative integer", c.Args().First())
	}
	return uint64(n), nil
}

// runExample boots cfg.ranks localities (sharing one transport/smp.Fabric
// when cfg.Boot is "smp", or exactly cfg.Rank's single locality when it is
// "static"), calls register on every one of them so they all agree on the
// example's action ids, then runs the root action on rank 0 and reports its
// result. Every non-root locality is only along to receive parcels the
// root's action sends it; it contributes nothing to the CLI's own output.
func runExample(c *cli.Context, register func(loc *runtime.Locality) (action.ID, error), args []byte, report func([]byte)) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var locs []*runtime.Locality
	if cfg.Boot == config.BootStatic {
		loc, err := newLocality(cfg, nil)
		if err != nil {
			return err
		}
		locs = []*runtime.Locality{loc}
	} else {
		ranks := c.Int("ranks")
		if ranks < 1 {
			return fmt.Errorf("parcelrt: --ranks must be >= 1")
		}
		fabric := smp.NewFabric(ranks, cfg.ParcelBufferSize)
		locs = make([]*runtime.Locality, ranks)
		for r := 0; r < ranks; r++ {
			rankCfg := cfg
			rankCfg.Rank = r
			loc, err := newLocality(rankCfg, fabric)
			if err != nil {
				closeAll(locs[:r])
				return err
			}
			locs[r] = loc
		}
	}
	defer closeAll(locs)

	if trace := c.String("trace"); trace != "" {
		for _, loc := range locs {
			path := trace
			if len(locs) > 1 {
				path = fmt.Sprintf("%s.%d", trace, loc.Rank())
			}
			if err := loc.EnableTrace(instrument.Config{Path: path}); err != nil {
				return fmt.Errorf("parcelrt: opening trace file for locality %d: %w", loc.Rank(), err)
			}
		}
	}

	var rootAction action.ID
	for i, loc := range locs {
		id, err := register(loc)
		if err != nil {
			return fmt.Errorf("parcelrt: registering actions on locality %d: %w", i, err)
		}
		if i == 0 {
			rootAction = id
		} else if id != rootAction {
			return fmt.Errorf("parcelrt: locality %d assigned action id %d, rank 0 has %d", i, id, rootAction)
		}
	}

	for _, loc := range locs {
		if st := loc.Init(ctx); !st.OK() {
			return fmt.Errorf("parcelrt: initializing locality %d: %s", loc.Rank(), st)
		}
	}

	st, val, err := locs[0].Run(ctx, rootAction, args)
	if err != nil {
		return fmt.Errorf("parcelrt: %w", err)
	}
	if !st.OK() {
		return fmt.Errorf("parcelrt: run failed: %s", st)
	}
	if val == nil {
		return fmt.Errorf("parcelrt: run completed with no result")
	}
	report(val)
	return nil
}

func newLocality(cfg config.Config, fabric *smp.Fabric) (*runtime.Locality, error) {
	loc, err := runtime.New(cfg, fabric)
	if err != nil {
		return nil, fmt.Errorf("parcelrt: constructing locality %d: %w", cfg.Rank, err)
	}
	return loc, nil
}

func closeAll(locs []*runtime.Locality) {
	for _, loc := range locs {
		_ = loc.Finalize()
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, fmt.Errorf("parcelrt: loading config: %w", err)
		}
		cfg = loaded
	}
	config.ApplyFlags(&cfg, c)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("parcelrt: %w", err)
	}
	return cfg, nil
}
