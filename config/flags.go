package config

import (
	"github.com/urfave/cli/v2"
)

// Flags is the cli.Flag set matching every option in Config, registered
// by cmd/parcelrt's app.Flags the way the teacher's cmd/geth registers
// utils.ConfigFileFlag and friends. Each Flag's Name is exactly the
// option-table name; ApplyFlags maps each one onto its Config field with
// one branch per flag.
var Flags = []cli.Flag{
	&cli.IntFlag{Name: "rank", Usage: "this locality's own rank (transport=tcp only)"},
	&cli.IntFlag{Name: "workers", Usage: "number of scheduler worker threads (0 = GOMAXPROCS)"},
	&cli.IntSliceFlag{Name: "cores", Usage: "cores to pin workers to, one per worker"},
	&cli.IntFlag{Name: "stack-bytes", Usage: "initial user-thread stack size"},
	&cli.StringFlag{Name: "gas-model", Usage: "address space model: smp, pgas, or agas"},
	&cli.StringFlag{Name: "boot", Usage: "bootstrap method: smp or static"},
	&cli.StringFlag{Name: "transport", Usage: "transport backend: smp or tcp"},
	&cli.StringSliceFlag{Name: "peers", Usage: "peer dial addresses, index = rank (transport=tcp only)"},
	&cli.IntFlag{Name: "heapsize", Usage: "bytes of global heap reserved per locality"},
	&cli.Float64Flag{Name: "send-limit", Usage: "outbound network tokens/sec"},
	&cli.Float64Flag{Name: "recv-limit", Usage: "inbound network tokens/sec"},
	&cli.IntFlag{Name: "eager-limit", Usage: "payload bytes above which parcels are compressed before send and sent via rendezvous instead of eagerly"},
	&cli.IntFlag{Name: "parcel-buffer-size", Usage: "per-locality inbound parcel queue capacity"},
	&cli.StringFlag{Name: "log-level", Usage: "log level: debug, info, warn, or error"},
	&cli.IntSliceFlag{Name: "log-at", Usage: "locality ranks to emit logs from (default: all)"},
	&cli.IntSliceFlag{Name: "wait-at", Usage: "locality ranks to pause at on init for debugger attach"},
	&cli.DurationFlag{Name: "backoff-max", Usage: "upper bound on a worker's idle backoff sleep"},
}

// ApplyFlags overrides cfg's fields with every flag the caller actually
// set on c, leaving fields whose flag was never passed at whatever Load
// (or Default) already put there — the same "file provides the baseline,
// flags are the diff" precedence the teacher's cmd/geth SetNodeConfig
// helpers use.
func ApplyFlags(cfg *Config, c *cli.Context) {
	if c.IsSet("rank") {
		cfg.Rank = c.Int("rank")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("cores") {
		cfg.Cores = intsOf(c.IntSlice("cores"))
	}
	if c.IsSet("stack-bytes") {
		cfg.StackBytes = c.Int("stack-bytes")
	}
	if c.IsSet("gas-model") {
		cfg.GASModel = GASModel(c.String("gas-model"))
	}
	if c.IsSet("boot") {
		cfg.Boot = Boot(c.String("boot"))
	}
	if c.IsSet("transport") {
		cfg.Transport = Transport(c.String("transport"))
	}
	if c.IsSet("peers") {
		cfg.Peers = c.StringSlice("peers")
	}
	if c.IsSet("heapsize") {
		cfg.HeapSize = c.Int("heapsize")
	}
	if c.IsSet("send-limit") {
		cfg.SendLimit = c.Float64("send-limit")
	}
	if c.IsSet("recv-limit") {
		cfg.RecvLimit = c.Float64("recv-limit")
	}
	if c.IsSet("eager-limit") {
		cfg.EagerLimit = c.Int("eager-limit")
	}
	if c.IsSet("parcel-buffer-size") {
		cfg.ParcelBufferSize = c.Int("parcel-buffer-size")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-at") {
		cfg.LogAt = intsOf(c.IntSlice("log-at"))
	}
	if c.IsSet("wait-at") {
		cfg.WaitAt = intsOf(c.IntSlice("wait-at"))
	}
	if c.IsSet("backoff-max") {
		cfg.BackoffMax = c.Duration("backoff-max")
	}
}

func intsOf(s []int) []int {
	if s == nil {
		return nil
	}
	out := make([]int, len(s))
	copy(out, s)
	return out
}
