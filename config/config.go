// Package config is the runtime's typed configuration surface (§6):
// worker/core topology, stack and heap sizing, the GAS/boot/transport
// model selection, network rate limits, logging, and backoff, loadable
// from a TOML file and overridable from CLI flags — matching the
// teacher's own cmd/geth and cmd/swarm convention of a tomlSettings
// toml.Config plus a thin loadConfig wrapper.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
)

// GASModel selects the global-address-space discipline a locality
// advertises. The runtime realizes a single block-cyclic addressing
// scheme regardless of this setting (see DESIGN.md's Open Questions
// ledger for why pgas/agas are accepted but not behaviorally distinct
// here); it is still validated, so a config file naming a model outside
// smp/pgas/agas is rejected early rather than silently ignored.
type GASModel string

const (
	GASModelSMP  GASModel = "smp"
	GASModelPGAS GASModel = "pgas"
	GASModelAGAS GASModel = "agas"
)

// Boot selects how a locality discovers its peers at startup. Only
// single-process "smp" (every locality lives in this process, wired by
// package transport/smp) and "static" (peer addresses supplied directly
// via Peers, wired by package transport/tcp) are realized; mpirun/pmi
// bootstrap are named in the option table but are out of scope (§1's
// "bootstrap/rank discovery" external collaborator).
type Boot string

const (
	BootSMP    Boot = "smp"
	BootStatic Boot = "static"
)

// Transport selects the transport.Transport implementation a locality
// constructs. Only "smp" (transport/smp.Fabric) and "tcp"
// (transport/tcp.Transport) are realized; mpi/portals/photon are named
// in the option table but are out of scope (§1).
type Transport string

const (
	TransportSMP Transport = "smp"
	TransportTCP Transport = "tcp"
)

// Config is the full set of recognized options (§6's table), defaulted by
// Load and checked by Validate.
type Config struct {
	// Rank is this locality's own rank. Not part of §6's recognized
	// option table (a single-machine "smp" boot can infer it), but a
	// "static" boot over TCP has no other way to learn which entry of
	// Peers is its own, so it's a required supplement for that path.
	Rank             int       `toml:"rank"`
	Workers          int       `toml:"workers"`
	Cores            []int     `toml:"cores"`
	StackBytes       int       `toml:"stack-bytes"`
	GASModel         GASModel  `toml:"gas-model"`
	Boot             Boot      `toml:"boot"`
	Transport        Transport `toml:"transport"`
	Peers            []string  `toml:"peers"`
	HeapSize         int       `toml:"heapsize"`
	SendLimit        float64   `toml:"send-limit"`
	RecvLimit        float64   `toml:"recv-limit"`
	EagerLimit       int       `toml:"eager-limit"`
	ParcelBufferSize int       `toml:"parcel-buffer-size"`
	LogLevel         string    `toml:"log-level"`
	LogAt            []int     `toml:"log-at"`
	WaitAt           []int     `toml:"wait-at"`
	BackoffMax       time.Duration `toml:"backoff-max"`
}

// Default returns the option table's baseline values: one worker per
// GOMAXPROCS (encoded here as 0, resolved by the caller the same way
// scheduler.Config.Workers==0 resolves it), the smp boot/transport pair
// a single-process run needs with no further configuration, and
// conservative rate/backoff defaults.
func Default() Config {
	return Config{
		Workers:          0,
		StackBytes:       64 * 1024,
		GASModel:         GASModelSMP,
		Boot:             BootSMP,
		Transport:        TransportSMP,
		HeapSize:         64 << 20,
		SendLimit:        1 << 20,
		RecvLimit:        1 << 20,
		EagerLimit:       4096,
		ParcelBufferSize: 256,
		LogLevel:         "info",
		BackoffMax:       50 * time.Millisecond,
	}
}

// tomlSettings mirrors the teacher's own tomlSettings: field names pass
// through unchanged (the `toml` struct tags above already spell the
// option-table names), and an unrecognized key in the file is a hard
// error rather than being silently dropped.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if len(field) > 0 && unicode.IsUpper(rune(field[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://pkg.go.dev/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("config: field %q is not defined in %s%s", field, rt.String(), link)
	},
}

// Load reads file into a Default()-seeded Config, the same
// open-decode-wrap-line-error shape as the teacher's cmd/geth
// loadConfig.
func Load(file string) (Config, error) {
	cfg := Default()
	f, err := os.Open(file)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg)
	var lineErr *toml.LineError
	if errors.As(err, &lineErr) {
		err = fmt.Errorf("%s, %w", file, err)
	}
	return cfg, err
}

// Validate rejects option combinations the runtime cannot actually
// realize — an out-of-scope transport/boot selection, or a negative
// size/rate that would otherwise surface as a confusing panic deep in
// gas or network construction.
func (c Config) Validate() error {
	switch c.GASModel {
	case GASModelSMP, GASModelPGAS, GASModelAGAS:
	default:
		return fmt.Errorf("config: unrecognized gas-model %q", c.GASModel)
	}
	switch c.Boot {
	case BootSMP, BootStatic:
	default:
		return fmt.Errorf("config: unsupported boot %q (mpirun/pmi bootstrap are out of scope)", c.Boot)
	}
	switch c.Transport {
	case TransportSMP, TransportTCP:
	default:
		return fmt.Errorf("config: unsupported transport %q (mpi/portals/photon are out of scope)", c.Transport)
	}
	if c.Transport == TransportTCP && len(c.Peers) == 0 {
		return fmt.Errorf("config: transport=tcp requires at least one peers entry")
	}
	if c.HeapSize < 0 {
		return fmt.Errorf("config: heapsize must be >= 0, got %d", c.HeapSize)
	}
	if c.SendLimit < 0 || c.RecvLimit < 0 {
		return fmt.Errorf("config: send-limit/recv-limit must be >= 0")
	}
	if c.ParcelBufferSize <= 0 {
		return fmt.Errorf("config: parcel-buffer-size must be > 0, got %d", c.ParcelBufferSize)
	}
	return nil
}
