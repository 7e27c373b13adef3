// Copyright 2025 the libevm authors.
//
// The libevm additions to go-ethereum are free software: you can redistribute
// them and/or modify them under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// The libevm additions are distributed in the hope that they will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU Lesser
// General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see
// <http://www.gnu.org/licenses/>.

// Package log provides the runtime's structured logger, a thin wrapper over
// [slog] that adds a handful of LogValuers (TypeOf, Addr, Status) the rest
// of the runtime reaches for instead of ad hoc fmt.Sprintf calls when
// logging an address, a status code, or a pluggable interface value's
// concrete type — package network's dispatcher and package runtime's
// Locality are the current call sites.
package log

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/exp/slog"
)

// A Mask selects which localities a logger is active on, matching the
// log-at configuration option (a bitset of locality ranks, rank i
// corresponds to bit i; Mask(0) means "no localities").
type Mask uint64

// Includes reports whether rank is set in m.
func (m Mask) Includes(rank int) bool {
	if rank < 0 || rank >= 64 {
		return false
	}
	return m&(1<<uint(rank)) != 0
}

// AllLocalities is a Mask that includes every rank in [0,64).
const AllLocalities Mask = ^Mask(0)

// New constructs a [*slog.Logger] for the given rank, muted (discarding all
// records) unless mask includes rank. level follows the standard [slog]
// level scale (Debug=-4 .. Error=8).
func New(rank int, mask Mask, level slog.Level) *slog.Logger {
	if !mask.Includes(rank) {
		return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 100}))
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(Locality(rank))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// TypeOf returns a LogValuer that reports the concrete type of v as
// determined with the %T [fmt] verb.
func TypeOf(v any) slog.LogValuer {
	return concreteTypeValue{v}
}

type concreteTypeValue struct{ v any }

func (v concreteTypeValue) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("%T", v.v))
}

// Locality returns a slog.Attr identifying a locality rank, for attachment
// to every record emitted by that locality's logger.
func Locality(rank int) slog.Attr {
	return slog.Int("locality", rank)
}

// Level parses the log-level config option ("debug", "info", "warn", or
// "error", case-insensitive) into the slog.Level New expects. An
// unrecognized name falls back to Info rather than failing construction
// over a cosmetic setting.
func Level(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Addr returns a LogValuer for a 64-bit global address, formatted in hex so
// it reads the same as the wire encoding.
func Addr(a uint64) slog.LogValuer {
	return addrValue(a)
}

type addrValue uint64

func (a addrValue) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("0x%016x", uint64(a)))
}

// Status returns a LogValuer for a runtime status code, printed both as its
// symbolic name (via the Stringer interface, if implemented) and its
// integer value, which is what operators actually grep trace files for.
func Status(s fmt.Stringer, code int) slog.LogValuer {
	return statusValue{s, code}
}

type statusValue struct {
	s    fmt.Stringer
	code int
}

func (v statusValue) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("%s(%d)", v.s, v.code))
}
