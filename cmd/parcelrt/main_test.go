package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/hpx-go/parcelrt/config"
)

// newTestApp builds an app with the same flags main() registers and the
// fibonacci and countdown commands wired to the same Action functions, so
// these tests exercise the real flag parsing and command handlers.
func newTestApp() *cli.App {
	return &cli.App{
		Name:  "parcelrt",
		Usage: "run a parcelrt example program",
		Flags: append([]cli.Flag{configFlag, ranksFlag, traceFlag}, config.Flags...),
		Commands: []*cli.Command{
			{Name: "fibonacci", ArgsUsage: "N", Action: runFibonacci},
			{Name: "countdown", ArgsUsage: "N", Action: runCountdown},
		},
	}
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()

	require.NoError(t, w.Close())
	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	return buf.String()
}

func TestFibonacciCommandPrintsResult(t *testing.T) {
	app := newTestApp()
	out := captureStdout(t, func() {
		err := app.Run([]string{"parcelrt", "--ranks", "1", "fibonacci", "10"})
		require.NoError(t, err)
	})
	assert.Contains(t, out, "fib(10) = 55")
}

// Countdown's hop target is chosen at random, so a multi-locality run can
// legitimately terminate on a locality other than rank 0 — and Run only
// blocks on rank 0's own exit signal or its own scheduler's quiescence.
// --ranks 1 keeps every hop, random or not, resolving back to the single
// locality actually being awaited, so the chain's full n+1 hops exercise
// the forward-and-decrement path deterministically.
func TestCountdownCommandRunsToCompletion(t *testing.T) {
	app := newTestApp()
	out := captureStdout(t, func() {
		err := app.Run([]string{"parcelrt", "--ranks", "1", "countdown", "5"})
		require.NoError(t, err)
	})
	assert.Contains(t, out, "countdown(5) reached zero")
}

// TestCountdownCommandBootsMultipleLocalities exercises the --ranks > 1
// boot path (a shared transport/smp.Fabric, one locality per rank, every
// one of them registering the same action id) without depending on which
// locality the random hop chain happens to land on: n=0 always terminates
// on rank 0, the locality Run's root parcel always targets first.
func TestCountdownCommandBootsMultipleLocalities(t *testing.T) {
	app := newTestApp()
	out := captureStdout(t, func() {
		err := app.Run([]string{"parcelrt", "--ranks", "3", "countdown", "0"})
		require.NoError(t, err)
	})
	assert.Contains(t, out, "countdown(0) reached zero")
}

func TestPositionalUintRejectsNonNumericArgument(t *testing.T) {
	app := newTestApp()
	err := app.Run([]string{"parcelrt", "fibonacci", "not-a-number"})
	assert.Error(t, err)
}

func TestPositionalUintDefaultsWhenArgOmitted(t *testing.T) {
	app := newTestApp()
	out := captureStdout(t, func() {
		err := app.Run([]string{"parcelrt", "fibonacci"})
		require.NoError(t, err)
	})
	assert.Contains(t, out, "fib(20) = 6765")
}
