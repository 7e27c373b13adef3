// Package runtime is the user-facing facade (§6's topology and lifecycle
// surface): constructing one locality's full collaborator graph from a
// config.Config, the init/run/finalize/exit/abort lifecycle, and the
// well-known abort broadcast every fatal-error path goes through.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/exp/slog"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/boot"
	"github.com/hpx-go/parcelrt/collective"
	"github.com/hpx-go/parcelrt/config"
	"github.com/hpx-go/parcelrt/gas"
	"github.com/hpx-go/parcelrt/instrument"
	"github.com/hpx-go/parcelrt/lco"
	"github.com/hpx-go/parcelrt/log"
	"github.com/hpx-go/parcelrt/network"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/scheduler"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
	"github.com/hpx-go/parcelrt/transport/smp"
)

// AbortAction is the well-known action every locality registers so that
// Locality.Abort's broadcast has somewhere to land on its peers (§7
// "trigger boot.Handle.Abort(), which broadcasts an abort to peer
// localities"). It follows network.MemGetAction (5) in the runtime's
// well-known id reservation.
const AbortAction action.ID = 6

// exitResult carries the value passed to Exit across to whichever
// goroutine is blocked in Run.
type exitResult struct {
	status status.Status
	value  []byte
}

// Locality is one rank's complete runtime: the action registry, global
// heap, LCO table, network dispatcher, scheduler, and bootstrap handle,
// plus the lifecycle and topology surface applications drive directly
// (§6).
type Locality struct {
	cfg    config.Config
	rank   uint32
	ranks  uint32
	log    *slog.Logger
	handle *boot.Handle
	heap   *gas.Heap
	reg    *action.Registry
	table  *lco.Table
	disp   *network.Dispatcher
	sched  *scheduler.Scheduler
	trace  *instrument.Sink

	exitCh  chan exitResult
	debugOK atomic.Bool
}

// New constructs a Locality from cfg: resolves boot/transport, wires the
// gas heap, LCO table, network dispatcher and scheduler (in that
// dependency order, using the same forward-declared-pointer trick
// package network and package lco's own tests use to resolve the
// Heap/Table/Dispatcher/Scheduler construction cycle) and registers every
// well-known action; the registry stays open for application actions
// until Init finalizes it. fabric is only consulted
// for an "smp" boot (cfg.Boot == config.BootSMP); pass nil for a "static"
// TCP boot.
func New(cfg config.Config, fabric *smp.Fabric) (*Locality, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mask := logAtMask(cfg.LogAt)
	logger := log.New(cfg.Rank, mask, log.Level(cfg.LogLevel))

	undoMaxProcs, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		logger.Debug(fmt.Sprintf(format, a...))
	}))
	if err != nil {
		logger.Warn("runtime: automaxprocs failed, leaving GOMAXPROCS untouched", "err", err)
	}
	_ = undoMaxProcs // the process keeps the adjusted GOMAXPROCS for its lifetime

	handle, err := boot.New(cfg, fabric)
	if err != nil {
		return nil, fmt.Errorf("runtime: bootstrap: %w", err)
	}
	logger.Debug("runtime: bootstrap complete", "transport", log.TypeOf(handle.Transport()), "rank", handle.Rank(), "ranks", handle.Ranks())

	heap, err := gas.NewHeap(gas.Config{
		Rank:      handle.Rank(),
		Ranks:     handle.Ranks(),
		HeapBytes: cfg.HeapSize,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: allocating heap: %w", err)
	}

	reg := action.NewRegistry()

	// disp and sched are each other's and table's collaborators, so none
	// of the three can be constructed before the other two exist. Every
	// closure below only calls through the pointer once the locality is
	// fully built and running.
	var disp *network.Dispatcher
	var sched *scheduler.Scheduler

	table := lco.NewTable(heap, func(p *parcel.Parcel) status.Status { return disp.Send(p) })

	disp, err = network.New(network.Config{
		Heap:                  heap,
		Transport:             handle.Transport(),
		SubmitLocal:           func(p *parcel.Parcel) status.Status { return sched.Submit(p) },
		Table:                 table,
		Logger:                logger,
		CompressThreshold:     cfg.EagerLimit,
		EagerLimit:            cfg.EagerLimit,
		SendLimit:             cfg.SendLimit,
		RecvLimit:             cfg.RecvLimit,
		DedupExpectedMessages: 4096,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: constructing dispatcher: %w", err)
	}

	sched = scheduler.New(scheduler.Config{
		Workers:    cfg.Workers,
		Registry:   reg,
		Heap:       heap,
		Logger:     logger,
		Deliver:    disp.Send,
		Progress:   disp.Progress,
		BackoffMax: cfg.BackoffMax,
	})

	if err := lco.RegisterRemoteActions(reg, table); err != nil {
		return nil, fmt.Errorf("runtime: registering LCO actions: %w", err)
	}
	if err := network.RegisterMemActions(reg, heap); err != nil {
		return nil, fmt.Errorf("runtime: registering memget action: %w", err)
	}

	l := &Locality{
		cfg:    cfg,
		rank:   handle.Rank(),
		ranks:  handle.Ranks(),
		log:    logger,
		handle: handle,
		heap:   heap,
		reg:    reg,
		table:  table,
		disp:   disp,
		sched:  sched,
		trace:  instrument.Discard(),
		exitCh: make(chan exitResult, 1),
	}

	if err := reg.RegisterAt(AbortAction, "runtime.abort", l.abortHandler, action.Interrupt); err != nil {
		return nil, fmt.Errorf("runtime: registering abort action: %w", err)
	}

	handle.SetAbortHook(func(reason string) {
		l.log.Warn("runtime: locality aborting", "reason", reason)
		go l.sched.Shutdown()
	})

	return l, nil
}

func logAtMask(ranks []int) log.Mask {
	if len(ranks) == 0 {
		return log.AllLocalities
	}
	var mask log.Mask
	for _, r := range ranks {
		if r >= 0 && r < 64 {
			mask |= 1 << uint(r)
		}
	}
	return mask
}

// Register exposes the locality's action registry so applications can add
// their own actions before calling Init. Registering after Init returns
// action.ErrAlreadyFinalized from action.Registry's own guard, matching
// the teacher's own "wire everything up front" construction discipline.
func (l *Locality) Register(name string, h action.Handler, attrs action.Attrs, args ...reflect.Type) (action.ID, error) {
	return l.reg.Register(name, h, attrs, args...)
}

// RegisterAt is Register's well-known-id counterpart, for applications
// that need a stable cross-locality action id (§4.1) rather than one
// assigned by registration order.
func (l *Locality) RegisterAt(id action.ID, name string, h action.Handler, attrs action.Attrs, args ...reflect.Type) error {
	return l.reg.RegisterAt(id, name, h, attrs, args...)
}

// EnableTrace opens a rotating instrumentation sink (§2's four event
// classes) and switches this locality onto it, closing whatever sink was
// previously installed. Safe to call before Init; not safe concurrently
// with Run.
func (l *Locality) EnableTrace(cfg instrument.Config) error {
	sink, err := instrument.Open(cfg)
	if err != nil {
		return err
	}
	old := l.trace
	l.trace = sink
	return old.Close()
}

// Trace returns the locality's instrumentation sink (instrument.Discard()
// until EnableTrace is called).
func (l *Locality) Trace() *instrument.Sink { return l.trace }

// Rank returns this locality's own rank (my_rank()).
func (l *Locality) Rank() uint32 { return l.rank }

// Ranks returns the total number of localities in this run (num_ranks()).
func (l *Locality) Ranks() uint32 { return l.ranks }

// NumThreads returns the size of this locality's worker pool
// (num_threads()).
func (l *Locality) NumThreads() int { return l.sched.NumWorkers() }

// Here returns this locality's own base address (here).
func (l *Locality) Here() gas.Addr { return gas.New(l.rank, 0, 0) }

// There returns the base address of the locality identified by rank
// (there(rank)).
func (l *Locality) There(rank uint32) gas.Addr { return gas.New(rank, 0, 0) }

// Heap returns the locality's global heap, for application code that
// allocates or pins global memory directly rather than only dispatching
// actions.
func (l *Locality) Heap() *gas.Heap { return l.heap }

// Table returns the locality's LCO table, for application code building
// its own synchronization on top of the primitives in package lco.
func (l *Locality) Table() *lco.Table { return l.table }

// Send hands p to this locality's network dispatcher, the same Send every
// collective.Scatter/Bcast call in this package uses. Exposed so
// application code can drive collective package directly against a live
// Locality.
func (l *Locality) Send(p *parcel.Parcel) status.Status { return l.disp.Send(p) }

// Init finalizes the action registry, optionally pausing at startup for a
// debugger to attach (the "wait-at" config option, §6), and starts the
// worker pool. Must be called exactly once, after every application
// action is registered and before Run.
func (l *Locality) Init(ctx context.Context) status.Status {
	l.reg.Finalize()

	if containsRank(l.cfg.WaitAt, int(l.rank)) {
		l.log.Warn("runtime: pausing at init for debugger attach", "rank", l.rank)
		l.waitForDebugger(ctx)
	}

	l.sched.Start()
	return status.OK
}

// ReleaseDebugger un-pauses a locality parked in Init's wait-at spin,
// matching the debugger's role of flipping an inspected variable rather
// than anything the locality does on its own.
func (l *Locality) ReleaseDebugger() { l.debugOK.Store(true) }

func (l *Locality) waitForDebugger(ctx context.Context) {
	for !l.debugOK.Load() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func containsRank(ranks []int, rank int) bool {
	for _, r := range ranks {
		if r == rank {
			return true
		}
	}
	return false
}

// Run submits act as this locality's root parcel and blocks until either
// the application calls Exit from within an action (the common case,
// mirroring hpx_run/hpx_exit) or the scheduler's Barrier quiescence
// heuristic observes no more work in flight (§4.3's termination-detection
// note: sufficient for the six end-to-end example scenarios, which carry
// no credit-tracked outstanding parcels of their own). It returns Exit's
// status and value in the former case, status.OK and a nil value in the
// latter.
func (l *Locality) Run(ctx context.Context, act action.ID, args []byte) (status.Status, []byte, error) {
	if err := l.trace.Emit(instrument.Record{
		TimestampNanos: time.Now().UnixNano(),
		Class:          instrument.EventParcelSend,
		W1:             uint64(l.rank),
		W2:             uint64(l.Here()),
		W3:             uint64(act),
	}); err != nil {
		l.log.Warn("runtime: trace emit failed", "err", err)
	}

	p := &parcel.Parcel{
		Target:     l.Here(),
		Action:     act,
		ContTarget: gas.Null,
		ContAction: action.NoAction,
		PID:        uuid.New(),
		Payload:    args,
	}
	if st := l.disp.Send(p); !st.OK() {
		l.log.Warn("runtime: submitting the root action failed", "addr", log.Addr(uint64(p.Target)), "status", log.Status(st, int(st)))
		return st, nil, nil
	}

	barrierDone := make(chan error, 1)
	go func() { barrierDone <- l.sched.Barrier(ctx, 2*time.Millisecond) }()

	select {
	case res := <-l.exitCh:
		return res.status, res.value, nil
	case err := <-barrierDone:
		if err != nil {
			return status.Fatal, nil, err
		}
		return status.OK, nil, nil
	case <-ctx.Done():
		return status.Fatal, nil, ctx.Err()
	}
}

// Exit unblocks a pending Run with st/value, mirroring hpx_exit: callable
// from within a running action to terminate the root Run call early with
// an application-chosen status and result. A second call after the first
// is a silent no-op — Run only ever observes the first.
func (l *Locality) Exit(st status.Status, value []byte) {
	select {
	case l.exitCh <- exitResult{status: st, value: value}:
	default:
	}
}

// Abort broadcasts reason to every other locality's AbortAction handler
// and then tears down this one's own scheduler (§7). Safe to call more
// than once or concurrently: a call made after this locality has aborted
// returns without broadcasting again, though two calls racing before
// either completes may both broadcast; boot.Handle.Abort's one-shot guard
// makes each peer act on the first abort it receives.
func (l *Locality) Abort(reason string) {
	if l.handle.Aborted() {
		return
	}
	if l.ranks > 1 {
		targets := make([]gas.Addr, 0, l.ranks-1)
		for r := uint32(0); r < l.ranks; r++ {
			if r == l.rank {
				continue
			}
			targets = append(targets, l.There(r))
		}
		if _, st := collective.Scatter(l.disp.Send, l.table, targets, AbortAction, []byte(reason)); !st.OK() {
			l.log.Warn("runtime: abort broadcast failed to send to some localities", "status", log.Status(st, int(st)))
		}
	}
	l.handle.Abort(reason)
}

// abortHandler backs AbortAction: a peer's broadcast arrives here and
// tears down this locality's own scheduler via the same one-shot
// boot.Handle.Abort path a local fatal error would use, just without
// re-broadcasting (the sender already reached every other locality
// directly).
func (l *Locality) abortHandler(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
	l.handle.Abort(string(p.Payload))
	return nil, nil
}

// Finalize stops the worker pool and releases every collaborator that
// owns a resource (heap, transport, trace sink), in roughly reverse
// construction order (finalize()).
func (l *Locality) Finalize() error {
	var errs []error
	l.disp.FlushOnShutdown()
	if err := l.sched.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := l.handle.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := l.heap.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := l.trace.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
