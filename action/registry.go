// Package action implements the name-to-handler registry and the dispatch
// machinery that turns a parcel into an executing thread (§4.1).
package action

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/hpx-go/parcelrt/gas"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

// ID identifies a registered action; it is an alias of parcel.ActionID so
// that a Parcel's Action/ContAction fields need no conversion at the call
// sites that actually dispatch.
type ID = parcel.ActionID

// NoAction is the distinguished "no action" / "no continuation" id.
const NoAction = parcel.NoAction

// LCOSet is the well-known continuation action that sets the handler's
// return value into the LCO addressed by the continuation target (§4.1).
// Package lco registers the concrete handler; this constant only needs to
// be stable and known to both packages to avoid an import cycle.
const LCOSet ID = 1

// Attrs is the attribute bitset of a registered action (§3, §4.1).
type Attrs uint8

const (
	// Default: a full-capability user thread executes the handler.
	Default Attrs = 0
	// Pinned: the target address is pinned before the handler runs, and
	// the resulting local pointer is prepended to the handler's arguments.
	Pinned Attrs = 1 << iota
	// Marshalled: the payload is passed as an opaque byte blob rather than
	// unpacked via the argument type descriptor.
	Marshalled
	// Interrupt: the handler runs synchronously on the worker's own stack,
	// with no context switch, and must not block.
	Interrupt
	// Task: the handler runs on a user thread but is guaranteed never to
	// block on an LCO.
	Task
)

func (a Attrs) has(f Attrs) bool { return a&f != 0 }

// Has reports whether f is set in a. Exported for package worker, which
// must decide Interrupt-vs-bound-thread dispatch without a helper method
// on Entry (Entry.Invoke runs after that decision is already made).
func (a Attrs) Has(f Attrs) bool { return a.has(f) }

// String renders the set attribute names, for log messages.
func (a Attrs) String() string {
	if a == Default {
		return "default"
	}
	var parts []string
	for _, f := range []struct {
		bit  Attrs
		name string
	}{
		{Pinned, "pinned"},
		{Marshalled, "marshalled"},
		{Interrupt, "interrupt"},
		{Task, "task"},
	} {
		if a.has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "|"
		}
		out += p
	}
	return out
}

// Handler is the user-supplied function invoked for a parcel. t is the user
// thread the handler is running on — nil for Interrupt actions, which run
// directly on the worker's own goroutine and so must not call t.Yield or
// t.Suspend (there is no t to call them on). p is the parcel being
// executed, for the rare handler (package lco's LCOSet, most notably)
// that needs more than the decoded arguments — its own target address, in
// particular. args is either the raw payload (Marshalled actions) or a
// slice of reflect-decoded arguments as described by the action's Args
// descriptor, optionally preceded by the pinned local buffer for Pinned
// actions. The return value, if non-nil, becomes the payload of the
// continuation parcel.
type Handler func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error)

// Entry is an immutable, per-registered-action record (§3 "Action entry").
type Entry struct {
	ID      ID
	Name    string
	Handler Handler
	Args    []reflect.Type
	Attrs   Attrs

	// pinnedArgOffset is 1 when Attrs has Pinned (the pinned pointer is
	// prepended as args[0]), else 0; precomputed at Register time so
	// Invoke doesn't re-check the bitset per call.
	pinnedArgOffset int
}

// NumArgs returns the number of application-level arguments this action's
// handler expects, excluding the pinned-pointer prefix.
func (e *Entry) NumArgs() int { return len(e.Args) }

// Registry is the process-wide name/id -> Entry table. It is mutable only
// until Finalize is called, after which Lookup is safe for concurrent use
// without further locking (the table itself never changes again).
type Registry struct {
	mu        sync.Mutex
	byID      map[ID]*Entry
	byName    map[string]*Entry
	nextID    atomic.Uint64
	finalized atomic.Bool
}

// NewRegistry constructs an empty, not-yet-finalized Registry. IDs 1..N are
// reserved by the runtime for well-known actions (see LCOSet and the
// remote-LCO actions registered by package lco); user registrations start
// at 1000.
func NewRegistry() *Registry {
	r := &Registry{
		byID:   make(map[ID]*Entry),
		byName: make(map[string]*Entry),
	}
	r.nextID.Store(1000)
	return r
}

// ErrAlreadyFinalized is returned by Register once Finalize has been
// called.
var ErrAlreadyFinalized = fmt.Errorf("action: registry already finalized")

// ErrDuplicateName is returned by Register when name collides with an
// existing registration.
type ErrDuplicateName struct{ Name string }

func (e *ErrDuplicateName) Error() string {
	return fmt.Sprintf("action: duplicate registration for %q", e.Name)
}

// ErrConflictingAttrs is returned when the requested attribute combination
// is nonsensical (Interrupt actions cannot also be Task, since Interrupt
// implies no user thread at all, and the Task flag only constrains user
// threads).
type ErrConflictingAttrs struct{ Attrs Attrs }

func (e *ErrConflictingAttrs) Error() string {
	return fmt.Sprintf("action: conflicting attributes %s", e.Attrs)
}

// RegisterAt registers a handler under a caller-chosen id, for the small
// set of well-known actions (LCOSet and friends) that must share a stable
// id across packages without an import cycle. Application code should use
// Register instead.
func (r *Registry) RegisterAt(id ID, name string, h Handler, attrs Attrs, args ...reflect.Type) error {
	return r.register(id, name, h, attrs, args)
}

// Register allocates a fresh id and registers name -> h with the given
// attributes and argument type descriptor. It fails once the registry has
// been finalized.
func (r *Registry) Register(name string, h Handler, attrs Attrs, args ...reflect.Type) (ID, error) {
	id := ID(r.nextID.Add(1) - 1)
	if err := r.register(id, name, h, attrs, args); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Registry) register(id ID, name string, h Handler, attrs Attrs, args []reflect.Type) error {
	if r.finalized.Load() {
		return ErrAlreadyFinalized
	}
	if attrs.has(Interrupt) && attrs.has(Task) {
		return &ErrConflictingAttrs{attrs}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return &ErrDuplicateName{name}
	}

	offset := 0
	if attrs.has(Pinned) {
		offset = 1
	}
	e := &Entry{
		ID:              id,
		Name:            name,
		Handler:         h,
		Args:            args,
		Attrs:           attrs,
		pinnedArgOffset: offset,
	}
	r.byID[id] = e
	r.byName[name] = e
	return nil
}

// Finalize closes the registry to further registration. It is idempotent.
func (r *Registry) Finalize() { r.finalized.Store(true) }

// Finalized reports whether Finalize has been called.
func (r *Registry) Finalized() bool { return r.finalized.Load() }

// Lookup returns the entry for id, or (nil, status.NotFound).
func (r *Registry) Lookup(id ID) (*Entry, status.Status) {
	r.mu.Lock()
	e, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return nil, status.NotFound
	}
	return e, status.OK
}

// LookupByName returns the entry registered under name, or (nil, false).
func (r *Registry) LookupByName(name string) (*Entry, bool) {
	r.mu.Lock()
	e, ok := r.byName[name]
	r.mu.Unlock()
	return e, ok
}

// Invoke dispatches p's payload through e, per the attribute-selected
// behavior of §4.1's "small virtual table per action". For Pinned actions,
// heap.Pin(p.Target) is attempted first; a failed pin returns
// status.Resend unconsumed, so the network dispatcher can re-route p to
// wherever the target actually lives now. t is threaded straight through
// to Handler as the thread context for Yield/Suspend; it is nil only for
// Interrupt actions, matching Handler's contract.
//
// Invoke does not itself decide whether to run on a bound user thread or
// directly on the calling goroutine — that is package worker's call,
// driven by e.Attrs.has(Interrupt). Invoke only performs the per-call
// argument marshalling and pin/unpin bookkeeping common to every attribute
// combination.
func (e *Entry) Invoke(t *thread.Thread, heap *gas.Heap, p *parcel.Parcel) ([]byte, status.Status) {
	args, err := e.DecodeArgs(p.Payload)
	if err != nil {
		return nil, status.Fatal
	}

	if e.Attrs.has(Pinned) {
		buf, ok := heap.Pin(p.Target)
		if !ok {
			return nil, status.Resend
		}
		defer heap.Unpin(p.Target)
		args = append([]reflect.Value{reflect.ValueOf(buf)}, args...)
	}

	out, err := e.Handler(t, p, args)
	if err != nil {
		return nil, status.Fatal
	}
	return out, status.OK
}
