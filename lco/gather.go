package lco

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

// AllGather collects one contribution from each of `arity` participants
// and is satisfied once every slot has landed (§4.4, §9's all-gather
// variant). Each OnSet call's payload must be rank-tagged: a 4-byte
// little-endian contributor rank followed by that rank's raw bytes — the
// caller builds this framing (cmd/parcelrt/examples' rankTagged helper is
// one such caller); OnSet rejects anything shorter with status.Fatal.
type AllGather struct {
	Base
	arity   int
	slots   [][]byte
	filled  int
	readers int
	code    status.Status
}

// NewAllGather constructs an AllGather expecting n contributions.
func NewAllGather(n int) *AllGather {
	return &AllGather{arity: n, slots: make([][]byte, n)}
}

func (g *AllGather) OnFini() {}

func (g *AllGather) OnSet(val []byte) status.Status {
	if len(val) < 4 {
		return status.Fatal
	}
	rank := binary.LittleEndian.Uint32(val[:4])
	payload := val[4:]

	g.lock()
	defer g.unlock()
	if int(rank) >= len(g.slots) {
		return status.Fatal
	}
	if g.slots[rank] == nil {
		g.filled++
	}
	g.slots[rank] = append([]byte(nil), payload...)
	if g.filled >= g.arity {
		g.setTriggered()
	}
	return status.OK
}

func (g *AllGather) OnError(code status.Status) {
	g.lock()
	defer g.unlock()
	if g.triggered() {
		return
	}
	g.code = code
	g.setErrored()
	g.setTriggered()
}

// OnAttach grows the gather to expect extra more contributions, appending
// empty slots for them.
func (g *AllGather) OnAttach(extra int) status.Status {
	g.lock()
	defer g.unlock()
	if g.triggered() {
		return status.Fatal
	}
	g.arity += extra
	g.slots = append(g.slots, make([][]byte, extra)...)
	return status.OK
}

func (g *AllGather) onReady() (bool, status.Status) {
	if !g.triggered() {
		return false, status.OK
	}
	if g.errored() {
		return true, status.LCOError
	}
	return true, status.OK
}

// Gather blocks t until every contribution has arrived, then returns the
// slots in rank order. Once every one of the arity participants has read
// the gathered round via Gather or OnGet, the phase auto-resets (back to
// OnReset's state) so the same AllGather can be reused for a next round
// without an external Reset call — a multi-round all-gather otherwise
// deadlocks its second round waiting on slots OnSet already filled once.
func (g *AllGather) Gather(t *thread.Thread) ([][]byte, status.Status) {
	st := g.wait(t, g.onReady)
	if !st.OK() {
		return nil, st
	}
	g.lock()
	defer g.unlock()
	out := make([][]byte, len(g.slots))
	copy(out, g.slots)
	g.readerArrivedLocked()
	return out, status.OK
}

// readerArrivedLocked must be called with g's lock held, once per
// participant that has consumed the current round's result. It resets the
// phase once every participant has read, and is a no-op past that point
// within the same round (callers that Get the same round twice don't
// trigger a spurious extra reset).
func (g *AllGather) readerArrivedLocked() {
	if !g.triggered() {
		return
	}
	g.readers++
	if g.readers >= g.arity {
		g.resetLocked()
	}
}

func (g *AllGather) resetLocked() {
	g.slots = make([][]byte, g.arity)
	g.filled = 0
	g.readers = 0
	g.code = status.OK
	g.clearTriggered()
	g.clearErrored()
}

func (g *AllGather) OnWait() status.Status {
	ok, st := g.onReady()
	if !ok {
		return status.ChannelEmpty
	}
	return st
}

// OnGet/OnGetRef encode the gathered slots with gob so the generic vtable
// still returns a single []byte; callers that already hold a *AllGather
// should prefer Gather for the un-reencoded [][]byte.
func (g *AllGather) OnGet() ([]byte, status.Status) {
	ok, st := g.onReady()
	if !ok {
		return nil, status.ChannelEmpty
	}
	if !st.OK() {
		return nil, st
	}
	g.lock()
	defer g.unlock()
	out, code := encodeSlots(g.slots)
	g.readerArrivedLocked()
	return out, code
}

func (g *AllGather) OnGetRef() ([]byte, status.Status) { return g.OnGet() }
func (g *AllGather) OnRelease()                        {}

func (g *AllGather) OnReset() {
	g.lock()
	defer g.unlock()
	g.resetLocked()
}

func (g *AllGather) OnSize() int {
	g.lock()
	defer g.unlock()
	return g.filled
}

func (g *AllGather) waitBase() *Base { return &g.Base }

func encodeSlots(slots [][]byte) ([]byte, status.Status) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(slots); err != nil {
		return nil, status.Fatal
	}
	return buf.Bytes(), status.OK
}

func decodeSlots(data []byte) ([][]byte, error) {
	var slots [][]byte
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&slots); err != nil {
		return nil, fmt.Errorf("lco: decoding gathered slots: %w", err)
	}
	return slots, nil
}

// AllToAll collects one row of `arity` per-destination messages from each
// of `arity` participants and is satisfied once every row has landed
// (§4.4, §9's all-to-all variant). Each OnSet payload is framed as a
// 4-byte little-endian sender rank followed by a gob-encoded [][]byte of
// length arity, row[j] being the message destined for rank j.
type AllToAll struct {
	Base
	arity   int
	rows    [][][]byte
	filled  int
	readers int
	code    status.Status
}

// NewAllToAll constructs an AllToAll among n participants.
func NewAllToAll(n int) *AllToAll {
	return &AllToAll{arity: n, rows: make([][][]byte, n)}
}

func (a *AllToAll) OnFini() {}

func (a *AllToAll) OnSet(val []byte) status.Status {
	if len(val) < 4 {
		return status.Fatal
	}
	sender := binary.LittleEndian.Uint32(val[:4])
	row, err := decodeSlots(val[4:])
	if err != nil {
		return status.Fatal
	}

	a.lock()
	defer a.unlock()
	if int(sender) >= len(a.rows) || len(row) != a.arity {
		return status.Fatal
	}
	if a.rows[sender] == nil {
		a.filled++
	}
	a.rows[sender] = row
	if a.filled >= a.arity {
		a.setTriggered()
	}
	return status.OK
}

func (a *AllToAll) OnError(code status.Status) {
	a.lock()
	defer a.unlock()
	if a.triggered() {
		return
	}
	a.code = code
	a.setErrored()
	a.setTriggered()
}

func (a *AllToAll) OnAttach(extra int) status.Status { return status.Fatal }

func (a *AllToAll) onReady() (bool, status.Status) {
	if !a.triggered() {
		return false, status.OK
	}
	if a.errored() {
		return true, status.LCOError
	}
	return true, status.OK
}

// Column blocks t until every row has arrived, then returns the message
// destined for rank — i.e. rows[i][rank] for every sender i. As with
// AllGather.Gather, once every one of the arity participants has read its
// column for the current round, the phase auto-resets for reuse.
func (a *AllToAll) Column(t *thread.Thread, rank int) ([][]byte, status.Status) {
	st := a.wait(t, a.onReady)
	if !st.OK() {
		return nil, st
	}
	a.lock()
	defer a.unlock()
	out := make([][]byte, len(a.rows))
	for i, row := range a.rows {
		if rank < len(row) {
			out[i] = row[rank]
		}
	}
	a.readerArrivedLocked()
	return out, status.OK
}

func (a *AllToAll) readerArrivedLocked() {
	if !a.triggered() {
		return
	}
	a.readers++
	if a.readers >= a.arity {
		a.resetLocked()
	}
}

func (a *AllToAll) resetLocked() {
	a.rows = make([][][]byte, a.arity)
	a.filled = 0
	a.readers = 0
	a.code = status.OK
	a.clearTriggered()
	a.clearErrored()
}

func (a *AllToAll) OnWait() status.Status {
	ok, st := a.onReady()
	if !ok {
		return status.ChannelEmpty
	}
	return st
}

func (a *AllToAll) OnGet() ([]byte, status.Status) {
	ok, st := a.onReady()
	if !ok {
		return nil, status.ChannelEmpty
	}
	if !st.OK() {
		return nil, st
	}
	a.lock()
	defer a.unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a.rows); err != nil {
		return nil, status.Fatal
	}
	a.readerArrivedLocked()
	return buf.Bytes(), status.OK
}

func (a *AllToAll) OnGetRef() ([]byte, status.Status) { return a.OnGet() }
func (a *AllToAll) OnRelease()                        {}

func (a *AllToAll) OnReset() {
	a.lock()
	defer a.unlock()
	a.resetLocked()
}

func (a *AllToAll) OnSize() int {
	a.lock()
	defer a.unlock()
	return a.filled
}

func (a *AllToAll) waitBase() *Base { return &a.Base }
