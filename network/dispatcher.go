// Package network implements §4.6's dispatcher: the local-deliver-or-
// transport-forward policy for every outgoing parcel, the inbound probe
// loop package worker calls from its slow scheduling path, the rendezvous
// protocol for parcels too large to send eagerly, and the optional
// compression/rate-limiting/dedup layered above a bare transport.Transport.
package network

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/holiman/bloomfilter/v2"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"

	"github.com/hpx-go/parcelrt/gas"
	"github.com/hpx-go/parcelrt/lco"
	"github.com/hpx-go/parcelrt/log"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/transport"
)

// Config supplies a Dispatcher with its collaborators. Heap and
// SubmitLocal are always required, and Transport is required as soon as a
// parcel targets another locality; everything else degrades gracefully to
// "off" when left zero.
type Config struct {
	Heap      *gas.Heap
	Transport transport.Transport

	// SubmitLocal hands a parcel whose target resolves to this locality
	// to the local scheduler. Left as an injected closure (rather than a
	// direct *scheduler.Scheduler field) so this package never needs to
	// import package scheduler — the same reason worker.Config takes a
	// bare Deliver func instead of a *network.Dispatcher.
	SubmitLocal func(p *parcel.Parcel) status.Status

	// Table, if non-nil, lets this Dispatcher mint scratch LCOs for the
	// MemGetSync/MemGetAsync remote-fetch rendezvous (§4.5). A deployment
	// that never calls gas.Heap.MemGetSync/MemGetAsync across localities
	// can leave this nil.
	Table *lco.Table

	Logger *slog.Logger

	// CompressThreshold gates snappy compression: a marshalled message
	// body larger than this many bytes is compressed before going out
	// over the transport. Zero disables compression entirely.
	CompressThreshold int

	// EagerLimit is §4.6's eager-send/rendezvous threshold: a marshalled
	// parcel no larger than this many bytes is sent inline (eagerly); a
	// larger one goes through the request/pull/data/delete-source
	// rendezvous handshake instead, so an oversized payload is never
	// copied onto the wire speculatively before the receiver has a
	// matching parcel ready to receive it. Zero disables rendezvous:
	// every parcel is sent eagerly regardless of size.
	EagerLimit int

	// SendLimit/RecvLimit bound outbound/inbound message rate as the
	// "send-limit"/"recv-limit" config options (token-bucket, in
	// messages/sec); zero disables the corresponding limiter.
	SendLimit float64
	RecvLimit float64

	// DedupExpectedMessages, if non-zero, sizes a bloom filter used to
	// drop inbound parcels already seen (by PID) — a forwarding loop or a
	// transport's own at-least-once retry can otherwise redeliver the
	// same parcel. Zero disables dedup.
	DedupExpectedMessages uint64
}

// rxKey identifies one in-flight rendezvous receive by the peer that asked
// for it and that peer's own key, since two different senders may hand out
// the same key value independently.
type rxKey struct {
	src uint32
	key uint64
}

// Dispatcher is the per-locality network front door every outbound parcel
// passes through and every inbound byte message is decoded by (§4.6).
type Dispatcher struct {
	heap      *gas.Heap
	transport transport.Transport
	submit    func(p *parcel.Parcel) status.Status
	table     *lco.Table
	log       *slog.Logger

	compressThreshold int
	eagerLimit        int

	sendLimiter *rate.Limiter
	recvLimiter *rate.Limiter

	seenMu sync.Mutex
	seen   *bloomfilter.Filter

	// dmaMu guards the sender side of the rendezvous protocol: parcels
	// registered with registerDMA (§4.6's "register_dma") while they wait
	// for a peer's pull, and released (§4.6's "release_dma") once that
	// peer's delete-source command arrives.
	dmaMu      sync.Mutex
	dmaNext    uint64
	dmaPending map[uint64]*parcel.Parcel

	// rxMu guards the receiver side: which rendezvous requests this
	// locality has acknowledged with a pull and is still waiting on data
	// for.
	rxMu      sync.Mutex
	rxPending map[rxKey]bool
}

// New constructs a Dispatcher and installs it as cfg.Heap's MemGetSync /
// MemGetAsync remote-fetch hooks.
func New(cfg Config) (*Dispatcher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		heap:              cfg.Heap,
		transport:         cfg.Transport,
		submit:            cfg.SubmitLocal,
		table:             cfg.Table,
		log:               logger,
		compressThreshold: cfg.CompressThreshold,
		eagerLimit:        cfg.EagerLimit,
		dmaPending:        make(map[uint64]*parcel.Parcel),
		rxPending:         make(map[rxKey]bool),
	}

	if cfg.SendLimit > 0 {
		d.sendLimiter = rate.NewLimiter(rate.Limit(cfg.SendLimit), int(cfg.SendLimit))
	}
	if cfg.RecvLimit > 0 {
		d.recvLimiter = rate.NewLimiter(rate.Limit(cfg.RecvLimit), int(cfg.RecvLimit))
	}
	if cfg.DedupExpectedMessages > 0 {
		f, err := bloomfilter.NewOptimal(cfg.DedupExpectedMessages, 0.001)
		if err != nil {
			return nil, err
		}
		d.seen = f
	}

	if cfg.Heap != nil {
		cfg.Heap.SetRemoteFetch(d.remoteFetch)
		cfg.Heap.SetAsyncFetch(d.asyncFetch)
	}
	return d, nil
}

// Send implements §4.2's dispatch policy: local targets go straight to the
// scheduler, everything else is forwarded over the transport.
func (d *Dispatcher) Send(p *parcel.Parcel) status.Status {
	if p.Target.Locality() == d.heap.Rank() {
		return d.submit(p)
	}
	return d.forward(p)
}

// forward marshals p and either sends it inline or, once it exceeds
// eagerLimit, routes it through sendRendezvous (§4.6). A transport-level
// send failure returns status.Resend rather than status.Fatal: the caller
// (worker.bind's Resend path, most often) is expected to retry through Send
// again, by which point the transport may have recovered or routing may
// have changed.
func (d *Dispatcher) forward(p *parcel.Parcel) status.Status {
	if d.sendLimiter != nil && !d.sendLimiter.Allow() {
		return status.Resend
	}

	buf, err := p.MarshalBinary()
	if err != nil {
		d.log.Error("network: marshalling parcel for send", "addr", log.Addr(uint64(p.Target)), "err", err)
		return status.Fatal
	}

	if d.eagerLimit > 0 && len(buf) > d.eagerLimit {
		return d.sendRendezvous(p)
	}

	if err := d.transport.Send(p.Target.Locality(), d.frame(msgParcel, buf)); err != nil {
		d.log.Warn("network: transport send failed", "addr", log.Addr(uint64(p.Target)), "err", err)
		return status.Resend
	}
	return status.OK
}

// message kinds prefix every byte message this Dispatcher puts on the
// wire, ahead of the frame's own compression flag, distinguishing an
// ordinary eagerly-sent parcel from the four messages of §4.6's rendezvous
// handshake.
const (
	msgParcel         byte = 0
	msgRendezvousReq  byte = 1
	msgRendezvousPull byte = 2
	msgRendezvousData byte = 3
	msgDeleteSource   byte = 4
)

const (
	envelopeRaw    byte = 0
	envelopeSnappy byte = 1
)

// frame prepends kind and then a compression flag ahead of buf, snappy
// compressing the body when it exceeds compressThreshold. Every message
// this Dispatcher sends, eager parcel or rendezvous control message alike,
// goes through this one framing point.
func (d *Dispatcher) frame(kind byte, buf []byte) []byte {
	flag := envelopeRaw
	body := buf
	if d.compressThreshold > 0 && len(buf) > d.compressThreshold {
		body = snappy.Encode(nil, buf)
		flag = envelopeSnappy
	}
	out := make([]byte, 2+len(body))
	out[0] = kind
	out[1] = flag
	copy(out[2:], body)
	return out
}

// unframe reverses frame, decompressing the body when its flag calls for
// it.
func (d *Dispatcher) unframe(raw []byte) (kind byte, body []byte, err error) {
	if len(raw) < 2 {
		return 0, nil, fmt.Errorf("network: short inbound message (%d bytes)", len(raw))
	}
	kind = raw[0]
	body = raw[2:]
	if raw[1] == envelopeSnappy {
		dec, err := snappy.Decode(nil, body)
		if err != nil {
			return 0, nil, fmt.Errorf("network: snappy decode: %w", err)
		}
		body = dec
	}
	return kind, body, nil
}

// registerDMA is §4.6's "register_dma": it hands back a key identifying p
// to a later releaseDMA, keeping p alive (and out of its pool's free-list)
// until the peer receiving it confirms delivery with a delete-source
// command.
func (d *Dispatcher) registerDMA(p *parcel.Parcel) uint64 {
	d.dmaMu.Lock()
	defer d.dmaMu.Unlock()
	d.dmaNext++
	key := d.dmaNext
	d.dmaPending[key] = p
	return key
}

// releaseDMA is §4.6's "release_dma": the peer has confirmed it has its own
// copy of the parcel's bytes, so the source parcel this locality was
// holding onto is freed — returned to its pool if it was pool-acquired, a
// no-op otherwise.
func (d *Dispatcher) releaseDMA(key uint64) {
	d.dmaMu.Lock()
	p, ok := d.dmaPending[key]
	if ok {
		delete(d.dmaPending, key)
	}
	d.dmaMu.Unlock()
	if ok {
		p.Release()
	}
}

// sendRendezvous implements §4.6's oversized-payload path: "the sender
// transmits a short request containing the source pointer, size, and a DMA
// key; the receiver allocates a matching parcel, issues a get-with-
// completion read... and sends a 'delete source parcel' command back".
// p itself is never put on the wire here — only its header and size are —
// so the receiver can decide to pull before any payload bytes move.
func (d *Dispatcher) sendRendezvous(p *parcel.Parcel) status.Status {
	key := d.registerDMA(p)

	header := &parcel.Parcel{
		Target:     p.Target,
		Action:     p.Action,
		ContTarget: p.ContTarget,
		ContAction: p.ContAction,
		PID:        p.PID,
		Credit:     p.Credit,
	}
	headerBuf, err := header.MarshalBinary()
	if err != nil {
		d.releaseDMA(key)
		d.log.Error("network: marshalling rendezvous header", "err", err)
		return status.Fatal
	}

	req := make([]byte, 8+4+len(headerBuf))
	binary.LittleEndian.PutUint64(req[0:8], key)
	binary.LittleEndian.PutUint32(req[8:12], uint32(len(p.Payload)))
	copy(req[12:], headerBuf)

	if err := d.transport.Send(p.Target.Locality(), d.frame(msgRendezvousReq, req)); err != nil {
		d.releaseDMA(key)
		d.log.Warn("network: rendezvous request send failed", "dest", p.Target.Locality(), "err", err)
		return status.Resend
	}
	return status.OK
}

// Probe drains at most n currently-queued inbound messages, returning how
// many it processed. Unlike Progress, which drains until the transport
// reports nothing left, Probe is §4.6's bounded poll point for callers
// that want to make incremental progress on the network without risking an
// unbounded stall if messages keep arriving faster than they're consumed.
func (d *Dispatcher) Probe(n int) int {
	processed := 0
	for processed < n {
		src, raw, ok := d.transport.Recv()
		if !ok {
			break
		}
		if d.recvLimiter != nil && !d.recvLimiter.Allow() {
			d.log.Warn("network: dropping inbound message, recv-limit exceeded", "src", src)
			continue
		}
		d.receiveOne(src, raw)
		processed++
	}
	return processed
}

// FlushOnShutdown is §4.6's flush_on_shutdown: drain whatever is left in
// the inbound queue, then release every parcel still registered for DMA —
// a rendezvous a peer never finished pulling (because that peer is also
// going down) must not hold its source parcel forever.
func (d *Dispatcher) FlushOnShutdown() {
	d.Progress()

	d.dmaMu.Lock()
	pending := d.dmaPending
	d.dmaPending = make(map[uint64]*parcel.Parcel)
	d.dmaMu.Unlock()
	for _, p := range pending {
		p.Release()
	}

	d.rxMu.Lock()
	d.rxPending = make(map[rxKey]bool)
	d.rxMu.Unlock()
}

// Progress polls the transport once for every currently-queued inbound
// message, decodes each into a parcel.Parcel (or a rendezvous control
// message) and dispatches it (§4.3 step 4's "probe inbound", §4.6's
// receive side). Wired as worker.Config.Progress; never called from the
// fast scheduling path.
func (d *Dispatcher) Progress() {
	for {
		src, raw, ok := d.transport.Recv()
		if !ok {
			return
		}
		if d.recvLimiter != nil && !d.recvLimiter.Allow() {
			d.log.Warn("network: dropping inbound message, recv-limit exceeded", "src", src)
			continue
		}
		d.receiveOne(src, raw)
	}
}

func (d *Dispatcher) receiveOne(src uint32, raw []byte) {
	kind, body, err := d.unframe(raw)
	if err != nil {
		d.log.Warn("network: dropping malformed inbound message", "src", src, "err", err)
		return
	}

	switch kind {
	case msgParcel:
		d.receiveParcel(src, body)
	case msgRendezvousReq:
		d.receiveRendezvousReq(src, body)
	case msgRendezvousPull:
		d.receiveRendezvousPull(src, body)
	case msgRendezvousData:
		d.receiveRendezvousData(src, body)
	case msgDeleteSource:
		d.receiveDeleteSource(body)
	default:
		d.log.Warn("network: dropping inbound message of unknown kind", "src", src, "kind", kind)
	}
}

func (d *Dispatcher) receiveParcel(src uint32, buf []byte) {
	var p parcel.Parcel
	if err := p.UnmarshalBinary(buf); err != nil {
		d.log.Error("network: decoding inbound parcel", "src", src, "err", err)
		return
	}
	if d.duplicate(&p) {
		d.log.Debug("network: dropping duplicate parcel", "src", src, "pid", p.PID)
		return
	}
	d.submit(&p)
}

// receiveRendezvousReq is the receiving side of sendRendezvous: it notes
// that src has a parcel of the given size waiting, then immediately pulls
// it — this Dispatcher never defers the pull, since unlike a real DMA
// engine it has no separate allocation step that might fail or stall.
func (d *Dispatcher) receiveRendezvousReq(src uint32, body []byte) {
	if len(body) < 12 {
		d.log.Warn("network: short rendezvous request", "src", src)
		return
	}
	key := binary.LittleEndian.Uint64(body[0:8])

	d.rxMu.Lock()
	d.rxPending[rxKey{src: src, key: key}] = true
	d.rxMu.Unlock()

	pull := make([]byte, 8)
	binary.LittleEndian.PutUint64(pull, key)
	if err := d.transport.Send(src, d.frame(msgRendezvousPull, pull)); err != nil {
		d.log.Warn("network: rendezvous pull send failed", "dest", src, "err", err)
	}
}

// receiveRendezvousPull is the sending side again: a peer has asked for
// the parcel key identifies, so send its full bytes now.
func (d *Dispatcher) receiveRendezvousPull(src uint32, body []byte) {
	if len(body) < 8 {
		d.log.Warn("network: short rendezvous pull", "src", src)
		return
	}
	key := binary.LittleEndian.Uint64(body)

	d.dmaMu.Lock()
	p, ok := d.dmaPending[key]
	d.dmaMu.Unlock()
	if !ok {
		d.log.Warn("network: rendezvous pull for unknown key", "src", src, "key", key)
		return
	}

	buf, err := p.MarshalBinary()
	if err != nil {
		d.log.Error("network: marshalling rendezvous payload", "err", err)
		return
	}

	data := make([]byte, 8+len(buf))
	binary.LittleEndian.PutUint64(data[0:8], key)
	copy(data[8:], buf)

	if err := d.transport.Send(src, d.frame(msgRendezvousData, data)); err != nil {
		d.log.Warn("network: rendezvous data send failed", "dest", src, "err", err)
	}
}

// receiveRendezvousData completes the receiver's half: decode the full
// parcel, submit it locally exactly like an eager parcel, then send the
// delete-source command that frees the sender's copy.
func (d *Dispatcher) receiveRendezvousData(src uint32, body []byte) {
	if len(body) < 8 {
		d.log.Warn("network: short rendezvous data", "src", src)
		return
	}
	key := binary.LittleEndian.Uint64(body[0:8])

	rk := rxKey{src: src, key: key}
	d.rxMu.Lock()
	_, ok := d.rxPending[rk]
	delete(d.rxPending, rk)
	d.rxMu.Unlock()
	if !ok {
		d.log.Warn("network: rendezvous data for unrequested key", "src", src, "key", key)
		return
	}

	var p parcel.Parcel
	if err := p.UnmarshalBinary(body[8:]); err != nil {
		d.log.Error("network: decoding rendezvous payload", "src", src, "err", err)
		return
	}
	if !d.duplicate(&p) {
		d.submit(&p)
	}

	del := make([]byte, 8)
	binary.LittleEndian.PutUint64(del, key)
	if err := d.transport.Send(src, d.frame(msgDeleteSource, del)); err != nil {
		d.log.Warn("network: delete-source send failed", "dest", src, "err", err)
	}
}

func (d *Dispatcher) receiveDeleteSource(body []byte) {
	if len(body) < 8 {
		return
	}
	d.releaseDMA(binary.LittleEndian.Uint64(body))
}

// duplicate reports (and records) whether p's PID has already been seen,
// when dedup is enabled. A bloom filter false positive drops an
// undelivered parcel instead of double-delivering one — acceptable for
// this suppression's purpose (collapsing a transport's own at-least-once
// retries), unlike the credit-based termination count which must never
// lose a parcel.
func (d *Dispatcher) duplicate(p *parcel.Parcel) bool {
	if d.seen == nil {
		return false
	}
	h := bloomfilter.HashBytes(p.PID[:])

	d.seenMu.Lock()
	defer d.seenMu.Unlock()
	if d.seen.Contains(h) {
		return true
	}
	d.seen.Add(h)
	return false
}
