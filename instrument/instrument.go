// Package instrument is the runtime's trace sink: an append-only stream of
// fixed-size 40-byte records (epoch timestamp plus four uint64 words),
// written through a rotating file the same way the teacher's own log
// package can hand a locality's structured logger a rotating file handle
// (§6 "Exit codes / persisted state": "Trace logs are append-only files of
// fixed-size records").
package instrument

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RecordSize is the fixed on-disk width of one Record: an 8-byte
// UnixNano timestamp followed by four 8-byte words.
const RecordSize = 8 + 4*8

// Class identifies what kind of event a Record describes. Values below
// 1000 are reserved for the runtime's own well-known event kinds (by
// analogy with action.ID's 1-999 reservation for built-in actions);
// application-defined trace points start at 1000.
type Class uint64

const (
	// EventParcelSend fires when a parcel is handed to the network
	// dispatcher, local or remote (§2 "Data flow (submission path)").
	EventParcelSend Class = iota + 1
	// EventParcelRecv fires when a parcel is decoded off the transport
	// and handed to the local scheduler (§2 "On the receive side").
	EventParcelRecv
	// EventThreadYield fires on every thread.Thread context switch —
	// Yield, Suspend, or a handler returning (§2 "Control flow").
	EventThreadYield
	// EventLCOSignal fires when an LCO's Set/Error wakes at least one
	// parked thread (§4.3 "Signal").
	EventLCOSignal
)

// Record is one 40-byte trace entry. The four words' meaning is
// Class-dependent; e.g. for EventParcelSend, Class is the event kind, W1
// is the target locality, W2 is the packed target gas.Addr, and W3 is the
// action id — callers construct Records with whatever words their event
// kind defines rather than this package prescribing a single layout for
// every Class.
type Record struct {
	TimestampNanos int64
	Class          Class
	W1, W2, W3     uint64
}

// MarshalBinary encodes r as RecordSize little-endian bytes.
func (r Record) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.TimestampNanos))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Class))
	binary.LittleEndian.PutUint64(buf[16:24], r.W1)
	binary.LittleEndian.PutUint64(buf[24:32], r.W2)
	binary.LittleEndian.PutUint64(buf[32:40], r.W3)
	return buf, nil
}

// UnmarshalBinary decodes a RecordSize-byte slice produced by
// MarshalBinary back into r.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return fmt.Errorf("instrument: record is %d bytes, want %d", len(data), RecordSize)
	}
	r.TimestampNanos = int64(binary.LittleEndian.Uint64(data[0:8]))
	r.Class = Class(binary.LittleEndian.Uint64(data[8:16]))
	r.W1 = binary.LittleEndian.Uint64(data[16:24])
	r.W3 = binary.LittleEndian.Uint64(data[32:40])
	r.W2 = binary.LittleEndian.Uint64(data[24:32])
	return nil
}

// Config controls the rotating file a Sink writes through.
type Config struct {
	// Path is the trace file's path. Required.
	Path string
	// MaxSizeMB is the size, in megabytes, a trace file may reach before
	// lumberjack rotates it. Zero uses lumberjack's own default (100MB).
	MaxSizeMB int
	// MaxBackups bounds how many rotated files lumberjack retains;
	// zero keeps all of them.
	MaxBackups int
	// Compress gzips rotated-out trace files.
	Compress bool
}

// Sink is a concurrency-safe append-only writer of Records, backed by a
// lumberjack.Logger for rotation. Multiple workers may Emit concurrently;
// each call is serialized behind one mutex, matching the single append-
// point discipline any rotating-file writer needs regardless of language.
type Sink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// Open constructs a Sink writing through a rotating file at cfg.Path.
func Open(cfg Config) (*Sink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("instrument: Config.Path is required")
	}
	return &Sink{
		w: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		},
	}, nil
}

// Emit appends r as one RecordSize-byte entry.
func (s *Sink) Emit(r Record) error {
	buf, _ := r.MarshalBinary()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(buf)
	return err
}

// Close flushes and closes the underlying rotating file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}

// discard is the Sink a locality gets when tracing isn't configured at
// all — Emit is then a pure no-op rather than every call site needing a
// nil check.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }

// Discard returns a Sink that drops every Record, for localities booted
// without a trace Config.
func Discard() *Sink { return &Sink{w: discard{}} }

// ReadAll decodes every RecordSize-byte entry from r in order, the
// reciprocal of Sink.Emit for offline trace analysis. A trailing partial
// record (a trace file truncated mid-write by a crash) is reported as an
// error rather than silently dropped.
func ReadAll(r io.Reader) ([]Record, error) {
	var records []Record
	buf := make([]byte, RecordSize)
	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			return records, nil
		}
		if err == io.ErrUnexpectedEOF {
			return records, fmt.Errorf("instrument: trailing %d-byte partial record", n)
		}
		if err != nil {
			return records, err
		}
		var rec Record
		if err := rec.UnmarshalBinary(buf); err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}
