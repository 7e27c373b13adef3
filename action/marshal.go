package action

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
)

// DecodeArgs unpacks payload into the argument list this entry's Handler
// expects, per its Args type descriptor. Marshalled actions skip this
// entirely and receive the raw payload as a single []byte argument — see
// Entry.Attrs.
func (e *Entry) DecodeArgs(payload []byte) ([]reflect.Value, error) {
	if e.Attrs.has(Marshalled) {
		return []reflect.Value{reflect.ValueOf(payload)}, nil
	}
	if len(e.Args) == 0 {
		return nil, nil
	}

	dec := gob.NewDecoder(bytes.NewReader(payload))
	out := make([]reflect.Value, len(e.Args))
	for i, t := range e.Args {
		v := reflect.New(t)
		if err := dec.DecodeValue(v.Elem()); err != nil {
			return nil, fmt.Errorf("action %s: decoding argument %d (%s): %w", e.Name, i, t, err)
		}
		out[i] = v.Elem()
	}
	return out, nil
}

// EncodeArgs is the inverse of DecodeArgs: it builds a parcel payload from
// typed Go arguments.
func EncodeArgs(args ...any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for i, a := range args {
		if err := enc.Encode(a); err != nil {
			return nil, fmt.Errorf("action: encoding argument %d (%T): %w", i, a, err)
		}
	}
	return buf.Bytes(), nil
}
