package schema

import (
	"encoding/json"
	"fmt"
)

// Decode turns raw payload bytes into a structured record using the
// descriptor's binary format. Pure function of (descriptor, bytes):
// stateless, reentrant, safe to call concurrently with a shared
// descriptor. Malformed, mismatched, or truncated input fails; nothing
// is silently truncated or defaulted.
func Decode(d *Descriptor, raw []byte) (map[string]any, error) {
	native, rest, err := d.codec.NativeFromBinary(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: schema %s: %v", ErrDecode, d.ID, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: schema %s: %d trailing bytes", ErrDecode, d.ID, len(rest))
	}
	record, ok := native.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: schema %s: payload is %T, not a record", ErrDecode, d.ID, native)
	}
	return record, nil
}

// DecodeJSON decodes raw bytes and renders the record as JSON, the form
// the persistence sink stores.
func DecodeJSON(d *Descriptor, raw []byte) ([]byte, error) {
	record, err := Decode(d, raw)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("%w: schema %s: render: %v", ErrDecode, d.ID, err)
	}
	return out, nil
}
