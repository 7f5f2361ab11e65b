// Package codec encodes snapshots for the push channel. JSON is the default
// wire format; viewers may ask for CBOR, which is smaller and cheaper to
// decode on constrained clients.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Format selects a wire encoding.
type Format string

const (
	JSON Format = "json"
	CBOR Format = "cbor"
)

// ParseFormat maps the encoding query parameter to a Format. An empty value
// selects JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", JSON:
		return JSON, nil
	case CBOR:
		return CBOR, nil
	}
	return "", fmt.Errorf("unsupported encoding %q", s)
}

// Binary reports whether frames of this format travel as binary messages.
func (f Format) Binary() bool {
	return f == CBOR
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Snapshot types carry json tags only; fxamacker falls back to them, so
	// the CBOR keys match the JSON field names.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v in the given format.
func Marshal(format Format, v any) ([]byte, error) {
	switch format {
	case JSON:
		return json.Marshal(v)
	case CBOR:
		return encMode.Marshal(v)
	}
	return nil, fmt.Errorf("unsupported encoding %q", format)
}

// Unmarshal decodes data in the given format into v.
func Unmarshal(format Format, data []byte, v any) error {
	switch format {
	case JSON:
		return json.Unmarshal(data, v)
	case CBOR:
		return decMode.Unmarshal(data, v)
	}
	return fmt.Errorf("unsupported encoding %q", format)
}

// Frame wraps an immutable value and caches its encoding per format, so a
// snapshot fanned out to many sessions is encoded once per format.
type Frame struct {
	value any

	mu      sync.Mutex
	encoded map[Format][]byte
}

func NewFrame(value any) *Frame {
	return &Frame{value: value, encoded: make(map[Format][]byte, 2)}
}

// Value returns the wrapped value.
func (f *Frame) Value() any {
	return f.value
}

// Bytes returns the encoding of the frame's value. The returned slice is
// shared and must not be modified.
func (f *Frame) Bytes(format Format) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if data, ok := f.encoded[format]; ok {
		return data, nil
	}
	data, err := Marshal(format, f.value)
	if err != nil {
		return nil, err
	}
	f.encoded[format] = data
	return data, nil
}
