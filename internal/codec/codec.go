// Package codec serialises persisted reporter state as CBOR inside a small
// versioned envelope. Decoding ignores unknown fields and leaves missing
// ones at their zero value, so older and newer builds can read each
// other's blobs.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrDecode wraps any failure to read a persisted blob.
var ErrDecode = errors.New("codec: cannot decode blob")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// decoded JSON-like payloads (configuration objects) need string keys
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type envelope struct {
	Version int             `cbor:"v"`
	Payload cbor.RawMessage `cbor:"p"`
}

// Encode wraps v in an envelope tagged with the schema version.
func Encode(version int, v any) ([]byte, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode payload: %w", err)
	}
	return encMode.Marshal(envelope{Version: version, Payload: payload})
}

// Decode unwraps an envelope into v and returns its schema version.
func Decode(data []byte, v any) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty", ErrDecode)
	}
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(env.Payload) == 0 {
		return env.Version, fmt.Errorf("%w: missing payload", ErrDecode)
	}
	if err := decMode.Unmarshal(env.Payload, v); err != nil {
		return env.Version, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return env.Version, nil
}
