// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Same logical data always
// produces identical bytes.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR.
// Unknown fields are silently ignored for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// time.Time fields (run timestamps) serialize as RFC 3339 text
	// rather than the float epoch default, which survives inspection
	// with external CBOR tooling.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Loom never uses non-string map keys. When the decoder's
		// target is interface{}/any, it must pick a concrete Go map
		// type. The CBOR default is map[interface{}]interface{}
		// (since CBOR allows non-string keys), but that type is
		// incompatible with encoding/json and most Go code that
		// expects map[string]any. This setting only affects any-typed
		// targets; struct field decoding is unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
