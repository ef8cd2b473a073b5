// Package encoding provides centralized serialization/deserialization for
// cascade. ALL msgpack operations MUST go through this package so every row
// image on the DR wire is produced and consumed with identical settings.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
//
// Type Preservation: When decoding into interface{}, msgpack strings decode
// as Go strings (not []byte). Row images distinguish VARCHAR from VARBINARY
// by column type, so the coercion layer above this package relies on strings
// staying strings across a round trip.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings
// (not []byte). Byte-exact DR replay depends on this: a VARCHAR column that
// came back as []byte would re-encode differently on the replica.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
