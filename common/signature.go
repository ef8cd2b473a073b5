package common

import (
	"encoding/binary"
	"encoding/hex"
)

// SignatureSize is the size of a catalog-assigned table identity.
const SignatureSize = 20

// Signature is the opaque 20-byte identifier the catalog assigns to a table.
// It routes incoming DR records to the right table on a replica. Row records
// on the wire carry only the 8-byte hash prefix.
type Signature [SignatureSize]byte

// SignatureFromBytes copies up to SignatureSize bytes into a Signature.
func SignatureFromBytes(b []byte) Signature {
	var s Signature
	copy(s[:], b)
	return s
}

// SignatureFromHash builds a signature whose routing hash equals the given
// value. Convenient for tests and catalogs that key tables by an int64
// handle.
func SignatureFromHash(h int64) Signature {
	var s Signature
	binary.BigEndian.PutUint64(s[:8], uint64(h))
	return s
}

// Hash returns the 8-byte routing prefix of the signature as an int64,
// which is what row records carry on the wire.
func (s Signature) Hash() int64 {
	return int64(binary.BigEndian.Uint64(s[:8]))
}

func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}
