package common

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Hashinator maps a partition-column value to the partition hash carried on
// DR hash delimiters and used to validate row placement.
type Hashinator interface {
	// Hashinate returns the partition hash for an already key-encoded
	// partition-column value.
	Hashinate(key []byte) int64

	// PartitionForHash maps a partition hash to a partition id given the
	// current partition count.
	PartitionForHash(hash int64, partitionCount int32) int32
}

// XXHashinator hashes partition-column values with xxhash64. All clusters
// exchanging DR streams must agree on the hashinator, so the seed is fixed.
type XXHashinator struct{}

func (XXHashinator) Hashinate(key []byte) int64 {
	return int64(xxhash.Sum64(key))
}

func (XXHashinator) PartitionForHash(hash int64, partitionCount int32) int32 {
	if partitionCount <= 0 {
		return 0
	}
	u := uint64(hash)
	return int32(u % uint64(partitionCount))
}

// HashinateInt64 is a convenience for integer partition columns.
func HashinateInt64(h Hashinator, v int64) int64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return h.Hashinate(buf[:])
}

// HashinateFloat64 hashes a float partition value through its IEEE bits.
func HashinateFloat64(h Hashinator, v float64) int64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	return h.Hashinate(buf[:])
}
