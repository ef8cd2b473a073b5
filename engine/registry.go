package engine

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/cascadedb/cascade/storage"
)

// StreamRegistry holds the per-partition DR streams. Each stream is only
// ever driven by its own partition executor, but registration and lookup
// happen from any executor, so the map itself is concurrent.
type StreamRegistry struct {
	streams *xsync.MapOf[int32, storage.TupleStream]
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: xsync.NewMapOf[int32, storage.TupleStream]()}
}

// Register installs the stream for a partition.
func (r *StreamRegistry) Register(partitionID int32, s storage.TupleStream) {
	r.streams.Store(partitionID, s)
}

// Get returns the stream for a partition, or nil.
func (r *StreamRegistry) Get(partitionID int32) storage.TupleStream {
	s, _ := r.streams.Load(partitionID)
	return s
}

// Range visits every registered stream.
func (r *StreamRegistry) Range(fn func(partitionID int32, s storage.TupleStream) bool) {
	r.streams.Range(fn)
}
