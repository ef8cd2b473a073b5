package id

import "github.com/cascadedb/cascade/hlc"

// Generator provides transaction unique ids. IDs are unique across
// partitions and roughly time-ordered.
type Generator interface {
	NextUniqueID(partitionID int32) int64
}

// HLCGenerator generates unique ids from the Hybrid Logical Clock.
// Thread-safe via the clock's internal mutex.
type HLCGenerator struct {
	clock *hlc.Clock
}

// NewHLCGenerator creates an id generator backed by the given clock.
func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextUniqueID generates a unique id bound to a partition.
// See hlc.Timestamp.ToUniqueID for the bit allocation.
func (g *HLCGenerator) NextUniqueID(partitionID int32) int64 {
	return g.clock.Now().ToUniqueID(partitionID)
}
