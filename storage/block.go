package storage

import (
	"github.com/cascadedb/cascade/tuple"
)

// DefaultBlockSize is the slab size a table targets per tuple block.
const DefaultBlockSize = 2 * 1024 * 1024

// NumBuckets is the number of occupancy buckets partitioning a table's
// blocks by load, accelerating fullest/lightest selection for compaction.
const NumBuckets = 20

// Block is one fixed-capacity slab of tuple slots with a freelist. A block
// belongs to exactly one bucket at a time; bucket membership is derived
// from its occupancy on demand, never cached, so it cannot drift.
type Block struct {
	id       uint32
	capacity int
	slots    []*tuple.Tuple
	schema   *tuple.Schema

	// freelist of slots below the high-water mark
	freelist []uint32
	// next never-used slot
	used uint32

	active               int
	lastCompactionOffset int
}

// NewBlock sizes a block so capacity*tupleWidth approximates the target
// slab size, with at least two slots.
func NewBlock(id uint32, schema *tuple.Schema, blockSize int) *Block {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	capacity := blockSize / schema.TupleWidth()
	if capacity < 2 {
		capacity = 2
	}
	return &Block{
		id:       id,
		capacity: capacity,
		slots:    make([]*tuple.Tuple, capacity),
		schema:   schema,
	}
}

func (b *Block) ID() uint32    { return b.id }
func (b *Block) Capacity() int { return b.capacity }

// ActiveTuples is the number of occupied slots, including tuples that are
// pending delete but not yet reclaimed.
func (b *Block) ActiveTuples() int { return b.active }

// HasFreeTuples reports whether a slot is available.
func (b *Block) HasFreeTuples() bool {
	return len(b.freelist) > 0 || int(b.used) < b.capacity
}

// IsEmpty reports whether no slot is occupied. Empty blocks are returned to
// the allocator.
func (b *Block) IsEmpty() bool { return b.active == 0 }

// LoadFactor is the fraction of occupied slots.
func (b *Block) LoadFactor() float64 {
	return float64(b.active) / float64(b.capacity)
}

// BucketIndex derives the occupancy bucket from current state.
func (b *Block) BucketIndex() int {
	idx := b.active * NumBuckets / b.capacity
	if idx >= NumBuckets {
		idx = NumBuckets - 1
	}
	return idx
}

// LastCompactionOffset reports how far the last merge into this block got.
func (b *Block) LastCompactionOffset() int { return b.lastCompactionOffset }

func (b *Block) setLastCompactionOffset(off int) { b.lastCompactionOffset = off }

// NextFreeSlot claims a slot and returns its index and tuple storage. The
// returned tuple is reset to all nulls.
func (b *Block) NextFreeSlot() (uint32, *tuple.Tuple, bool) {
	var slot uint32
	switch {
	case len(b.freelist) > 0:
		slot = b.freelist[len(b.freelist)-1]
		b.freelist = b.freelist[:len(b.freelist)-1]
	case int(b.used) < b.capacity:
		slot = b.used
		b.used++
	default:
		return 0, nil, false
	}
	if b.slots[slot] == nil {
		b.slots[slot] = tuple.New(b.schema)
	} else {
		b.slots[slot].Reset()
	}
	b.active++
	return slot, b.slots[slot], true
}

// FreeSlot returns a slot to the freelist. The caller must already have
// released the tuple's out-of-line references and cleared its flags.
func (b *Block) FreeSlot(slot uint32) {
	b.freelist = append(b.freelist, slot)
	b.active--
}

// Tuple returns the tuple in a slot, or nil if it was never used.
func (b *Block) Tuple(slot uint32) *tuple.Tuple {
	if int(slot) >= len(b.slots) {
		return nil
	}
	return b.slots[slot]
}

// ForEachOccupied visits every occupied slot below the high-water mark.
// The callback returns false to stop.
func (b *Block) ForEachOccupied(fn func(slot uint32, t *tuple.Tuple) bool) {
	for i := uint32(0); i < b.used; i++ {
		t := b.slots[i]
		if t == nil || !t.IsActive() {
			continue
		}
		if !fn(i, t) {
			return
		}
	}
}
