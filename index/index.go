// Package index implements the table index variants: hash maps for point
// lookup and btree-backed ordered indexes for key-order iteration. Indexes
// reference rows by stable (block, slot) addresses, never by pointer, so
// block compaction can move tuples and rewrite entries without invalidating
// the structures.
package index

import (
	"github.com/cascadedb/cascade/tuple"
)

// Addr is a stable reference to a tuple slot: block id plus slot index.
type Addr struct {
	Block uint32
	Slot  uint32
}

// InvalidAddr is the zero reference.
var InvalidAddr = Addr{Block: ^uint32(0), Slot: ^uint32(0)}

// Valid reports whether the address references a slot.
func (a Addr) Valid() bool { return a != InvalidAddr }

// Less orders addresses for deterministic iteration of equal keys.
func (a Addr) Less(b Addr) bool {
	if a.Block != b.Block {
		return a.Block < b.Block
	}
	return a.Slot < b.Slot
}

// Scheme declares an index over a table schema.
type Scheme struct {
	Name          string
	Unique        bool
	Ordered       bool
	ColumnIndices []int

	// Predicate marks a partial index: only tuples satisfying it are
	// indexed. Partial indexes are never used as DR keys.
	Predicate func(*tuple.Tuple) bool
}

// Partial reports whether the scheme declares a partial index.
func (s Scheme) Partial() bool { return s.Predicate != nil }

// Index is one table index. All implementations store (encoded key -> Addr)
// entries and leave tuple storage to the table.
type Index interface {
	Name() string
	Unique() bool
	Partial() bool
	ColumnIndices() []int

	// KeyUsesOutOfLine reports whether any indexed column stores its data
	// out of line. Such indexes must always be probed on update because key
	// equality cannot be decided from the inline image alone.
	KeyUsesOutOfLine() bool

	// KeyWidth is the inline width of the key tuple, used to pick the
	// smallest unique index for DR keys.
	KeyWidth() int

	// Add inserts an entry for the tuple at addr. On a unique conflict it
	// returns the conflicting address and false, leaving the index
	// unchanged. Tuples failing a partial predicate are skipped with ok.
	Add(t *tuple.Tuple, addr Addr) (conflict Addr, ok bool)

	// DeleteEntry removes the entry for the tuple at addr.
	DeleteEntry(t *tuple.Tuple, addr Addr) bool

	// Exists reports whether any entry matches the tuple's key.
	Exists(t *tuple.Tuple) bool

	// CheckForIndexChange reports whether the indexed columns differ
	// between the old and new images.
	CheckForIndexChange(oldTuple, newTuple *tuple.Tuple) bool

	// UniqueMatchingTuple returns the address stored under the tuple's key.
	UniqueMatchingTuple(t *tuple.Tuple) (Addr, bool)

	// ReplaceEntryNoKeyChange rewrites the address stored for the tuple
	// from oldAddr to newAddr without touching the key. Compaction uses
	// this when it moves a tuple between blocks.
	ReplaceEntryNoKeyChange(t *tuple.Tuple, newAddr, oldAddr Addr) bool

	// Len is the number of entries.
	Len() int
}

// New builds the index variant the scheme asks for.
func New(scheme Scheme, schema *tuple.Schema) Index {
	if scheme.Ordered {
		return NewTreeIndex(scheme, schema)
	}
	return NewHashIndex(scheme, schema)
}

// keyOf encodes the projection of the scheme's columns into a comparable
// byte key.
func keyOf(scheme Scheme, t *tuple.Tuple) string {
	var buf []byte
	for _, i := range scheme.ColumnIndices {
		buf = t.Value(i).AppendKey(buf)
	}
	return string(buf)
}

func keyUsesOutOfLine(scheme Scheme, schema *tuple.Schema) bool {
	for _, i := range scheme.ColumnIndices {
		if !schema.Column(i).Inlined() {
			return true
		}
	}
	return false
}

func keyWidth(scheme Scheme, schema *tuple.Schema) int {
	w := 0
	for _, i := range scheme.ColumnIndices {
		c := schema.Column(i)
		if !c.Type.Variable() {
			w += c.Type.FixedWidth()
		} else if c.Inlined() {
			w += int(c.Length) + 1
		} else {
			w += 8
		}
	}
	return w
}

func indexChanged(scheme Scheme, oldTuple, newTuple *tuple.Tuple) bool {
	for _, i := range scheme.ColumnIndices {
		if !oldTuple.Value(i).Equal(newTuple.Value(i)) {
			return true
		}
	}
	if scheme.Predicate != nil {
		if scheme.Predicate(oldTuple) != scheme.Predicate(newTuple) {
			return true
		}
	}
	return false
}
