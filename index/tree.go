package index

import (
	"strings"

	"github.com/google/btree"

	"github.com/cascadedb/cascade/tuple"
)

type treeEntry struct {
	key  string
	addr Addr
}

func treeLess(a, b treeEntry) bool {
	if c := strings.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.addr.Less(b.addr)
}

// TreeIndex is a btree-backed ordered index supporting key-order iteration.
type TreeIndex struct {
	scheme    Scheme
	outOfLine bool
	width     int
	tree      *btree.BTreeG[treeEntry]
}

// NewTreeIndex creates an ordered index over the schema.
func NewTreeIndex(scheme Scheme, schema *tuple.Schema) *TreeIndex {
	return &TreeIndex{
		scheme:    scheme,
		outOfLine: keyUsesOutOfLine(scheme, schema),
		width:     keyWidth(scheme, schema),
		tree:      btree.NewG[treeEntry](16, treeLess),
	}
}

func (x *TreeIndex) Name() string           { return x.scheme.Name }
func (x *TreeIndex) Unique() bool           { return x.scheme.Unique }
func (x *TreeIndex) Partial() bool          { return x.scheme.Partial() }
func (x *TreeIndex) ColumnIndices() []int   { return x.scheme.ColumnIndices }
func (x *TreeIndex) KeyUsesOutOfLine() bool { return x.outOfLine }
func (x *TreeIndex) KeyWidth() int          { return x.width }
func (x *TreeIndex) Len() int               { return x.tree.Len() }

func (x *TreeIndex) covered(t *tuple.Tuple) bool {
	return x.scheme.Predicate == nil || x.scheme.Predicate(t)
}

// firstWithKey returns the first entry matching key, if any.
func (x *TreeIndex) firstWithKey(key string) (treeEntry, bool) {
	var found treeEntry
	ok := false
	x.tree.AscendGreaterOrEqual(treeEntry{key: key}, func(e treeEntry) bool {
		if e.key == key {
			found, ok = e, true
		}
		return false
	})
	return found, ok
}

func (x *TreeIndex) Add(t *tuple.Tuple, addr Addr) (Addr, bool) {
	if !x.covered(t) {
		return InvalidAddr, true
	}
	key := keyOf(x.scheme, t)
	if x.scheme.Unique {
		if existing, found := x.firstWithKey(key); found {
			return existing.addr, false
		}
	}
	x.tree.ReplaceOrInsert(treeEntry{key: key, addr: addr})
	return InvalidAddr, true
}

func (x *TreeIndex) DeleteEntry(t *tuple.Tuple, addr Addr) bool {
	if !x.covered(t) {
		return true
	}
	key := keyOf(x.scheme, t)
	_, found := x.tree.Delete(treeEntry{key: key, addr: addr})
	return found
}

func (x *TreeIndex) Exists(t *tuple.Tuple) bool {
	if !x.covered(t) {
		return false
	}
	_, found := x.firstWithKey(keyOf(x.scheme, t))
	return found
}

func (x *TreeIndex) CheckForIndexChange(oldTuple, newTuple *tuple.Tuple) bool {
	return indexChanged(x.scheme, oldTuple, newTuple)
}

func (x *TreeIndex) UniqueMatchingTuple(t *tuple.Tuple) (Addr, bool) {
	e, found := x.firstWithKey(keyOf(x.scheme, t))
	return e.addr, found
}

func (x *TreeIndex) ReplaceEntryNoKeyChange(t *tuple.Tuple, newAddr, oldAddr Addr) bool {
	if !x.covered(t) {
		return true
	}
	key := keyOf(x.scheme, t)
	if _, found := x.tree.Delete(treeEntry{key: key, addr: oldAddr}); !found {
		return false
	}
	x.tree.ReplaceOrInsert(treeEntry{key: key, addr: newAddr})
	return true
}

// Ascend iterates entries in key order. The callback returns false to stop.
func (x *TreeIndex) Ascend(fn func(addr Addr) bool) {
	x.tree.Ascend(func(e treeEntry) bool {
		return fn(e.addr)
	})
}
