package index

import "github.com/cascadedb/cascade/tuple"

// HashIndex is a map-backed index for point lookup. No key-order iteration.
type HashIndex struct {
	scheme     Scheme
	outOfLine  bool
	width      int
	uniqueMap  map[string]Addr
	multiMap   map[string]map[Addr]struct{}
	entryCount int
}

// NewHashIndex creates a hash index over the schema.
func NewHashIndex(scheme Scheme, schema *tuple.Schema) *HashIndex {
	h := &HashIndex{
		scheme:    scheme,
		outOfLine: keyUsesOutOfLine(scheme, schema),
		width:     keyWidth(scheme, schema),
	}
	if scheme.Unique {
		h.uniqueMap = make(map[string]Addr)
	} else {
		h.multiMap = make(map[string]map[Addr]struct{})
	}
	return h
}

func (h *HashIndex) Name() string           { return h.scheme.Name }
func (h *HashIndex) Unique() bool           { return h.scheme.Unique }
func (h *HashIndex) Partial() bool          { return h.scheme.Partial() }
func (h *HashIndex) ColumnIndices() []int   { return h.scheme.ColumnIndices }
func (h *HashIndex) KeyUsesOutOfLine() bool { return h.outOfLine }
func (h *HashIndex) KeyWidth() int          { return h.width }
func (h *HashIndex) Len() int               { return h.entryCount }

func (h *HashIndex) covered(t *tuple.Tuple) bool {
	return h.scheme.Predicate == nil || h.scheme.Predicate(t)
}

func (h *HashIndex) Add(t *tuple.Tuple, addr Addr) (Addr, bool) {
	if !h.covered(t) {
		return InvalidAddr, true
	}
	key := keyOf(h.scheme, t)
	if h.scheme.Unique {
		if existing, found := h.uniqueMap[key]; found {
			return existing, false
		}
		h.uniqueMap[key] = addr
		h.entryCount++
		return InvalidAddr, true
	}
	set := h.multiMap[key]
	if set == nil {
		set = make(map[Addr]struct{})
		h.multiMap[key] = set
	}
	set[addr] = struct{}{}
	h.entryCount++
	return InvalidAddr, true
}

func (h *HashIndex) DeleteEntry(t *tuple.Tuple, addr Addr) bool {
	if !h.covered(t) {
		return true
	}
	key := keyOf(h.scheme, t)
	if h.scheme.Unique {
		if existing, found := h.uniqueMap[key]; found && existing == addr {
			delete(h.uniqueMap, key)
			h.entryCount--
			return true
		}
		return false
	}
	set := h.multiMap[key]
	if set == nil {
		return false
	}
	if _, found := set[addr]; !found {
		return false
	}
	delete(set, addr)
	if len(set) == 0 {
		delete(h.multiMap, key)
	}
	h.entryCount--
	return true
}

func (h *HashIndex) Exists(t *tuple.Tuple) bool {
	if !h.covered(t) {
		return false
	}
	key := keyOf(h.scheme, t)
	if h.scheme.Unique {
		_, found := h.uniqueMap[key]
		return found
	}
	return len(h.multiMap[key]) > 0
}

func (h *HashIndex) CheckForIndexChange(oldTuple, newTuple *tuple.Tuple) bool {
	return indexChanged(h.scheme, oldTuple, newTuple)
}

func (h *HashIndex) UniqueMatchingTuple(t *tuple.Tuple) (Addr, bool) {
	key := keyOf(h.scheme, t)
	if h.scheme.Unique {
		addr, found := h.uniqueMap[key]
		return addr, found
	}
	// Fall back to an arbitrary-but-deterministic match for non-unique use.
	set := h.multiMap[key]
	best, found := InvalidAddr, false
	for addr := range set {
		if !found || addr.Less(best) {
			best, found = addr, true
		}
	}
	return best, found
}

func (h *HashIndex) ReplaceEntryNoKeyChange(t *tuple.Tuple, newAddr, oldAddr Addr) bool {
	if !h.covered(t) {
		return true
	}
	key := keyOf(h.scheme, t)
	if h.scheme.Unique {
		if existing, found := h.uniqueMap[key]; found && existing == oldAddr {
			h.uniqueMap[key] = newAddr
			return true
		}
		return false
	}
	set := h.multiMap[key]
	if set == nil {
		return false
	}
	if _, found := set[oldAddr]; !found {
		return false
	}
	delete(set, oldAddr)
	set[newAddr] = struct{}{}
	return true
}
