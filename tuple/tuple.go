package tuple

const (
	flagActive uint8 = 1 << iota
	flagDirty
	flagPendingDelete
	flagPendingDeleteOnUndoRelease
)

// Tuple is one row: a header byte of flags plus the visible and hidden
// column values. A tuple either occupies a block slot or is a free-standing
// copy (temp tuples, undo images, sink decode targets).
type Tuple struct {
	flags  uint8
	schema *Schema
	values []Value
}

// New creates an all-null tuple of the given schema.
func New(schema *Schema) *Tuple {
	t := &Tuple{schema: schema}
	t.Reset()
	return t
}

// Reset clears the tuple to all nulls and zero flags.
func (t *Tuple) Reset() {
	n := t.schema.ColumnCount() + t.schema.HiddenColumnCount()
	if cap(t.values) < n {
		t.values = make([]Value, n)
	} else {
		t.values = t.values[:n]
	}
	for i := 0; i < t.schema.ColumnCount(); i++ {
		t.values[i] = NullValue(t.schema.Column(i).Type)
	}
	for i := 0; i < t.schema.HiddenColumnCount(); i++ {
		t.values[t.schema.ColumnCount()+i] = NullValue(t.schema.HiddenColumn(i).Type)
	}
	t.flags = 0
}

func (t *Tuple) Schema() *Schema { return t.schema }

// Value returns the i-th visible column value.
func (t *Tuple) Value(i int) Value { return t.values[i] }

// SetValue sets the i-th visible column value.
func (t *Tuple) SetValue(i int, v Value) { t.values[i] = v }

// HiddenValue returns the i-th hidden column value.
func (t *Tuple) HiddenValue(i int) Value {
	return t.values[t.schema.ColumnCount()+i]
}

// SetHiddenValue sets the i-th hidden column value.
func (t *Tuple) SetHiddenValue(i int, v Value) {
	t.values[t.schema.ColumnCount()+i] = v
}

// SizeInValues is the total number of values including hidden columns.
func (t *Tuple) SizeInValues() int { return len(t.values) }

// CopyDataFrom deep-copies all values (visible and hidden) from src,
// leaving flags untouched. Out-of-line payloads are duplicated so the two
// tuples never share backing storage.
func (t *Tuple) CopyDataFrom(src *Tuple) {
	for i := range src.values {
		t.values[i] = src.values[i].Clone()
	}
}

// Clone returns a free-standing deep copy including flags.
func (t *Tuple) Clone() *Tuple {
	c := New(t.schema)
	c.CopyDataFrom(t)
	c.flags = t.flags
	return c
}

// EqualValues compares visible columns, and hidden columns as well when
// includeHidden is set. This is the comparison behind the by-values and
// for-DR lookup modes.
func (t *Tuple) EqualValues(o *Tuple, includeHidden bool) bool {
	n := t.schema.ColumnCount()
	if n != o.schema.ColumnCount() {
		return false
	}
	for i := 0; i < n; i++ {
		if !t.values[i].Equal(o.values[i]) {
			return false
		}
	}
	if !includeHidden {
		return true
	}
	if t.schema.HiddenColumnCount() != o.schema.HiddenColumnCount() {
		return false
	}
	for i := 0; i < t.schema.HiddenColumnCount(); i++ {
		if !t.HiddenValue(i).Equal(o.HiddenValue(i)) {
			return false
		}
	}
	return true
}

// EqualRaw compares every stored value, hidden columns included. This is
// the comparison behind the for-undo lookup mode, locating the exact slot a
// pooled undo image was taken from.
func (t *Tuple) EqualRaw(o *Tuple) bool {
	if len(t.values) != len(o.values) {
		return false
	}
	for i := range t.values {
		if !t.values[i].Equal(o.values[i]) {
			return false
		}
	}
	return true
}

// NonInlinedMemorySize totals the out-of-line bytes referenced by the tuple.
func (t *Tuple) NonInlinedMemorySize() int64 {
	var total int64
	for i := 0; i < t.schema.ColumnCount(); i++ {
		c := t.schema.Column(i)
		if !c.Inlined() {
			total += t.values[i].NonInlinedSize()
		}
	}
	return total
}

// FreeObjectColumns releases out-of-line references by nulling
// variable-width values. Called when a slot returns to the freelist.
func (t *Tuple) FreeObjectColumns() {
	for i := range t.values {
		if t.values[i].Type().Variable() {
			t.values[i] = NullValue(t.values[i].Type())
		}
	}
}

func (t *Tuple) IsActive() bool { return t.flags&flagActive != 0 }
func (t *Tuple) SetActive(v bool) {
	if v {
		t.flags |= flagActive
	} else {
		t.flags &^= flagActive
	}
}

func (t *Tuple) IsDirty() bool { return t.flags&flagDirty != 0 }
func (t *Tuple) SetDirty(v bool) {
	if v {
		t.flags |= flagDirty
	} else {
		t.flags &^= flagDirty
	}
}

func (t *Tuple) IsPendingDelete() bool { return t.flags&flagPendingDelete != 0 }
func (t *Tuple) SetPendingDelete(v bool) {
	if v {
		t.flags |= flagPendingDelete
	} else {
		t.flags &^= flagPendingDelete
	}
}

func (t *Tuple) IsPendingDeleteOnUndoRelease() bool {
	return t.flags&flagPendingDeleteOnUndoRelease != 0
}
func (t *Tuple) SetPendingDeleteOnUndoRelease(v bool) {
	if v {
		t.flags |= flagPendingDeleteOnUndoRelease
	} else {
		t.flags &^= flagPendingDeleteOnUndoRelease
	}
}

// ExportValues converts the tuple into the plain Go slice carried in a DR
// row image: visible columns in order, then hidden columns when
// includeHidden is set. When cols is non-nil only those visible columns are
// exported (index-key records).
func (t *Tuple) ExportValues(cols []int, includeHidden bool) []interface{} {
	if cols != nil {
		out := make([]interface{}, 0, len(cols))
		for _, i := range cols {
			out = append(out, t.values[i].Export())
		}
		return out
	}
	n := t.schema.ColumnCount()
	total := n
	if includeHidden {
		total += t.schema.HiddenColumnCount()
	}
	out := make([]interface{}, 0, total)
	for i := 0; i < n; i++ {
		out = append(out, t.values[i].Export())
	}
	if includeHidden {
		for i := 0; i < t.schema.HiddenColumnCount(); i++ {
			out = append(out, t.HiddenValue(i).Export())
		}
	}
	return out
}

// ImportValues fills the tuple from a decoded DR row image produced by
// ExportValues with the same arguments.
func (t *Tuple) ImportValues(vals []interface{}, cols []int, includeHidden bool) error {
	if cols != nil {
		for j, i := range cols {
			v, err := Import(t.schema.Column(i).Type, vals[j])
			if err != nil {
				return err
			}
			t.values[i] = v
		}
		return nil
	}
	n := t.schema.ColumnCount()
	for i := 0; i < n && i < len(vals); i++ {
		v, err := Import(t.schema.Column(i).Type, vals[i])
		if err != nil {
			return err
		}
		t.values[i] = v
	}
	if includeHidden {
		for i := 0; i < t.schema.HiddenColumnCount() && n+i < len(vals); i++ {
			v, err := Import(t.schema.HiddenColumn(i).Type, vals[n+i])
			if err != nil {
				return err
			}
			t.SetHiddenValue(i, v)
		}
	}
	return nil
}
