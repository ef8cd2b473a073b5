package tuple

// InlineThreshold is the largest declared length at which a variable-width
// column is stored inline in the slot rather than out of line.
const InlineThreshold = 63

// Column describes one column of a schema.
type Column struct {
	Name      string
	Type      Type
	Length    int32 // declared max length for variable-width types
	AllowNull bool
}

// Inlined reports whether values of this column live inside the block slot.
func (c Column) Inlined() bool {
	if !c.Type.Variable() {
		return true
	}
	return c.Length <= InlineThreshold
}

// Schema is an immutable column layout: visible columns followed by hidden
// columns. Hidden columns never participate in user-level value comparison.
type Schema struct {
	columns []Column
	hidden  []Column
	width   int
}

// NewSchema creates a schema with no hidden columns.
func NewSchema(columns []Column) *Schema {
	return NewSchemaWithHidden(columns, nil)
}

// NewSchemaWithHidden creates a schema whose hidden columns are appended
// after the visible image.
func NewSchemaWithHidden(columns, hidden []Column) *Schema {
	s := &Schema{
		columns: append([]Column(nil), columns...),
		hidden:  append([]Column(nil), hidden...),
	}
	for _, c := range s.columns {
		s.width += columnWidth(c)
	}
	for _, c := range s.hidden {
		s.width += columnWidth(c)
	}
	// header byte
	s.width++
	return s
}

func columnWidth(c Column) int {
	if !c.Type.Variable() {
		return c.Type.FixedWidth()
	}
	if c.Inlined() {
		return int(c.Length) + 1
	}
	return 8
}

func (s *Schema) ColumnCount() int       { return len(s.columns) }
func (s *Schema) HiddenColumnCount() int { return len(s.hidden) }

func (s *Schema) Column(i int) Column       { return s.columns[i] }
func (s *Schema) HiddenColumn(i int) Column { return s.hidden[i] }

// Columns returns a copy of the visible column list.
func (s *Schema) Columns() []Column {
	return append([]Column(nil), s.columns...)
}

// TupleWidth is the approximate inline footprint of one slot, used for block
// sizing and load accounting.
func (s *Schema) TupleWidth() int { return s.width }

// UninlinedColumnCount counts visible columns stored out of line.
func (s *Schema) UninlinedColumnCount() int {
	n := 0
	for _, c := range s.columns {
		if !c.Inlined() {
			n++
		}
	}
	return n
}

// EqualLayout reports whether two schemas have identical column layouts.
func (s *Schema) EqualLayout(o *Schema) bool {
	if len(s.columns) != len(o.columns) || len(s.hidden) != len(o.hidden) {
		return false
	}
	for i := range s.columns {
		if s.columns[i].Type != o.columns[i].Type || s.columns[i].Length != o.columns[i].Length {
			return false
		}
	}
	for i := range s.hidden {
		if s.hidden[i].Type != o.hidden[i].Type || s.hidden[i].Length != o.hidden[i].Length {
			return false
		}
	}
	return true
}
