package dr

import (
	"fmt"

	"github.com/cascadedb/cascade/encoding"
	"github.com/cascadedb/cascade/tuple"
)

// Row images on the wire are msgpack-encoded value arrays: visible columns
// in schema order, then hidden columns. Index-key records carry only the
// key columns, in index column order, and never hidden columns.

// EncodeRowImage serializes a full row image including hidden columns.
func EncodeRowImage(t *tuple.Tuple) ([]byte, error) {
	return encoding.Marshal(t.ExportValues(nil, true))
}

// EncodeKeyImage serializes the projection of the given columns.
func EncodeKeyImage(t *tuple.Tuple, cols []int) ([]byte, error) {
	return encoding.Marshal(t.ExportValues(cols, false))
}

// DecodeRowImage fills target from a full row image.
func DecodeRowImage(target *tuple.Tuple, data []byte) error {
	var vals []interface{}
	if err := encoding.Unmarshal(data, &vals); err != nil {
		return fmt.Errorf("dr: failed to decode row image: %w", err)
	}
	return target.ImportValues(vals, nil, true)
}

// DecodeKeyImage fills only the given columns of target from a key image.
func DecodeKeyImage(target *tuple.Tuple, data []byte, cols []int) error {
	var vals []interface{}
	if err := encoding.Unmarshal(data, &vals); err != nil {
		return fmt.Errorf("dr: failed to decode key image: %w", err)
	}
	if len(vals) != len(cols) {
		return fmt.Errorf("dr: key image has %d values, index has %d columns", len(vals), len(cols))
	}
	return target.ImportValues(vals, cols, false)
}
