// Package tuple implements the row data model: typed values, schemas with
// visible and hidden columns, and tuples that live in block slots.
package tuple

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Type enumerates the column types the engine stores.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeTinyInt
	TypeSmallInt
	TypeInteger
	TypeBigInt
	TypeDouble
	TypeDecimal
	TypeTimestamp
	TypeVarchar
	TypeVarbinary
)

func (t Type) String() string {
	switch t {
	case TypeTinyInt:
		return "TINYINT"
	case TypeSmallInt:
		return "SMALLINT"
	case TypeInteger:
		return "INTEGER"
	case TypeBigInt:
		return "BIGINT"
	case TypeDouble:
		return "DOUBLE"
	case TypeDecimal:
		return "DECIMAL"
	case TypeTimestamp:
		return "TIMESTAMP"
	case TypeVarchar:
		return "VARCHAR"
	case TypeVarbinary:
		return "VARBINARY"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Variable reports whether the type stores variable-width data that may live
// out of line.
func (t Type) Variable() bool {
	return t == TypeVarchar || t == TypeVarbinary || t == TypeDecimal
}

// FixedWidth returns the inline storage width of a fixed-width type.
func (t Type) FixedWidth() int {
	switch t {
	case TypeTinyInt:
		return 1
	case TypeSmallInt:
		return 2
	case TypeInteger:
		return 4
	case TypeBigInt, TypeTimestamp, TypeDouble:
		return 8
	default:
		return 8
	}
}

// Value is a tagged column value. The zero Value is invalid; use the
// constructors or NullValue.
type Value struct {
	typ  Type
	null bool
	i64  int64
	f64  float64
	str  string
	bin  []byte
}

func TinyIntValue(v int8) Value    { return Value{typ: TypeTinyInt, i64: int64(v)} }
func SmallIntValue(v int16) Value  { return Value{typ: TypeSmallInt, i64: int64(v)} }
func IntegerValue(v int32) Value   { return Value{typ: TypeInteger, i64: int64(v)} }
func BigIntValue(v int64) Value    { return Value{typ: TypeBigInt, i64: v} }
func DoubleValue(v float64) Value  { return Value{typ: TypeDouble, f64: v} }
func TimestampValue(v int64) Value { return Value{typ: TypeTimestamp, i64: v} }
func StringValue(v string) Value   { return Value{typ: TypeVarchar, str: v} }
func DecimalValue(v string) Value  { return Value{typ: TypeDecimal, str: v} }
func BinaryValue(v []byte) Value   { return Value{typ: TypeVarbinary, bin: v} }

// NullValue returns the null of the given type.
func NullValue(t Type) Value {
	return Value{typ: t, null: true}
}

func (v Value) Type() Type   { return v.typ }
func (v Value) IsNull() bool { return v.null || v.typ == TypeInvalid }

// Int64 returns the integer payload of an integral or timestamp value.
func (v Value) Int64() int64 { return v.i64 }

// Float64 returns the payload of a double value.
func (v Value) Float64() float64 { return v.f64 }

// Str returns the payload of a varchar or decimal value.
func (v Value) Str() string { return v.str }

// Bytes returns the payload of a varbinary value.
func (v Value) Bytes() []byte { return v.bin }

// Equal reports deep equality including type and nullness.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	if v.IsNull() || o.IsNull() {
		return v.IsNull() == o.IsNull()
	}
	switch v.typ {
	case TypeDouble:
		return v.f64 == o.f64
	case TypeVarchar, TypeDecimal:
		return v.str == o.str
	case TypeVarbinary:
		return bytes.Equal(v.bin, o.bin)
	default:
		return v.i64 == o.i64
	}
}

// Clone deep-copies the value. Out-of-line payloads get their own backing
// array so a cloned tuple never aliases block storage.
func (v Value) Clone() Value {
	if v.bin != nil {
		v.bin = append([]byte(nil), v.bin...)
	}
	return v
}

// StorageSize is the inline footprint of the value in a block slot.
// Out-of-line payloads count a reference word inline.
func (v Value) StorageSize() int {
	if v.typ.Variable() {
		return 8
	}
	return v.typ.FixedWidth()
}

// NonInlinedSize is the out-of-line footprint of the value.
func (v Value) NonInlinedSize() int64 {
	if v.IsNull() {
		return 0
	}
	switch v.typ {
	case TypeVarchar, TypeDecimal:
		return int64(len(v.str))
	case TypeVarbinary:
		return int64(len(v.bin))
	default:
		return 0
	}
}

// AppendKey appends an unambiguous, memcomparable encoding of the value for
// index keys: a null marker byte, then the payload. Integers are written
// big-endian with the sign bit flipped so byte order matches numeric order.
func (v Value) AppendKey(buf []byte) []byte {
	if v.IsNull() {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	switch v.typ {
	case TypeDouble:
		var scratch [8]byte
		binary.BigEndian.PutUint64(scratch[:], floatKeyBits(v.f64))
		return append(buf, scratch[:]...)
	case TypeVarchar, TypeDecimal:
		var scratch [4]byte
		binary.BigEndian.PutUint32(scratch[:], uint32(len(v.str)))
		buf = append(buf, scratch[:]...)
		return append(buf, v.str...)
	case TypeVarbinary:
		var scratch [4]byte
		binary.BigEndian.PutUint32(scratch[:], uint32(len(v.bin)))
		buf = append(buf, scratch[:]...)
		return append(buf, v.bin...)
	default:
		var scratch [8]byte
		binary.BigEndian.PutUint64(scratch[:], uint64(v.i64)^(1<<63))
		return append(buf, scratch[:]...)
	}
}

// floatKeyBits maps a float64 to bits whose unsigned order matches numeric
// order.
func floatKeyBits(f float64) uint64 {
	u := math.Float64bits(f)
	if u&(1<<63) != 0 {
		return ^u
	}
	return u | (1 << 63)
}

// Export converts the value to the plain Go representation carried inside
// msgpack row images: nil for null, int64 for integrals and timestamps,
// float64 for doubles, string for varchar and decimal, []byte for varbinary.
func (v Value) Export() interface{} {
	if v.IsNull() {
		return nil
	}
	switch v.typ {
	case TypeDouble:
		return v.f64
	case TypeVarchar, TypeDecimal:
		return v.str
	case TypeVarbinary:
		return v.bin
	default:
		return v.i64
	}
}

// Import coerces a decoded msgpack value back into a typed Value. The loose
// interface decoding in the encoding package yields int64/uint64 variants
// for integers and strings for text.
func Import(t Type, x interface{}) (Value, error) {
	if x == nil {
		return NullValue(t), nil
	}
	switch t {
	case TypeDouble:
		f, ok := x.(float64)
		if !ok {
			return Value{}, fmt.Errorf("tuple: cannot import %T into %s", x, t)
		}
		return DoubleValue(f), nil
	case TypeVarchar, TypeDecimal:
		s, ok := x.(string)
		if !ok {
			if b, bok := x.([]byte); bok {
				s, ok = string(b), true
			}
		}
		if !ok {
			return Value{}, fmt.Errorf("tuple: cannot import %T into %s", x, t)
		}
		if t == TypeDecimal {
			return DecimalValue(s), nil
		}
		return StringValue(s), nil
	case TypeVarbinary:
		switch b := x.(type) {
		case []byte:
			return BinaryValue(append([]byte(nil), b...)), nil
		case string:
			return BinaryValue([]byte(b)), nil
		}
		return Value{}, fmt.Errorf("tuple: cannot import %T into %s", x, t)
	default:
		i, err := importInt64(x)
		if err != nil {
			return Value{}, fmt.Errorf("tuple: cannot import into %s: %w", t, err)
		}
		return Value{typ: t, i64: i}, nil
	}
}

func importInt64(x interface{}) (int64, error) {
	switch n := x.(type) {
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case int:
		return int64(n), nil
	case uint:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", x)
	}
}
