package tuple

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *Schema {
	return NewSchemaWithHidden(
		[]Column{
			{Name: "C_TINYINT", Type: TypeTinyInt, AllowNull: true},
			{Name: "C_BIGINT", Type: TypeBigInt, AllowNull: true},
			{Name: "C_DECIMAL", Type: TypeDecimal, Length: 16, AllowNull: true},
			{Name: "C_INLINE_VARCHAR", Type: TypeVarchar, Length: 15, AllowNull: true},
			{Name: "C_OUTLINE_VARCHAR", Type: TypeVarchar, Length: 300, AllowNull: true},
			{Name: "C_TIMESTAMP", Type: TypeTimestamp, AllowNull: true},
			{Name: "C_OUTLINE_VARBINARY", Type: TypeVarbinary, Length: 300, AllowNull: true},
		},
		[]Column{
			{Name: "DR_TS", Type: TypeBigInt, AllowNull: false},
		},
	)
}

func fillTuple(t *Tuple) {
	t.SetValue(0, TinyIntValue(42))
	t.SetValue(1, BigIntValue(55555))
	t.SetValue(2, DecimalValue("349508345.34583"))
	t.SetValue(3, StringValue("a thing"))
	t.SetValue(4, StringValue("this is a rather long string of text that should be longer than 64 bytes to live out of line"))
	t.SetValue(5, TimestampValue(5433))
	t.SetValue(6, BinaryValue([]byte{0xde, 0xad, 0xbe, 0xef}))
	t.SetHiddenValue(0, BigIntValue(0x0100000000000123))
}

func TestTupleEqualValues(t *testing.T) {
	schema := testSchema()
	a := New(schema)
	b := New(schema)
	fillTuple(a)
	fillTuple(b)

	assert.True(t, a.EqualValues(b, false))
	assert.True(t, a.EqualValues(b, true))
	assert.True(t, a.EqualRaw(b))

	// Hidden column divergence is only visible with includeHidden.
	b.SetHiddenValue(0, BigIntValue(99))
	assert.True(t, a.EqualValues(b, false))
	assert.False(t, a.EqualValues(b, true))
	assert.False(t, a.EqualRaw(b))

	b.SetHiddenValue(0, BigIntValue(0x0100000000000123))
	b.SetValue(1, BigIntValue(1))
	assert.False(t, a.EqualValues(b, false))
}

func TestTupleCloneIsDeep(t *testing.T) {
	schema := testSchema()
	a := New(schema)
	fillTuple(a)

	c := a.Clone()
	require.True(t, a.EqualRaw(c))

	// Mutating the clone's binary payload must not touch the original.
	c.Value(6).Bytes()[0] = 0x00
	assert.Equal(t, byte(0xde), a.Value(6).Bytes()[0])
}

func TestTupleFlags(t *testing.T) {
	a := New(testSchema())
	assert.False(t, a.IsActive())

	a.SetActive(true)
	a.SetDirty(true)
	a.SetPendingDelete(true)
	a.SetPendingDeleteOnUndoRelease(true)
	assert.True(t, a.IsActive())
	assert.True(t, a.IsDirty())
	assert.True(t, a.IsPendingDelete())
	assert.True(t, a.IsPendingDeleteOnUndoRelease())

	a.SetPendingDelete(false)
	assert.False(t, a.IsPendingDelete())
	assert.True(t, a.IsPendingDeleteOnUndoRelease())
}

func TestExportImportRoundTrip(t *testing.T) {
	schema := testSchema()
	a := New(schema)
	fillTuple(a)

	vals := a.ExportValues(nil, true)
	require.Len(t, vals, 8)

	b := New(schema)
	require.NoError(t, b.ImportValues(vals, nil, true))
	assert.True(t, a.EqualValues(b, true))
}

func TestExportImportNulls(t *testing.T) {
	schema := testSchema()
	a := New(schema)
	a.SetValue(0, TinyIntValue(7))
	// every other column stays null

	vals := a.ExportValues(nil, true)
	b := New(schema)
	require.NoError(t, b.ImportValues(vals, nil, true))
	assert.True(t, a.EqualValues(b, true))
	assert.True(t, b.Value(1).IsNull())
	assert.True(t, b.HiddenValue(0).IsNull())
}

func TestKeyEncodingOrder(t *testing.T) {
	lo := BigIntValue(-5).AppendKey(nil)
	hi := BigIntValue(17).AppendKey(nil)
	assert.Negative(t, bytes.Compare(lo, hi))

	null := NullValue(TypeBigInt).AppendKey(nil)
	assert.Negative(t, bytes.Compare(null, lo))

	sa := StringValue("abc").AppendKey(nil)
	sb := StringValue("abd").AppendKey(nil)
	assert.Negative(t, bytes.Compare(sa, sb))
}

func TestColumnInlining(t *testing.T) {
	assert.True(t, Column{Type: TypeVarchar, Length: 15}.Inlined())
	assert.False(t, Column{Type: TypeVarchar, Length: 300}.Inlined())
	assert.True(t, Column{Type: TypeBigInt}.Inlined())
}

func TestNonInlinedMemorySize(t *testing.T) {
	schema := testSchema()
	a := New(schema)
	fillTuple(a)

	long := a.Value(4).Str()
	assert.Equal(t, int64(len(long)+4), a.NonInlinedMemorySize())
}
