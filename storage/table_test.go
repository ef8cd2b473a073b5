package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadedb/cascade/common"
	"github.com/cascadedb/cascade/index"
	"github.com/cascadedb/cascade/tuple"
)

type mockContext struct {
	txnID         int64
	spHandle      int64
	lastCommitted int64
	uniqueID      int64
	drTimestamp   int64
	quantum       *UndoQuantum
	stream        TupleStream
	replStream    TupleStream
	activeActive  bool
}

func (m *mockContext) CurrentTxnID() int64              { return m.txnID }
func (m *mockContext) CurrentSpHandle() int64           { return m.spHandle }
func (m *mockContext) LastCommittedSpHandle() int64     { return m.lastCommitted }
func (m *mockContext) CurrentUniqueID() int64           { return m.uniqueID }
func (m *mockContext) CurrentDRTimestamp() int64        { return m.drTimestamp }
func (m *mockContext) DRStream() TupleStream            { return m.stream }
func (m *mockContext) DRReplicatedStream() TupleStream  { return m.replStream }
func (m *mockContext) CurrentUndoQuantum() *UndoQuantum { return m.quantum }
func (m *mockContext) IsActiveActiveDREnabled() bool    { return m.activeActive }

func testSchema() *tuple.Schema {
	return tuple.NewSchemaWithHidden(
		[]tuple.Column{
			{Name: "C_TINYINT", Type: tuple.TypeTinyInt},
			{Name: "C_BIGINT", Type: tuple.TypeBigInt, AllowNull: true},
			{Name: "C_DECIMAL", Type: tuple.TypeDecimal, Length: 16, AllowNull: true},
			{Name: "C_INLINE_VARCHAR", Type: tuple.TypeVarchar, Length: 15, AllowNull: true},
			{Name: "C_OUTLINE_VARCHAR", Type: tuple.TypeVarchar, Length: 300, AllowNull: true},
			{Name: "C_TIMESTAMP", Type: tuple.TypeTimestamp, AllowNull: true},
		},
		[]tuple.Column{
			{Name: "DR_TS", Type: tuple.TypeBigInt, AllowNull: true},
		},
	)
}

func newTestTable(t *testing.T, blockSize int, withPK bool) *PersistentTable {
	t.Helper()
	tbl := NewPersistentTable(TableOpts{
		Name:            "P_TABLE",
		Schema:          testSchema(),
		ColumnNames:     []string{"C_TINYINT", "C_BIGINT", "C_DECIMAL", "C_INLINE_VARCHAR", "C_OUTLINE_VARCHAR", "C_TIMESTAMP"},
		PartitionColumn: 0,
		Signature:       common.SignatureFromHash(42),
		DREnabled:       true,
		BlockSize:       blockSize,
		TupleLimit:      -1,
	})
	if withPK {
		pk := index.NewHashIndex(index.Scheme{Name: "PK", Unique: true, ColumnIndices: []int{0}}, tbl.Schema())
		require.NoError(t, tbl.AddIndex(pk))
		tbl.SetPrimaryKeyIndex(pk)
	}
	return tbl
}

func prepareRow(tbl *PersistentTable, tinyint int8, bigint int64, short, long string) *tuple.Tuple {
	row := tbl.TempTuple()
	row.SetValue(0, tuple.TinyIntValue(tinyint))
	row.SetValue(1, tuple.BigIntValue(bigint))
	row.SetValue(2, tuple.DecimalValue("349508345.34583"))
	row.SetValue(3, tuple.StringValue(short))
	row.SetValue(4, tuple.StringValue(long))
	row.SetValue(5, tuple.TimestampValue(5433))
	return row
}

const longText = "this is a rather long string of text that is used to force the value to use out of line storage for the underlying data"

func TestInsertLookupDelete(t *testing.T) {
	tbl := newTestTable(t, 0, true)
	ctx := &mockContext{drTimestamp: 7001}

	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 42, 55555, "a thing", longText)))
	assert.Equal(t, int64(1), tbl.ActiveTupleCount())

	probe := prepareRow(tbl, 42, 55555, "a thing", longText)
	row, addr := tbl.LookupTupleByValues(probe)
	require.NotNil(t, row)
	assert.True(t, addr.Valid())
	assert.Equal(t, int64(7001), row.HiddenValue(0).Int64())

	require.NoError(t, tbl.DeleteTuple(ctx, addr, true))
	row, _ = tbl.LookupTupleByValues(probe)
	assert.Nil(t, row)
	assert.Equal(t, int64(0), tbl.ActiveTupleCount())
}

func TestInsertNotNullViolation(t *testing.T) {
	tbl := newTestTable(t, 0, true)
	ctx := &mockContext{}

	row := tbl.TempTuple()
	row.SetValue(1, tuple.BigIntValue(5))
	// column 0 is NOT NULL and left null

	err := tbl.InsertTuple(ctx, row)
	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConstraintNotNull, ce.Kind)
	assert.Equal(t, int64(0), tbl.ActiveTupleCount())
	assert.Equal(t, 0, tbl.BlockCount())
}

func TestInsertUniqueViolation(t *testing.T) {
	tbl := newTestTable(t, 0, true)
	ctx := &mockContext{}

	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 42, 100, "first", longText)))

	err := tbl.InsertTuple(ctx, prepareRow(tbl, 42, 200, "second", longText))
	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConstraintUnique, ce.Kind)
	require.NotNil(t, ce.Conflict)
	assert.Equal(t, int64(100), ce.Conflict.Value(1).Int64())

	// The failed insert left no residue.
	assert.Equal(t, int64(1), tbl.ActiveTupleCount())
	assert.Equal(t, 1, tbl.PrimaryKeyIndex().Len())
}

func TestInsertRowLimit(t *testing.T) {
	tbl := newTestTable(t, 0, true)
	tbl.SetTupleLimit(2)
	ctx := &mockContext{}

	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 1, 1, "a", longText)))
	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 2, 2, "b", longText)))

	err := tbl.InsertTuple(ctx, prepareRow(tbl, 3, 3, "c", longText))
	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConstraintRowLimit, ce.Kind)
}

func TestUndoInsertRestoresPriorState(t *testing.T) {
	tbl := newTestTable(t, 0, true)
	ul := &UndoLog{}
	ctx := &mockContext{quantum: ul.GenerateUndoQuantum(0)}

	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 1, 100, "a", longText)))
	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 2, 200, "b", longText)))
	assert.Equal(t, int64(2), tbl.ActiveTupleCount())

	ul.Undo(0)

	assert.Equal(t, int64(0), tbl.ActiveTupleCount())
	row, _ := tbl.LookupTupleByValues(prepareRow(tbl, 1, 100, "a", longText))
	assert.Nil(t, row)
	assert.Equal(t, 0, tbl.PrimaryKeyIndex().Len())
}

func TestUndoDeleteRestoresRow(t *testing.T) {
	tbl := newTestTable(t, 0, true)
	ul := &UndoLog{}
	ctx := &mockContext{quantum: ul.GenerateUndoQuantum(0)}

	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 1, 100, "a", longText)))
	ul.Release(0)

	ctx.quantum = ul.GenerateUndoQuantum(1)
	probe := prepareRow(tbl, 1, 100, "a", longText)
	_, addr := tbl.LookupTupleByValues(probe)
	require.NoError(t, tbl.DeleteTuple(ctx, addr, true))
	row, _ := tbl.LookupTupleByValues(probe)
	assert.Nil(t, row)

	ul.Undo(1)

	row, _ = tbl.LookupTupleByValues(probe)
	require.NotNil(t, row)
	assert.Equal(t, int64(1), tbl.ActiveTupleCount())
}

func TestDeleteReleaseFreesSlot(t *testing.T) {
	tbl := newTestTable(t, 0, true)
	ul := &UndoLog{}
	ctx := &mockContext{quantum: ul.GenerateUndoQuantum(0)}

	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 1, 100, "a", longText)))
	ul.Release(0)

	ctx.quantum = ul.GenerateUndoQuantum(1)
	_, addr := tbl.LookupTupleByValues(prepareRow(tbl, 1, 100, "a", longText))
	require.NoError(t, tbl.DeleteTuple(ctx, addr, true))

	// The slot is pinned until release.
	assert.Equal(t, int64(1), tbl.AllocatedTupleCount())
	ul.Release(1)
	assert.Equal(t, int64(0), tbl.AllocatedTupleCount())
	assert.Equal(t, 0, tbl.BlockCount())
}

func TestUpdateIndexMaintenance(t *testing.T) {
	tbl := newTestTable(t, 0, true)
	ul := &UndoLog{}
	ctx := &mockContext{drTimestamp: 9000, quantum: ul.GenerateUndoQuantum(0)}

	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 42, 55555, "a thing", longText)))
	ul.Release(0)

	// Update the indexed column.
	ctx.quantum = ul.GenerateUndoQuantum(1)
	ctx.drTimestamp = 9001
	oldProbe := prepareRow(tbl, 42, 55555, "a thing", longText).Clone()
	_, addr := tbl.LookupTupleByValues(oldProbe)
	newImage := prepareRow(tbl, 99, 55555, "a thing", longText)
	require.NoError(t, tbl.UpdateTuple(ctx, addr, newImage))
	ul.Release(1)

	row, _ := tbl.LookupTupleByValues(prepareRow(tbl, 99, 55555, "a thing", longText))
	require.NotNil(t, row)
	assert.Equal(t, int64(9001), row.HiddenValue(0).Int64())

	gone, _ := tbl.LookupTupleByValues(oldProbe)
	assert.Nil(t, gone)
}

func TestUndoUpdateRestoresImage(t *testing.T) {
	tbl := newTestTable(t, 0, true)
	ul := &UndoLog{}
	ctx := &mockContext{drTimestamp: 9000, quantum: ul.GenerateUndoQuantum(0)}

	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 42, 55555, "a thing", longText)))
	ul.Release(0)

	ctx.quantum = ul.GenerateUndoQuantum(1)
	ctx.drTimestamp = 9001
	oldProbe := prepareRow(tbl, 42, 55555, "a thing", longText).Clone()
	_, addr := tbl.LookupTupleByValues(oldProbe)
	require.NoError(t, tbl.UpdateTuple(ctx, addr, prepareRow(tbl, 99, 1, "changed", longText)))

	ul.Undo(1)

	row, _ := tbl.LookupTupleByValues(oldProbe)
	require.NotNil(t, row)
	assert.Equal(t, int64(9000), row.HiddenValue(0).Int64())
	gone, _ := tbl.LookupTupleByValues(prepareRow(tbl, 99, 1, "changed", longText))
	assert.Nil(t, gone)
}

func TestUpdateUniqueViolation(t *testing.T) {
	tbl := newTestTable(t, 0, true)
	ctx := &mockContext{}

	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 1, 100, "a", longText)))
	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 2, 200, "b", longText)))

	_, addr := tbl.LookupTupleByValues(prepareRow(tbl, 2, 200, "b", longText))
	err := tbl.UpdateTuple(ctx, addr, prepareRow(tbl, 1, 200, "b", longText))
	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConstraintUnique, ce.Kind)

	// Nothing moved.
	row, _ := tbl.LookupTupleByValues(prepareRow(tbl, 2, 200, "b", longText))
	assert.NotNil(t, row)
}

func TestLookupModesDifferOnlyInHiddenColumns(t *testing.T) {
	tbl := newTestTable(t, 0, true)
	ctx := &mockContext{drTimestamp: 12345}

	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 42, 55555, "a thing", longText)))

	byValues := prepareRow(tbl, 42, 55555, "a thing", longText)
	row, _ := tbl.LookupTupleByValues(byValues)
	require.NotNil(t, row)

	// for-DR requires the hidden timestamp to match too.
	wrongTS := prepareRow(tbl, 42, 55555, "a thing", longText)
	wrongTS.SetHiddenValue(0, tuple.BigIntValue(999))
	row, _ = tbl.LookupTupleForDR(wrongTS)
	assert.Nil(t, row)

	rightTS := prepareRow(tbl, 42, 55555, "a thing", longText)
	rightTS.SetHiddenValue(0, tuple.BigIntValue(12345))
	row, _ = tbl.LookupTupleForDR(rightTS)
	assert.NotNil(t, row)
}

func TestCompactionPreservesData(t *testing.T) {
	tbl := newTestTable(t, 800, true)
	ctx := &mockContext{}

	const total = 48
	for i := 0; i < total; i++ {
		require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, int8(i), int64(i)*10, "row", longText)))
	}
	require.Greater(t, tbl.BlockCount(), 2)

	// Delete two of every three rows to fragment the blocks.
	for i := 0; i < total; i++ {
		if i%3 == 0 {
			continue
		}
		_, addr := tbl.LookupTupleByValues(prepareRow(tbl, int8(i), int64(i)*10, "row", longText))
		require.True(t, addr.Valid())
		require.NoError(t, tbl.DeleteTuple(ctx, addr, true))
	}

	blocksBefore := tbl.BlockCount()
	require.True(t, tbl.CompactionPredicate())
	assert.True(t, tbl.DoForcedCompaction())
	assert.Less(t, tbl.BlockCount(), blocksBefore)

	// The survivors are intact and every index query still answers.
	count := 0
	tbl.Scan(func(_ index.Addr, _ *tuple.Tuple) bool {
		count++
		return true
	})
	assert.Equal(t, total/3, count)
	for i := 0; i < total; i += 3 {
		row, _ := tbl.LookupTupleByValues(prepareRow(tbl, int8(i), int64(i)*10, "row", longText))
		require.NotNil(t, row, "row %d lost by compaction", i)
	}
	assert.Equal(t, 0, tbl.FailedCompactionCount())
}

func TestTruncateSmallTableUsesRowByRowDelete(t *testing.T) {
	tbl := newTestTable(t, 2200, true) // 32 slots per block
	ul := &UndoLog{}
	ctx := &mockContext{quantum: ul.GenerateUndoQuantum(0)}

	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 1, 100, "a", longText)))
	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 2, 200, "b", longText)))
	ul.Release(0)
	require.Equal(t, 1, tbl.BlockCount())

	ctx.quantum = ul.GenerateUndoQuantum(1)
	host := &mockTruncateHost{t: t}
	require.NoError(t, tbl.TruncateTable(ctx, host, true))

	// The load factor was below the cutoff: rows were deleted in place and
	// no swap happened.
	assert.Equal(t, int64(0), tbl.ActiveTupleCount())
	assert.Equal(t, 0, host.swaps)

	ul.Undo(1)
	assert.Equal(t, int64(2), tbl.ActiveTupleCount())
}

type mockTruncateHost struct {
	t       *testing.T
	current *PersistentTable
	swaps   int
}

func (h *mockTruncateHost) BuildEmptyTable(t *PersistentTable) (*PersistentTable, error) {
	fresh := NewPersistentTable(TableOpts{
		Name:            t.Name(),
		Schema:          t.Schema(),
		ColumnNames:     t.ColumnNames(),
		PartitionColumn: t.PartitionColumn(),
		Signature:       t.Signature(),
		DREnabled:       t.DREnabled(),
		TupleLimit:      t.TupleLimit(),
	})
	if t.PrimaryKeyIndex() != nil {
		pk := index.NewHashIndex(index.Scheme{Name: "PK", Unique: true, ColumnIndices: []int{0}}, fresh.Schema())
		if err := fresh.AddIndex(pk); err != nil {
			return nil, err
		}
		fresh.SetPrimaryKeyIndex(pk)
	}
	return fresh, nil
}

func (h *mockTruncateHost) SwapTable(oldTable, newTable *PersistentTable) {
	h.current = newTable
	h.swaps++
}

func TestTruncateSwapAndUndo(t *testing.T) {
	tbl := newTestTable(t, 800, true)
	ul := &UndoLog{}
	ctx := &mockContext{quantum: ul.GenerateUndoQuantum(0)}

	const total = 24
	for i := 0; i < total; i++ {
		require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, int8(i), int64(i), "x", longText)))
	}
	ul.Release(0)
	require.Greater(t, tbl.BlockCount(), 1)

	ctx.quantum = ul.GenerateUndoQuantum(1)
	host := &mockTruncateHost{t: t}
	require.NoError(t, tbl.TruncateTable(ctx, host, true))
	require.Equal(t, 1, host.swaps)
	require.NotNil(t, host.current)
	assert.Equal(t, int64(0), host.current.ActiveTupleCount())

	// The old table keeps its rows until the undo quantum resolves.
	assert.Equal(t, int64(total), tbl.ActiveTupleCount())

	ul.Undo(1)
	assert.Equal(t, 2, host.swaps)
	assert.Same(t, tbl, host.current)
	assert.Equal(t, int64(total), tbl.ActiveTupleCount())
}

func TestTruncateSwapRelease(t *testing.T) {
	tbl := newTestTable(t, 800, true)
	ul := &UndoLog{}
	ctx := &mockContext{quantum: ul.GenerateUndoQuantum(0)}

	for i := 0; i < 24; i++ {
		require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, int8(i), int64(i), "x", longText)))
	}
	ul.Release(0)

	ctx.quantum = ul.GenerateUndoQuantum(1)
	host := &mockTruncateHost{t: t}
	require.NoError(t, tbl.TruncateTable(ctx, host, true))
	ul.Release(1)

	assert.Equal(t, 1, host.swaps)
	assert.Equal(t, int64(0), host.current.ActiveTupleCount())
}

func TestSmallestUniqueIndexSelection(t *testing.T) {
	tbl := newTestTable(t, 0, false)
	ctx := &mockContext{}

	wide := index.NewHashIndex(index.Scheme{Name: "wide_unique", Unique: true, ColumnIndices: []int{0, 1, 4}}, tbl.Schema())
	narrow := index.NewHashIndex(index.Scheme{Name: "narrow_unique", Unique: true, ColumnIndices: []int{1, 0}}, tbl.Schema())
	nonUnique := index.NewHashIndex(index.Scheme{Name: "non_unique", ColumnIndices: []int{0}}, tbl.Schema())
	require.NoError(t, tbl.AddIndex(wide))
	require.NoError(t, tbl.AddIndex(narrow))
	require.NoError(t, tbl.AddIndex(nonUnique))

	key := tbl.UniqueIndexForDR(ctx)
	require.NotNil(t, key)
	// The wide index uses out-of-line memory; the narrow one wins.
	assert.Equal(t, "narrow_unique", key.Index.Name())
	assert.Equal(t, IndexColumnCRC([]int{1, 0}), key.CRC)

	// Active-active always streams full rows.
	ctx.activeActive = true
	assert.Nil(t, tbl.UniqueIndexForDR(ctx))
}

type mockStreamer struct {
	deferDeletes bool
	moves        int
	compacted    int
	recovery     bool
}

func (m *mockStreamer) NotifyTupleInsert(*tuple.Tuple) bool { return false }
func (m *mockStreamer) NotifyTupleDelete(*tuple.Tuple) bool { return !m.deferDeletes }
func (m *mockStreamer) NotifyTupleUpdate(*tuple.Tuple)      {}
func (m *mockStreamer) NotifyTupleMovement(src, dst *Block, srcTuple, dstTuple *tuple.Tuple) {
	m.moves++
}
func (m *mockStreamer) NotifyBlockCompactedAway(*Block) { m.compacted++ }
func (m *mockStreamer) RecoveryActive() bool            { return m.recovery }

func TestSnapshotDefersPhysicalDelete(t *testing.T) {
	tbl := newTestTable(t, 0, true)
	ctx := &mockContext{}

	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 1, 100, "a", longText)))

	streamer := &mockStreamer{deferDeletes: true}
	tbl.SetStreamer(streamer)

	probe := prepareRow(tbl, 1, 100, "a", longText)
	_, addr := tbl.LookupTupleByValues(probe)
	require.NoError(t, tbl.DeleteTuple(ctx, addr, true))

	// The slot is still occupied, waiting for the scan, but invisible.
	assert.Equal(t, int64(1), tbl.AllocatedTupleCount())
	assert.Equal(t, int64(0), tbl.ActiveTupleCount())
	row, _ := tbl.LookupTupleByValues(probe)
	assert.Nil(t, row)
}

func TestForcedCompactionDefersDuringRecovery(t *testing.T) {
	tbl := newTestTable(t, 800, true)
	ctx := &mockContext{}
	for i := 0; i < 24; i++ {
		require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, int8(i), int64(i), "x", longText)))
	}
	tbl.SetStreamer(&mockStreamer{recovery: true})
	assert.False(t, tbl.DoForcedCompaction())
}

type mockView struct {
	name            string
	source          *PersistentTable
	inserts         int
	deletes         int
	sawPendingOnDel bool
}

func (v *mockView) Name() string { return v.name }
func (v *mockView) ProcessTupleInsert(t *tuple.Tuple, fallible bool) {
	v.inserts++
}
func (v *mockView) ProcessTupleDelete(t *tuple.Tuple, fallible bool) {
	v.deletes++
	v.sawPendingOnDel = t.IsPendingDelete()
}
func (v *mockView) SetSourceTable(t *PersistentTable) { v.source = t }

func TestViewNotifications(t *testing.T) {
	tbl := newTestTable(t, 0, true)
	ctx := &mockContext{}
	view := &mockView{name: "V_SUM"}
	tbl.AddView(view)
	require.Same(t, tbl, view.source)

	require.NoError(t, tbl.InsertTuple(ctx, prepareRow(tbl, 1, 100, "a", longText)))
	assert.Equal(t, 1, view.inserts)

	// An update notifies a delete (with the tuple hidden from view scans)
	// then an insert.
	_, addr := tbl.LookupTupleByValues(prepareRow(tbl, 1, 100, "a", longText))
	require.NoError(t, tbl.UpdateTuple(ctx, addr, prepareRow(tbl, 2, 100, "a", longText)))
	assert.Equal(t, 2, view.inserts)
	assert.Equal(t, 1, view.deletes)
	assert.True(t, view.sawPendingOnDel)

	_, addr = tbl.LookupTupleByValues(prepareRow(tbl, 2, 100, "a", longText))
	require.NoError(t, tbl.DeleteTuple(ctx, addr, true))
	assert.Equal(t, 2, view.deletes)

	tbl.DropView(view)
	assert.Empty(t, tbl.Views())
}

func TestIndexColumnCRCIsOrderSensitive(t *testing.T) {
	assert.NotEqual(t, IndexColumnCRC([]int{0, 1}), IndexColumnCRC([]int{1, 0}))
	assert.Equal(t, IndexColumnCRC([]int{1, 0}), IndexColumnCRC([]int{1, 0}))
}
