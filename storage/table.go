package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
	"github.com/rs/zerolog/log"

	"github.com/cascadedb/cascade/common"
	"github.com/cascadedb/cascade/index"
	"github.com/cascadedb/cascade/telemetry"
	"github.com/cascadedb/cascade/tuple"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// LookupMode selects which columns participate in tuple lookup equality.
type LookupMode int

const (
	// LookupByValues compares visible columns only (user-level paths).
	LookupByValues LookupMode = iota
	// LookupForDR includes hidden columns in equality.
	LookupForDR
	// LookupForUndo compares raw stored values to relocate the exact slot.
	LookupForUndo
)

// TableOpts configures a PersistentTable.
type TableOpts struct {
	Name            string
	Schema          *tuple.Schema
	ColumnNames     []string
	PartitionColumn int // -1 for replicated tables
	Signature       common.Signature
	IsMaterialized  bool
	DREnabled       bool
	BlockSize       int // 0 = DefaultBlockSize
	TupleLimit      int // < 0 = unlimited
}

// PersistentTable is the table facade: block storage, indexes, views, DR
// emission, undo registration, streamer notification. All methods must be
// called from the partition's single executor.
type PersistentTable struct {
	name            string
	schema          *tuple.Schema
	columnNames     []string
	allowNulls      []bool
	partitionColumn int
	signature       common.Signature
	isMaterialized  bool
	drEnabled       bool
	blockSize       int
	tupleLimit      int

	indexes   []index.Index
	pkeyIndex index.Index

	views []View

	blocks      map[uint32]*Block
	nextBlockID uint32

	// blocksWithSpace orders blocks by id for deterministic slot allocation.
	blocksWithSpace *btree.BTreeG[*Block]

	// Snapshot partition of the block set. Occupancy buckets are derived
	// from these sets on demand.
	blocksNotPendingSnapshot map[uint32]*Block
	blocksPendingSnapshot    map[uint32]*Block

	tupleCount                        int64 // occupied slots
	tuplesPinnedByUndo                int64
	invisibleTuplesPendingDeleteCount int64

	failedCompactionCount int

	streamer SnapshotStreamer

	// Truncate bookkeeping: the old table kept visible to an active stream.
	preTruncateTable *PersistentTable

	// PurgeFragment is opaque executor state carried across truncation.
	purgeFragment interface{}

	drTimestampColumnIndex int

	smallestUniqueIndex    index.Index
	smallestUniqueIndexCRC uint32
	noAvailableUniqueIndex bool
	uniqueIndexComputed    bool

	// Per-table scratch for building probe images.
	tempTuple *tuple.Tuple
}

// NewPersistentTable builds an empty table from catalog options.
func NewPersistentTable(opts TableOpts) *PersistentTable {
	t := &PersistentTable{
		name:                     opts.Name,
		schema:                   opts.Schema,
		columnNames:              append([]string(nil), opts.ColumnNames...),
		partitionColumn:          opts.PartitionColumn,
		signature:                opts.Signature,
		isMaterialized:           opts.IsMaterialized,
		drEnabled:                opts.DREnabled,
		blockSize:                opts.BlockSize,
		tupleLimit:               opts.TupleLimit,
		blocks:                   make(map[uint32]*Block),
		blocksWithSpace:          btree.NewG[*Block](8, func(a, b *Block) bool { return a.id < b.id }),
		blocksNotPendingSnapshot: make(map[uint32]*Block),
		blocksPendingSnapshot:    make(map[uint32]*Block),
		drTimestampColumnIndex:   -1,
	}
	if t.blockSize == 0 {
		t.blockSize = DefaultBlockSize
	}
	if opts.TupleLimit == 0 {
		t.tupleLimit = -1
	}
	if opts.Schema.HiddenColumnCount() == 1 {
		// The single hidden column holds the DR timestamp. A scheme for
		// telling hidden columns apart arrives with the second one.
		t.drTimestampColumnIndex = 0
	}
	t.allowNulls = make([]bool, opts.Schema.ColumnCount())
	for i := range t.allowNulls {
		t.allowNulls[i] = opts.Schema.Column(i).AllowNull
	}
	t.tempTuple = tuple.New(opts.Schema)
	return t
}

func (t *PersistentTable) Name() string                 { return t.name }
func (t *PersistentTable) Schema() *tuple.Schema        { return t.schema }
func (t *PersistentTable) ColumnNames() []string        { return t.columnNames }
func (t *PersistentTable) Signature() common.Signature  { return t.signature }
func (t *PersistentTable) PartitionColumn() int         { return t.partitionColumn }
func (t *PersistentTable) IsReplicated() bool           { return t.partitionColumn < 0 }
func (t *PersistentTable) IsMaterialized() bool         { return t.isMaterialized }
func (t *PersistentTable) DREnabled() bool              { return t.drEnabled }
func (t *PersistentTable) SetDR(enabled bool)           { t.drEnabled = enabled }
func (t *PersistentTable) TupleLimit() int              { return t.tupleLimit }
func (t *PersistentTable) SetTupleLimit(limit int)      { t.tupleLimit = limit }
func (t *PersistentTable) Indexes() []index.Index       { return t.indexes }
func (t *PersistentTable) PrimaryKeyIndex() index.Index { return t.pkeyIndex }
func (t *PersistentTable) Views() []View                { return t.views }

// HasDRTimestampColumn reports whether the schema carries the hidden DR
// timestamp column.
func (t *PersistentTable) HasDRTimestampColumn() bool { return t.drTimestampColumnIndex >= 0 }

// DRTimestampColumnIndex returns the hidden column index, or -1.
func (t *PersistentTable) DRTimestampColumnIndex() int { return t.drTimestampColumnIndex }

// TempTuple returns the table's scratch tuple, reset to nulls. The scratch
// tuple must never be the target of a delete.
func (t *PersistentTable) TempTuple() *tuple.Tuple {
	t.tempTuple.Reset()
	return t.tempTuple
}

// ActiveTupleCount is the number of user-visible rows.
func (t *PersistentTable) ActiveTupleCount() int64 {
	return t.tupleCount - t.invisibleTuplesPendingDeleteCount
}

// AllocatedTupleCount is the number of occupied slots, visible or not.
func (t *PersistentTable) AllocatedTupleCount() int64 { return t.tupleCount }

// BlockCount returns the number of live blocks.
func (t *PersistentTable) BlockCount() int { return len(t.blocks) }

// IsEmpty reports whether the table holds no occupied slots.
func (t *PersistentTable) IsEmpty() bool { return t.tupleCount == 0 }

// AddIndex attaches an index and populates it from existing rows. Adding an
// index invalidates the cached DR unique index.
func (t *PersistentTable) AddIndex(ix index.Index) error {
	t.invalidateUniqueIndexCache()
	var failed error
	t.scanStorage(func(addr index.Addr, row *tuple.Tuple) bool {
		if conflict, ok := ix.Add(row, addr); !ok {
			failed = &ConstraintError{Table: t.name, Kind: ConstraintUnique, Source: row.Clone(), Conflict: t.tupleAt(conflict).Clone()}
			return false
		}
		return true
	})
	if failed != nil {
		return failed
	}
	t.indexes = append(t.indexes, ix)
	return nil
}

// SetPrimaryKeyIndex designates the primary key. The index must already be
// attached.
func (t *PersistentTable) SetPrimaryKeyIndex(ix index.Index) {
	t.pkeyIndex = ix
}

// AddView attaches a materialized view observer. The table owns the view.
func (t *PersistentTable) AddView(v View) {
	v.SetSourceTable(t)
	t.views = append(t.views, v)
}

// DropView detaches a view.
func (t *PersistentTable) DropView(target View) {
	for i, v := range t.views {
		if v == target {
			t.views[i] = t.views[len(t.views)-1]
			t.views = t.views[:len(t.views)-1]
			return
		}
	}
}

// SetStreamer attaches a snapshot streamer and marks every block pending
// snapshot.
func (t *PersistentTable) SetStreamer(s SnapshotStreamer) {
	t.streamer = s
	if s != nil {
		t.activateSnapshot()
	}
}

// Streamer returns the attached snapshot streamer, or nil.
func (t *PersistentTable) Streamer() SnapshotStreamer { return t.streamer }

// activateSnapshot moves every block into the pending-snapshot set.
func (t *PersistentTable) activateSnapshot() {
	for id, b := range t.blocksNotPendingSnapshot {
		t.blocksPendingSnapshot[id] = b
		delete(t.blocksNotPendingSnapshot, id)
	}
}

// NotifySnapshotBlockFinished moves a block back to the not-pending set
// once the streamer has scanned it.
func (t *PersistentTable) NotifySnapshotBlockFinished(b *Block) {
	if _, ok := t.blocksPendingSnapshot[b.id]; ok {
		delete(t.blocksPendingSnapshot, b.id)
		t.blocksNotPendingSnapshot[b.id] = b
	}
}

// FinishSnapshot detaches the streamer and restores block bookkeeping.
func (t *PersistentTable) FinishSnapshot() {
	t.streamer = nil
	for id, b := range t.blocksPendingSnapshot {
		t.blocksNotPendingSnapshot[id] = b
		delete(t.blocksPendingSnapshot, id)
	}
}

// ---------------------------------------------------------------------------
// slot allocation

func (t *PersistentTable) allocateNextBlock() *Block {
	b := NewBlock(t.nextBlockID, t.schema, t.blockSize)
	t.nextBlockID++
	t.blocks[b.id] = b
	// Blocks born under an active snapshot hold only new tuples the scan
	// must skip, so they join the not-pending set either way.
	t.blocksNotPendingSnapshot[b.id] = b
	telemetry.BlocksAllocated.Set(float64(len(t.blocks)))
	return b
}

// nextFreeTuple claims a slot, preferring blocks that already have space.
func (t *PersistentTable) nextFreeTuple() (index.Addr, *tuple.Tuple) {
	var block *Block
	if t.blocksWithSpace.Len() > 0 {
		block, _ = t.blocksWithSpace.Min()
	} else {
		block = t.allocateNextBlock()
		t.blocksWithSpace.ReplaceOrInsert(block)
	}
	slot, target, ok := block.NextFreeSlot()
	if !ok {
		// blocksWithSpace contained a full block; state is corrupt.
		panic(fmt.Sprintf("table %s: block %d advertised space but had none", t.name, block.id))
	}
	t.tupleCount++
	if !block.HasFreeTuples() {
		t.blocksWithSpace.Delete(block)
	}
	return index.Addr{Block: block.id, Slot: slot}, target
}

// deleteTupleStorage releases a slot: frees out-of-line values, returns the
// slot to the freelist, and retires the block if it became empty.
func (t *PersistentTable) deleteTupleStorage(addr index.Addr) {
	block := t.blocks[addr.Block]
	target := block.Tuple(addr.Slot)
	target.FreeObjectColumns()
	target.SetActive(false)
	target.SetPendingDelete(false)
	target.SetPendingDeleteOnUndoRelease(false)
	block.FreeSlot(addr.Slot)
	t.tupleCount--

	if block.IsEmpty() {
		t.removeBlock(block)
		return
	}
	t.blocksWithSpace.ReplaceOrInsert(block)
}

func (t *PersistentTable) removeBlock(b *Block) {
	delete(t.blocks, b.id)
	delete(t.blocksNotPendingSnapshot, b.id)
	delete(t.blocksPendingSnapshot, b.id)
	t.blocksWithSpace.Delete(b)
	telemetry.BlocksAllocated.Set(float64(len(t.blocks)))
}

func (t *PersistentTable) tupleAt(addr index.Addr) *tuple.Tuple {
	b := t.blocks[addr.Block]
	if b == nil {
		return nil
	}
	return b.Tuple(addr.Slot)
}

// scanStorage visits every occupied slot including invisible ones.
func (t *PersistentTable) scanStorage(fn func(addr index.Addr, row *tuple.Tuple) bool) {
	for id := uint32(0); id < t.nextBlockID; id++ {
		b := t.blocks[id]
		if b == nil {
			continue
		}
		stop := false
		b.ForEachOccupied(func(slot uint32, row *tuple.Tuple) bool {
			if !fn(index.Addr{Block: id, Slot: slot}, row) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return
		}
	}
}

// Scan visits every visible row in block order.
func (t *PersistentTable) Scan(fn func(addr index.Addr, row *tuple.Tuple) bool) {
	t.scanStorage(func(addr index.Addr, row *tuple.Tuple) bool {
		if row.IsPendingDelete() || row.IsPendingDeleteOnUndoRelease() {
			return true
		}
		return fn(addr, row)
	})
}

// ---------------------------------------------------------------------------
// DR plumbing

func (t *PersistentTable) drStreamFor(ctx ExecContext) TupleStream {
	if t.IsReplicated() {
		return ctx.DRReplicatedStream()
	}
	return ctx.DRStream()
}

func (t *PersistentTable) shouldStreamDR(ctx ExecContext) (TupleStream, bool) {
	stream := t.drStreamFor(ctx)
	if stream == nil || t.isMaterialized || !t.drEnabled {
		return nil, false
	}
	return stream, true
}

// setDRTimestamp stamps the hidden column. Inserts only fill a null value;
// updates always overwrite.
func (t *PersistentTable) setDRTimestamp(ctx ExecContext, target *tuple.Tuple, update bool) {
	if update || target.HiddenValue(t.drTimestampColumnIndex).IsNull() {
		target.SetHiddenValue(t.drTimestampColumnIndex, tuple.BigIntValue(ctx.CurrentDRTimestamp()))
	}
}

// UniqueIndexForDR returns the smallest unique non-partial index and the
// CRC32C over its column indices. In active-active mode it returns nil:
// full row images are always streamed so conflicts can be detected.
func (t *PersistentTable) UniqueIndexForDR(ctx ExecContext) *DRKey {
	if ctx.IsActiveActiveDREnabled() {
		return nil
	}
	if !t.uniqueIndexComputed {
		t.computeSmallestUniqueIndex()
	}
	if t.noAvailableUniqueIndex {
		return nil
	}
	return &DRKey{Index: t.smallestUniqueIndex, CRC: t.smallestUniqueIndexCRC}
}

func (t *PersistentTable) invalidateUniqueIndexCache() {
	t.uniqueIndexComputed = false
	t.smallestUniqueIndex = nil
	t.smallestUniqueIndexCRC = 0
	t.noAvailableUniqueIndex = false
}

func (t *PersistentTable) computeSmallestUniqueIndex() {
	t.uniqueIndexComputed = true
	t.noAvailableUniqueIndex = true
	t.smallestUniqueIndex = nil
	t.smallestUniqueIndexCRC = 0
	smallestWidth := 0
	smallestName := "" // name breaks ties for determinism
	for _, ix := range t.indexes {
		if !ix.Unique() || ix.Partial() {
			continue
		}
		width := ix.KeyWidth()
		better := t.smallestUniqueIndex == nil ||
			(t.smallestUniqueIndex.KeyUsesOutOfLine() && !ix.KeyUsesOutOfLine()) ||
			width < smallestWidth ||
			(width == smallestWidth && ix.Name() < smallestName)
		if better {
			t.smallestUniqueIndex = ix
			t.noAvailableUniqueIndex = false
			smallestWidth = width
			smallestName = ix.Name()
		}
	}
	if t.smallestUniqueIndex != nil {
		t.smallestUniqueIndexCRC = IndexColumnCRC(t.smallestUniqueIndex.ColumnIndices())
	}
}

// IndexColumnCRC is the CRC32C over an index's column indices, each encoded
// big-endian in 4 bytes. Producer and consumer must agree on it before a
// by-index record is trusted.
func IndexColumnCRC(cols []int) uint32 {
	buf := make([]byte, 4*len(cols))
	for i, c := range cols {
		binary.BigEndian.PutUint32(buf[i*4:], uint32(c))
	}
	return crc32.Checksum(buf, crc32cTable)
}

// ---------------------------------------------------------------------------
// insert

// InsertTuple copies the source image into the table with constraint
// checks, DR emission, undo registration, and view notification.
func (t *PersistentTable) InsertTuple(ctx ExecContext, source *tuple.Tuple) error {
	return t.InsertPersistentTuple(ctx, source, true)
}

// InsertPersistentTuple is the insert entry point. fallible=false is
// reserved for tuple migration and recovery: no limit check, no undo, and
// constraint failures are a caller bug.
func (t *PersistentTable) InsertPersistentTuple(ctx ExecContext, source *tuple.Tuple, fallible bool) error {
	return t.insertTupleCommon(ctx, source, fallible, true)
}

func (t *PersistentTable) insertTupleCommon(ctx ExecContext, source *tuple.Tuple, fallible, shouldDRStream bool) error {
	if fallible && t.tupleLimit >= 0 && t.ActiveTupleCount() >= int64(t.tupleLimit) {
		return &ConstraintError{Table: t.name, Kind: ConstraintRowLimit, Source: source.Clone()}
	}

	addr, target := t.nextFreeTuple()
	target.CopyDataFrom(source)

	if fallible {
		if !t.checkNulls(target) {
			t.deleteTupleStorage(addr)
			return &ConstraintError{Table: t.name, Kind: ConstraintNotNull, Source: source.Clone()}
		}
	}

	if t.HasDRTimestampColumn() {
		t.setDRTimestamp(ctx, target, false)
	}

	// Write to the DR stream before touching the indexes so a failed append
	// leaves nothing behind.
	mark := common.InvalidMark
	stream, streaming := t.shouldStreamDR(ctx)
	if streaming && shouldDRStream {
		var err error
		mark, err = stream.AppendTuple(ctx.LastCommittedSpHandle(), t.signature, t.partitionColumn,
			ctx.CurrentTxnID(), ctx.CurrentSpHandle(), ctx.CurrentUniqueID(),
			target, common.RecordInsert, t.UniqueIndexForDR(ctx))
		if err != nil {
			t.deleteTupleStorage(addr)
			return err
		}
	}

	target.SetActive(true)
	target.SetPendingDelete(false)
	target.SetPendingDeleteOnUndoRelease(false)

	// Inserts never dirty a tuple, but a snapshot scan may need the flag if
	// the slot came off the freelist inside a to-be-scanned area.
	if t.streamer == nil || !t.streamer.NotifyTupleInsert(target) {
		target.SetDirty(false)
	}

	if conflictAddr, ok := t.tryInsertOnAllIndexes(target, addr); !ok {
		conflict := t.tupleAt(conflictAddr).Clone()
		if streaming && shouldDRStream {
			stream.RollbackTo(mark, common.RowCost(common.RecordInsert))
		}
		failedImage := source.Clone()
		t.deleteTupleStorage(addr)
		return &ConstraintError{Table: t.name, Kind: ConstraintUnique, Source: failedImage, Conflict: conflict}
	}

	if fallible {
		if uq := ctx.CurrentUndoQuantum(); uq != nil {
			uq.RegisterUndoAction(&undoInsertAction{
				table:  t,
				pooled: target.Clone(),
				mark:   mark,
				stream: streamIfValid(stream, mark),
			})
		}
	}

	for _, v := range t.views {
		v.ProcessTupleInsert(target, fallible)
	}
	telemetry.RowsWrittenTotal.With("insert").Inc()
	return nil
}

func streamIfValid(stream TupleStream, mark common.Mark) TupleStream {
	if mark == common.InvalidMark {
		return nil
	}
	return stream
}

func (t *PersistentTable) checkNulls(row *tuple.Tuple) bool {
	for i := len(t.allowNulls) - 1; i >= 0; i-- {
		if !t.allowNulls[i] && row.Value(i).IsNull() {
			return false
		}
	}
	return true
}

func (t *PersistentTable) tryInsertOnAllIndexes(row *tuple.Tuple, addr index.Addr) (index.Addr, bool) {
	for i, ix := range t.indexes {
		if conflict, ok := ix.Add(row, addr); !ok {
			for j := 0; j < i; j++ {
				t.indexes[j].DeleteEntry(row, addr)
			}
			return conflict, false
		}
	}
	return index.InvalidAddr, true
}

func (t *PersistentTable) insertIntoAllIndexes(row *tuple.Tuple, addr index.Addr) {
	for _, ix := range t.indexes {
		if _, ok := ix.Add(row, addr); !ok {
			panic(fmt.Sprintf("failed to insert tuple in table %s index %s", t.name, ix.Name()))
		}
	}
}

func (t *PersistentTable) deleteFromAllIndexes(row *tuple.Tuple, addr index.Addr) {
	for _, ix := range t.indexes {
		if !ix.DeleteEntry(row, addr) {
			panic(fmt.Sprintf("failed to delete tuple in table %s index %s", t.name, ix.Name()))
		}
	}
}

// insertTupleForUndo reverses a delete: the tuple was never moved, only
// marked, so it only needs to go back into the indexes.
func (t *PersistentTable) insertTupleForUndo(addr index.Addr) {
	target := t.tupleAt(addr)
	target.SetPendingDeleteOnUndoRelease(false)
	t.tuplesPinnedByUndo--
	t.invisibleTuplesPendingDeleteCount--

	for _, ix := range t.indexes {
		if conflict, ok := ix.Add(target, addr); !ok {
			// Restoring an index to a known good state cannot conflict
			// unless state is already corrupt.
			_ = conflict
			panic(fmt.Sprintf("failed to insert tuple into table %s for undo: unique constraint violation", t.name))
		}
	}
}

// ---------------------------------------------------------------------------
// update

// UpdateTuple updates the row at the target address with the source image,
// maintaining every index.
func (t *PersistentTable) UpdateTuple(ctx ExecContext, targetAddr index.Addr, source *tuple.Tuple) error {
	return t.UpdateTupleWithSpecificIndexes(ctx, targetAddr, source, t.indexes, true, true)
}

// UpdateTupleWithSpecificIndexes updates the row, touching only the indexes
// whose keys might change. updateDRTimestamp controls whether the hidden
// column is restamped; the sink clears it to preserve the primary's stamp.
func (t *PersistentTable) UpdateTupleWithSpecificIndexes(ctx ExecContext, targetAddr index.Addr,
	source *tuple.Tuple, indexesToUpdate []index.Index, fallible, updateDRTimestamp bool) error {

	target := t.tupleAt(targetAddr)
	if target == nil || !target.IsActive() {
		panic(fmt.Sprintf("table %s: update target %v is not an active tuple", t.name, targetAddr))
	}

	var uq *UndoQuantum
	var beforeImage *tuple.Tuple
	if fallible {
		if !t.checkUpdateOnUniqueIndexes(target, source, indexesToUpdate) {
			return &ConstraintError{Table: t.name, Kind: ConstraintUnique,
				Source: source.Clone(), Conflict: target.Clone()}
		}
		if !t.checkNulls(source) {
			return &ConstraintError{Table: t.name, Kind: ConstraintNotNull, Source: source.Clone()}
		}
		if uq = ctx.CurrentUndoQuantum(); uq != nil {
			beforeImage = target.Clone()
		}
	}

	// Stamp and stream before mutating anything so a failed append leaves
	// no half-updated tuple behind.
	if t.HasDRTimestampColumn() && updateDRTimestamp {
		t.setDRTimestamp(ctx, source, true)
	}

	mark := common.InvalidMark
	stream, streaming := t.shouldStreamDR(ctx)
	if streaming {
		var err error
		mark, err = stream.AppendUpdateRecord(ctx.LastCommittedSpHandle(), t.signature, t.partitionColumn,
			ctx.CurrentTxnID(), ctx.CurrentSpHandle(), ctx.CurrentUniqueID(),
			target, source, t.UniqueIndexForDR(ctx))
		if err != nil {
			return err
		}
	}

	if t.streamer != nil {
		t.streamer.NotifyTupleUpdate(target)
	}

	someIndexGotUpdated := len(indexesToUpdate) > 0
	indexRequiresUpdate := make([]bool, len(indexesToUpdate))
	for i, ix := range indexesToUpdate {
		if !ix.KeyUsesOutOfLine() && !ix.CheckForIndexChange(target, source) {
			indexRequiresUpdate[i] = false
			continue
		}
		indexRequiresUpdate[i] = true
		if !ix.DeleteEntry(target, targetAddr) {
			panic(fmt.Sprintf("failed to remove tuple from index (during update) in table %s index %s", t.name, ix.Name()))
		}
	}

	// Hide the tuple from view scans while views process the delete half.
	target.SetPendingDelete(true)
	for _, v := range t.views {
		v.ProcessTupleDelete(target, fallible)
	}
	target.SetPendingDelete(false)

	// The in-place write of the new values, preserving the dirty bit the
	// snapshot scan may have set on the target.
	dirty := target.IsDirty()
	target.CopyDataFrom(source)
	target.SetDirty(dirty)
	target.SetActive(true)

	if uq != nil {
		uq.RegisterUndoAction(&undoUpdateAction{
			table:         t,
			before:        beforeImage,
			after:         target.Clone(),
			revertIndexes: someIndexGotUpdated,
			mark:          mark,
			stream:        streamIfValid(stream, mark),
		})
	}

	for i, ix := range indexesToUpdate {
		if !indexRequiresUpdate[i] {
			continue
		}
		if conflict, ok := ix.Add(target, targetAddr); !ok {
			_ = conflict
			panic(fmt.Sprintf("failed to insert updated tuple into index in table %s index %s", t.name, ix.Name()))
		}
	}

	for _, v := range t.views {
		v.ProcessTupleInsert(target, fallible)
	}
	telemetry.RowsWrittenTotal.With("update").Inc()
	return nil
}

func (t *PersistentTable) checkUpdateOnUniqueIndexes(target, source *tuple.Tuple, indexesToUpdate []index.Index) bool {
	for _, ix := range indexesToUpdate {
		if !ix.Unique() {
			continue
		}
		if !ix.CheckForIndexChange(target, source) {
			continue
		}
		if ix.Exists(source) {
			return false
		}
	}
	return true
}

// updateTupleForUndo reverts an in-place update. The slot currently holds
// the after image, so that is what locates it: through the updated indexes
// when they changed, or through unchanged keys otherwise.
func (t *PersistentTable) updateTupleForUndo(after, before *tuple.Tuple, revertIndexes bool) {
	target, addr := t.LookupTuple(after, LookupForUndo)
	if target == nil {
		panic(fmt.Sprintf("failed to find tuple in table %s for undo of update", t.name))
	}

	if revertIndexes {
		t.deleteFromAllIndexes(target, addr)
	}

	dirty := target.IsDirty()
	target.CopyDataFrom(before)
	target.SetDirty(dirty)

	if revertIndexes {
		t.insertIntoAllIndexes(target, addr)
	}
}

// ---------------------------------------------------------------------------
// delete

// DeleteTuple removes the row at addr. With an active undo quantum the slot
// release is deferred to undo release; otherwise it is finalized now.
func (t *PersistentTable) DeleteTuple(ctx ExecContext, addr index.Addr, fallible bool) error {
	target := t.tupleAt(addr)
	if target == nil || !target.IsActive() {
		panic(fmt.Sprintf("table %s: delete target %v is not an active tuple", t.name, addr))
	}
	if target == t.tempTuple {
		panic(fmt.Sprintf("table %s: attempt to delete the temp tuple", t.name))
	}

	// Stream first so nothing is left forgotten if the append fails.
	mark := common.InvalidMark
	stream, streaming := t.shouldStreamDR(ctx)
	if streaming {
		var err error
		mark, err = stream.AppendTuple(ctx.LastCommittedSpHandle(), t.signature, t.partitionColumn,
			ctx.CurrentTxnID(), ctx.CurrentSpHandle(), ctx.CurrentUniqueID(),
			target, common.RecordDelete, t.UniqueIndexForDR(ctx))
		if err != nil {
			return err
		}
	}

	t.deleteFromAllIndexes(target, addr)

	target.SetPendingDelete(true)
	for _, v := range t.views {
		v.ProcessTupleDelete(target, fallible)
	}
	target.SetPendingDelete(false)

	if fallible {
		if uq := ctx.CurrentUndoQuantum(); uq != nil {
			target.SetPendingDeleteOnUndoRelease(true)
			t.tuplesPinnedByUndo++
			t.invisibleTuplesPendingDeleteCount++
			uq.RegisterUndoAction(&undoDeleteAction{
				table:  t,
				addr:   addr,
				mark:   mark,
				stream: streamIfValid(stream, mark),
			})
			telemetry.RowsWrittenTotal.With("delete").Inc()
			return nil
		}
	}

	t.deleteTupleFinalize(addr)
	telemetry.RowsWrittenTotal.With("delete").Inc()
	return nil
}

// deleteTupleFinalize follows through with a delete: either hand the tuple
// to a pending snapshot scan or free the slot now.
func (t *PersistentTable) deleteTupleFinalize(addr index.Addr) {
	target := t.tupleAt(addr)
	if t.streamer != nil && !t.streamer.NotifyTupleDelete(target) {
		// The scan has not passed this tuple yet; it lands the finishing
		// blow when it does.
		if target.IsPendingDelete() {
			return
		}
		t.invisibleTuplesPendingDeleteCount++
		target.SetPendingDelete(true)
		return
	}
	t.deleteTupleStorage(addr)
}

// deleteTupleRelease finishes a delete whose undo action was released.
func (t *PersistentTable) deleteTupleRelease(addr index.Addr) {
	target := t.tupleAt(addr)
	target.SetPendingDeleteOnUndoRelease(false)
	t.tuplesPinnedByUndo--
	t.invisibleTuplesPendingDeleteCount--
	t.deleteTupleFinalize(addr)
}

// deleteTupleForUndo reverses an insert: relocate the slot from the pooled
// image and free it.
func (t *PersistentTable) deleteTupleForUndo(pooled *tuple.Tuple) {
	target, addr := t.LookupTuple(pooled, LookupForUndo)
	if target == nil {
		panic(fmt.Sprintf("failed to delete tuple from table %s during undo: tuple does not exist", t.name))
	}
	t.deleteFromAllIndexes(target, addr)
	t.deleteTupleFinalize(addr)
}

// DeleteAllTuples deletes row by row, the cheap path for small truncates.
func (t *PersistentTable) DeleteAllTuples(ctx ExecContext, fallible bool) error {
	var addrs []index.Addr
	t.Scan(func(addr index.Addr, _ *tuple.Tuple) bool {
		addrs = append(addrs, addr)
		return true
	})
	for _, addr := range addrs {
		if err := t.DeleteTuple(ctx, addr, fallible); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// lookup

// LookupTuple finds the row equal to the probe under the given mode. With a
// primary key the probe goes through the index and the candidate is
// verified under the mode's equality; otherwise the table is scanned.
func (t *PersistentTable) LookupTuple(probe *tuple.Tuple, mode LookupMode) (*tuple.Tuple, index.Addr) {
	if t.pkeyIndex != nil {
		addr, found := t.pkeyIndex.UniqueMatchingTuple(probe)
		if !found {
			return nil, index.InvalidAddr
		}
		row := t.tupleAt(addr)
		if row == nil || !t.lookupEqual(row, probe, mode) {
			return nil, index.InvalidAddr
		}
		return row, addr
	}

	var foundRow *tuple.Tuple
	foundAddr := index.InvalidAddr
	t.scanStorage(func(addr index.Addr, row *tuple.Tuple) bool {
		if mode != LookupForUndo && (row.IsPendingDelete() || row.IsPendingDeleteOnUndoRelease()) {
			return true
		}
		if t.lookupEqual(row, probe, mode) {
			foundRow, foundAddr = row, addr
			return false
		}
		return true
	})
	return foundRow, foundAddr
}

func (t *PersistentTable) lookupEqual(row, probe *tuple.Tuple, mode LookupMode) bool {
	switch mode {
	case LookupByValues:
		return row.EqualValues(probe, false)
	case LookupForDR:
		return row.EqualValues(probe, true)
	default:
		return row.EqualRaw(probe)
	}
}

// LookupTupleByValues compares visible columns only.
func (t *PersistentTable) LookupTupleByValues(probe *tuple.Tuple) (*tuple.Tuple, index.Addr) {
	return t.LookupTuple(probe, LookupByValues)
}

// LookupTupleForDR includes hidden columns in equality.
func (t *PersistentTable) LookupTupleForDR(probe *tuple.Tuple) (*tuple.Tuple, index.Addr) {
	return t.LookupTuple(probe, LookupForDR)
}

// LookupTupleByDRKey probes a unique index projection: it finds the row
// whose key columns equal the probe's, regardless of other columns.
func (t *PersistentTable) LookupTupleByDRKey(ix index.Index, probe *tuple.Tuple) (*tuple.Tuple, index.Addr) {
	addr, found := ix.UniqueMatchingTuple(probe)
	if !found {
		return nil, index.InvalidAddr
	}
	return t.tupleAt(addr), addr
}

// ---------------------------------------------------------------------------
// integrity helpers

// ValidatePartitioning counts rows whose partition-column hash does not map
// to this partition.
func (t *PersistentTable) ValidatePartitioning(h common.Hashinator, partitionID, partitionCount int32) int64 {
	if t.partitionColumn < 0 {
		return 0
	}
	var mispartitioned int64
	t.Scan(func(_ index.Addr, row *tuple.Tuple) bool {
		hash := common.HashinateInt64(h, row.Value(t.partitionColumn).Int64())
		if h.PartitionForHash(hash, partitionCount) != partitionID {
			mispartitioned++
		}
		return true
	})
	if mispartitioned > 0 {
		log.Warn().Str("table", t.name).Int64("rows", mispartitioned).Msg("Found mispartitioned rows")
	}
	return mispartitioned
}

// HashCode is an order-insensitive content hash over the visible rows, used
// for cross-cluster divergence checks.
func (t *PersistentTable) HashCode() uint64 {
	var sum uint64
	t.Scan(func(_ index.Addr, row *tuple.Tuple) bool {
		var buf []byte
		for i := 0; i < t.schema.ColumnCount(); i++ {
			buf = row.Value(i).AppendKey(buf)
		}
		sum += xxhash.Sum64(buf)
		return true
	})
	return sum
}

// ---------------------------------------------------------------------------
// undo actions

type undoInsertAction struct {
	table  *PersistentTable
	pooled *tuple.Tuple
	mark   common.Mark
	stream TupleStream
}

func (a *undoInsertAction) Undo() {
	a.table.deleteTupleForUndo(a.pooled)
	if a.stream != nil {
		a.stream.RollbackTo(a.mark, common.RowCost(common.RecordInsert))
	}
}

func (a *undoInsertAction) Release() {}

type undoDeleteAction struct {
	table  *PersistentTable
	addr   index.Addr
	mark   common.Mark
	stream TupleStream
}

func (a *undoDeleteAction) Undo() {
	a.table.insertTupleForUndo(a.addr)
	if a.stream != nil {
		a.stream.RollbackTo(a.mark, common.RowCost(common.RecordDelete))
	}
}

func (a *undoDeleteAction) Release() {
	a.table.deleteTupleRelease(a.addr)
}

type undoUpdateAction struct {
	table         *PersistentTable
	before        *tuple.Tuple
	after         *tuple.Tuple
	revertIndexes bool
	mark          common.Mark
	stream        TupleStream
}

func (a *undoUpdateAction) Undo() {
	a.table.updateTupleForUndo(a.after, a.before, a.revertIndexes)
	if a.stream != nil {
		a.stream.RollbackTo(a.mark, common.RowCost(common.RecordUpdate))
	}
}

func (a *undoUpdateAction) Release() {}
