// Package storage implements block-paged tuple storage: persistent tables
// with index maintenance, undo logging, DR emission hooks, materialized-view
// notification, snapshot-streamer notification, and live compaction.
package storage

import (
	"github.com/cascadedb/cascade/common"
	"github.com/cascadedb/cascade/index"
	"github.com/cascadedb/cascade/tuple"
)

// DRKey is the unique index a non-active-active stream uses to ship compact
// delete and update records, plus the CRC32C of its column indices that the
// consumer uses to verify both sides agree on the key layout.
type DRKey struct {
	Index index.Index
	CRC   uint32
}

// TupleStream is the DR log producer a table emits records to. The dr
// package provides the real implementation; tests substitute mocks.
//
// Every append returns a mark: the stream byte offset before the append.
// RollbackTo truncates the open transaction back to a mark and refunds the
// row cost.
type TupleStream interface {
	Enabled() bool
	SetEnabled(enabled bool)

	AppendTuple(lastCommittedSpHandle int64, sig common.Signature, partitionColumn int,
		txnID, spHandle, uniqueID int64, t *tuple.Tuple,
		rec common.RecordType, drKey *DRKey) (common.Mark, error)

	AppendUpdateRecord(lastCommittedSpHandle int64, sig common.Signature, partitionColumn int,
		txnID, spHandle, uniqueID int64, oldTuple, newTuple *tuple.Tuple,
		drKey *DRKey) (common.Mark, error)

	TruncateTable(lastCommittedSpHandle int64, sig common.Signature, tableName string,
		txnID, spHandle, uniqueID int64) (common.Mark, error)

	BeginTransaction(sequenceNumber, uniqueID int64) error
	EndTransaction(uniqueID int64) error

	RollbackTo(mark common.Mark, rowCost int64)

	LastCommitted() common.DRCommittedInfo
}

// ExecContext supplies the per-partition execution state a table needs
// while applying a mutation. One executor drives one partition; there is no
// internal locking.
type ExecContext interface {
	CurrentTxnID() int64
	CurrentSpHandle() int64
	LastCommittedSpHandle() int64
	CurrentUniqueID() int64

	// CurrentDRTimestamp is the packed (cluster id, unique id) value stored
	// in the DR hidden column of every row this transaction writes.
	CurrentDRTimestamp() int64

	// DRStream returns the partition stream, or nil when DR is off.
	DRStream() TupleStream

	// DRReplicatedStream returns the replicated-table stream, or nil.
	DRReplicatedStream() TupleStream

	// CurrentUndoQuantum returns the open undo quantum, or nil outside a
	// transaction.
	CurrentUndoQuantum() *UndoQuantum

	IsActiveActiveDREnabled() bool
}

// View observes row changes on its source table. The table owns its views;
// a view holds only a non-owning handle back to its source, updated on
// truncate.
type View interface {
	Name() string
	ProcessTupleInsert(t *tuple.Tuple, fallible bool)
	ProcessTupleDelete(t *tuple.Tuple, fallible bool)
	SetSourceTable(t *PersistentTable)
}

// SnapshotStreamer is the external collaborator iterating live tuples for
// snapshotting or recovery. The table notifies it of mutations and tuple
// movement so its iteration stays correct under concurrent changes.
type SnapshotStreamer interface {
	// NotifyTupleInsert reports a fresh insert. Returning true means the
	// streamer manages the tuple's dirty flag; false lets the table clear it.
	NotifyTupleInsert(t *tuple.Tuple) bool

	// NotifyTupleDelete reports an imminent physical delete. Returning
	// false defers slot reclamation to the streamer's scan.
	NotifyTupleDelete(t *tuple.Tuple) bool

	NotifyTupleUpdate(t *tuple.Tuple)

	NotifyTupleMovement(src, dst *Block, srcTuple, dstTuple *tuple.Tuple)

	NotifyBlockCompactedAway(b *Block)

	// RecoveryActive reports whether a recovery stream is in progress;
	// forced compaction refuses to run while it is.
	RecoveryActive() bool
}

// TruncateHost is the catalog-side collaborator for table truncation: it
// builds the fresh empty table (with fresh views attached) and swaps
// catalog references between the old and new instances.
type TruncateHost interface {
	BuildEmptyTable(t *PersistentTable) (*PersistentTable, error)
	SwapTable(oldTable, newTable *PersistentTable)
}
