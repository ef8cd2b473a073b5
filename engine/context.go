// Package engine ties the partitions together: executor contexts, the
// per-partition DR stream registry, and the catalog-lite host used by
// truncation and the binary log sink.
package engine

import (
	"github.com/cascadedb/cascade/dr"
	"github.com/cascadedb/cascade/hlc"
	"github.com/cascadedb/cascade/id"
	"github.com/cascadedb/cascade/storage"
)

// ExecutorContext is the per-partition execution state handed to table
// operations. One context per partition, driven by a single executor.
type ExecutorContext struct {
	partitionID int32
	clusterID   uint8

	txnID                 int64
	spHandle              int64
	lastCommittedSpHandle int64
	uniqueID              int64

	undoLog        storage.UndoLog
	currentQuantum *storage.UndoQuantum

	drStream           storage.TupleStream
	drReplicatedStream storage.TupleStream

	activeActiveDR bool

	conflictTable *dr.ConflictExportTable
	truncateHost  storage.TruncateHost
}

// NewExecutorContext creates a context for a partition.
func NewExecutorContext(partitionID int32, clusterID uint8,
	drStream, drReplicatedStream storage.TupleStream) *ExecutorContext {
	return &ExecutorContext{
		partitionID:        partitionID,
		clusterID:          clusterID,
		drStream:           drStream,
		drReplicatedStream: drReplicatedStream,
	}
}

func (ec *ExecutorContext) PartitionID() int32 { return ec.partitionID }
func (ec *ExecutorContext) ClusterID() uint8   { return ec.clusterID }

// BeginTransactionWith draws the next unique id for this partition and
// binds the context to a fresh transaction.
func (ec *ExecutorContext) BeginTransactionWith(gen id.Generator, undoToken, txnID, spHandle, lastCommittedSpHandle int64) int64 {
	uid := gen.NextUniqueID(ec.partitionID)
	ec.SetupForPlanFragments(undoToken, txnID, spHandle, lastCommittedSpHandle, uid)
	return uid
}

// SetupForPlanFragments binds the context to a transaction: its undo
// quantum and identifiers.
func (ec *ExecutorContext) SetupForPlanFragments(undoToken, txnID, spHandle, lastCommittedSpHandle, uniqueID int64) {
	ec.currentQuantum = ec.undoLog.GenerateUndoQuantum(undoToken)
	ec.txnID = txnID
	ec.spHandle = spHandle
	ec.lastCommittedSpHandle = lastCommittedSpHandle
	ec.uniqueID = uniqueID
}

// UndoQuantumRelease commits the undo quanta up to the token.
func (ec *ExecutorContext) UndoQuantumRelease(undoToken int64) {
	ec.undoLog.Release(undoToken)
	ec.currentQuantum = nil
}

// UndoQuantumUndo aborts the undo quanta at or above the token, newest
// first.
func (ec *ExecutorContext) UndoQuantumUndo(undoToken int64) {
	ec.undoLog.Undo(undoToken)
	ec.currentQuantum = nil
}

func (ec *ExecutorContext) CurrentTxnID() int64          { return ec.txnID }
func (ec *ExecutorContext) CurrentSpHandle() int64       { return ec.spHandle }
func (ec *ExecutorContext) LastCommittedSpHandle() int64 { return ec.lastCommittedSpHandle }
func (ec *ExecutorContext) CurrentUniqueID() int64       { return ec.uniqueID }

// CurrentDRTimestamp packs the cluster id and transaction unique id into
// the value stored in DR hidden columns.
func (ec *ExecutorContext) CurrentDRTimestamp() int64 {
	return hlc.MakeDRTimestamp(ec.clusterID, ec.uniqueID)
}

func (ec *ExecutorContext) DRStream() storage.TupleStream           { return ec.drStream }
func (ec *ExecutorContext) DRReplicatedStream() storage.TupleStream { return ec.drReplicatedStream }

func (ec *ExecutorContext) CurrentUndoQuantum() *storage.UndoQuantum { return ec.currentQuantum }

func (ec *ExecutorContext) IsActiveActiveDREnabled() bool { return ec.activeActiveDR }

// SetActiveActiveDREnabled toggles active-active conflict handling.
func (ec *ExecutorContext) SetActiveActiveDREnabled(enabled bool) { ec.activeActiveDR = enabled }

// SetConflictTable attaches the export table conflicts are reported to.
func (ec *ExecutorContext) SetConflictTable(t *dr.ConflictExportTable) { ec.conflictTable = t }

// ConflictExportTable implements dr.SinkHost.
func (ec *ExecutorContext) ConflictExportTable() *dr.ConflictExportTable { return ec.conflictTable }

// LocalClusterID implements dr.SinkHost.
func (ec *ExecutorContext) LocalClusterID() uint8 { return ec.clusterID }

// SetTruncateHost attaches the catalog collaborator the sink uses to apply
// truncate records.
func (ec *ExecutorContext) SetTruncateHost(h storage.TruncateHost) { ec.truncateHost = h }

// TruncateHost returns the attached catalog collaborator, or nil.
func (ec *ExecutorContext) TruncateHost() storage.TruncateHost { return ec.truncateHost }
