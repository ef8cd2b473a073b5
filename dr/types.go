// Package dr implements the database replication byte stream: the framed,
// versioned binary log a partition emits for a peer cluster, and the sink
// that applies such a log against local tables with active-active conflict
// detection.
package dr

import (
	"fmt"

	"github.com/cascadedb/cascade/common"
	"github.com/cascadedb/cascade/sqlerror"
	"github.com/cascadedb/cascade/storage"
	"github.com/cascadedb/cascade/tuple"
)

// ProtocolVersion leads every begin record. Consumers refuse mismatching
// versions.
const ProtocolVersion uint8 = 4

// Record sizes on the wire, big-endian throughout.
const (
	// version(1) + type(1) + drId(8) + uniqueId(8) + hashFlag(1) + txnLength(4) + parHash(4)
	BeginRecordSize = 1 + 1 + 8 + 8 + 1 + 4 + 4
	// version(1) + type(1) + drId(8) + uniqueId(8)
	BeginRecordHeaderSize = 1 + 1 + 8 + 8
	// type(1) + drId(8) + checksum(4)
	EndRecordSize = 1 + 8 + 4
	// type(1) + table signature hash(8)
	TxnRecordHeaderSize = 1 + 8
	// type(1) + parHash(4)
	HashDelimiterSize = 1 + 4
)

// MagicDRTransactionPadding is headroom reserved at the front of every
// stream block so a transport can wrap the log in an invocation envelope
// without copying.
const MagicDRTransactionPadding = 78

// DefaultSecondaryCapacity is the default size of the overflow block for
// transactions too large for the primary block.
const DefaultSecondaryCapacity = 45*1024*1024 + 4096

// Topend receives flushed stream blocks.
type Topend interface {
	PushDRBuffer(partitionID int32, sb *StreamBlock)
}

// BufferOverflowError is transaction-fatal: the caller must abort the whole
// transaction and retry in smaller pieces.
type BufferOverflowError struct {
	Detail string
}

func (e *BufferOverflowError) Error() string {
	return fmt.Sprintf("[%s] DR buffer overflow: %s", sqlerror.OutputBufferOverflow, e.Detail)
}

// SQLState returns the output-buffer-overflow state code.
func (e *BufferOverflowError) SQLState() string { return sqlerror.OutputBufferOverflow }

// ProtocolVersionError is fatal for the stream being consumed.
type ProtocolVersionError struct {
	Got uint8
}

func (e *ProtocolVersionError) Error() string {
	return fmt.Sprintf("DR protocol version mismatch: got %d, expected %d", e.Got, ProtocolVersion)
}

// MissingTableError aborts the containing apply transaction without
// crashing the sink.
type MissingTableError struct {
	SignatureHash int64
}

func (e *MissingTableError) Error() string {
	return fmt.Sprintf("no table on replica for signature hash %d", e.SignatureHash)
}

// SinkHost supplies the engine-side collaborators a sink needs while
// applying a log.
type SinkHost interface {
	IsActiveActiveDREnabled() bool
	ConflictExportTable() *ConflictExportTable
	LocalClusterID() uint8
}

// ConflictObserver is an optional SinkHost extension notified with the full
// conflict detail, carriers included. Test harnesses use it to inspect the
// existing/expected/new row sets.
type ConflictObserver interface {
	OnConflict(info *ConflictInfo)
}

// ConflictInfo is one detected conflict: the action that hit it, the
// delete-side and insert-side classification, and the row carriers.
type ConflictInfo struct {
	TableName       string
	ActionType      common.RecordType
	DeleteConflict  common.ConflictType
	InsertConflict  common.ConflictType
	RemoteClusterID uint8

	ExistingForDelete []*tuple.Tuple
	ExpectedForDelete []*tuple.Tuple
	ExistingForInsert []*tuple.Tuple
	NewForInsert      []*tuple.Tuple
}

// Resolution is a policy's verdict on a conflict.
type Resolution struct {
	ApplyRemote bool
	Divergence  common.DivergenceFlag
}

// ResolutionPolicy decides the winner of an active-active conflict. The
// taxonomy and export rows are mandatory; the winner is pluggable.
type ResolutionPolicy interface {
	Resolve(info *ConflictInfo) Resolution
}

// DisableGuard scopes DR emission off while a sink applies a remote log,
// preventing loopback. Release restores prior enablement on all exit paths.
type DisableGuard struct {
	streams []storage.TupleStream
	prior   []bool
}

// NewDisableGuard disables the given streams (nils are skipped) and records
// their prior enablement.
func NewDisableGuard(streams ...storage.TupleStream) *DisableGuard {
	g := &DisableGuard{}
	for _, s := range streams {
		if s == nil {
			continue
		}
		g.streams = append(g.streams, s)
		g.prior = append(g.prior, s.Enabled())
		s.SetEnabled(false)
	}
	return g
}

// Release restores the prior enablement.
func (g *DisableGuard) Release() {
	for i, s := range g.streams {
		s.SetEnabled(g.prior[i])
	}
}
