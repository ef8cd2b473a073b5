package dr

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/rs/zerolog/log"

	"github.com/cascadedb/cascade/common"
	"github.com/cascadedb/cascade/hlc"
	"github.com/cascadedb/cascade/storage"
	"github.com/cascadedb/cascade/telemetry"
	"github.com/cascadedb/cascade/tuple"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// TupleStream produces the framed DR byte stream for one partition. It
// implements storage.TupleStream. Strictly single-threaded: the partition
// executor is the only caller.
type TupleStream struct {
	enabled     bool
	partitionID int32
	hashinator  common.Hashinator
	topend      Topend

	defaultCapacity   int
	secondaryCapacity int

	// rowTarget caps rows per transaction; < 0 means unlimited.
	rowTarget int64

	block   *StreamBlock
	nextUso uint64

	// open-transaction state
	opened          bool
	beginTxnUso     uint64
	openSequence    int64
	openUniqueID    int64
	txnRowCount     int64
	txnHashFlag     common.HashFlag
	firstParHashSet bool
	firstParHash    int64
	lastParHash     int64

	committedSequenceNumber int64
	lastCommittedSpUniqueID int64
	lastCommittedMpUniqueID int64
}

// NewTupleStream creates a stream for a partition. Partition id 16383 marks
// the replicated-table stream.
func NewTupleStream(partitionID int32, h common.Hashinator, topend Topend, defaultCapacity int) *TupleStream {
	if defaultCapacity <= 0 {
		defaultCapacity = 2 * 1024 * 1024
	}
	return &TupleStream{
		enabled:                 true,
		partitionID:             partitionID,
		hashinator:              h,
		topend:                  topend,
		defaultCapacity:         defaultCapacity,
		secondaryCapacity:       DefaultSecondaryCapacity,
		rowTarget:               -1,
		committedSequenceNumber: -1,
	}
}

func (s *TupleStream) Enabled() bool           { return s.enabled }
func (s *TupleStream) SetEnabled(enabled bool) { s.enabled = enabled }

// PartitionID returns the partition this stream serves.
func (s *TupleStream) PartitionID() int32 { return s.partitionID }

// IsReplicatedStream reports whether this is the replicated-table stream.
func (s *TupleStream) IsReplicatedStream() bool {
	return s.partitionID == common.ReplicatedPartitionID
}

// SetDefaultCapacity sets the primary block capacity. Only meaningful
// before the first append.
func (s *TupleStream) SetDefaultCapacity(capacity int) {
	s.defaultCapacity = capacity
}

// SetSecondaryCapacity sets the overflow block capacity; 0 disables
// rollover.
func (s *TupleStream) SetSecondaryCapacity(capacity int) {
	s.secondaryCapacity = capacity
}

// SetRowBudget caps the rows one transaction may emit; < 0 is unlimited.
func (s *TupleStream) SetRowBudget(rows int64) { s.rowTarget = rows }

// SetLastCommittedSequenceNumber primes the sequence high-water mark, used
// when rejoining an existing stream.
func (s *TupleStream) SetLastCommittedSequenceNumber(seq int64) {
	s.committedSequenceNumber = seq
}

// LastCommitted returns the committed high-water mark.
func (s *TupleStream) LastCommitted() common.DRCommittedInfo {
	return common.DRCommittedInfo{
		SeqNum:     s.committedSequenceNumber,
		SPUniqueID: s.lastCommittedSpUniqueID,
		MPUniqueID: s.lastCommittedMpUniqueID,
	}
}

// ---------------------------------------------------------------------------
// framing

func (s *TupleStream) ensureBlock() *StreamBlock {
	if s.block == nil {
		s.block = newStreamBlock(s.nextUso, s.defaultCapacity)
	}
	return s.block
}

// ensureSpace guarantees room for n more bytes, rolling over to the
// secondary capacity for oversized transactions.
func (s *TupleStream) ensureSpace(n int) error {
	sb := s.ensureBlock()
	if sb.Remaining() >= n {
		return nil
	}
	if s.secondaryCapacity > sb.capacity {
		sb.grow(s.secondaryCapacity)
		if sb.Remaining() >= n {
			return nil
		}
	}
	return &BufferOverflowError{
		Detail: fmt.Sprintf("transaction needs %d more bytes, %d available at secondary capacity", n, sb.Remaining()),
	}
}

// BeginTransaction opens a transaction frame. Appends auto-begin, so the
// executor normally only calls EndTransaction.
func (s *TupleStream) BeginTransaction(sequenceNumber, uniqueID int64) error {
	if !s.enabled {
		return nil
	}
	if s.opened {
		return fmt.Errorf("dr: transaction %d still open while beginning %d", s.openSequence, sequenceNumber)
	}
	if sequenceNumber != s.committedSequenceNumber+1 {
		return fmt.Errorf("dr: sequence %d does not follow committed %d", sequenceNumber, s.committedSequenceNumber)
	}

	// A begin needs room for itself and, eventually, an end record. If the
	// current block cannot host that, flush its committed content first.
	sb := s.ensureBlock()
	if sb.Remaining() < BeginRecordSize+EndRecordSize {
		s.pushCommitted()
		sb = s.ensureBlock()
	}
	if err := s.ensureSpace(BeginRecordSize + EndRecordSize); err != nil {
		return err
	}

	s.beginTxnUso = sb.endUso()
	var rec [BeginRecordSize]byte
	rec[0] = ProtocolVersion
	rec[1] = byte(common.RecordBeginTxn)
	binary.BigEndian.PutUint64(rec[2:], uint64(sequenceNumber))
	binary.BigEndian.PutUint64(rec[10:], uint64(uniqueID))
	// hashFlag, txnLength, and parHash are patched at end-transaction when
	// the row routing of the whole transaction is known.
	sb.append(rec[:])

	s.opened = true
	s.openSequence = sequenceNumber
	s.openUniqueID = uniqueID
	s.txnRowCount = 0
	if s.IsReplicatedStream() {
		s.txnHashFlag = common.HashFlagReplicated
	} else {
		s.txnHashFlag = common.HashFlagNone
	}
	s.firstParHashSet = false
	return nil
}

// transactionChecks lazily begins the frame for the first append of a
// transaction.
func (s *TupleStream) transactionChecks(uniqueID int64) error {
	if s.opened {
		return nil
	}
	return s.BeginTransaction(s.committedSequenceNumber+1, uniqueID)
}

// chargeRow enforces the per-transaction row budget.
func (s *TupleStream) chargeRow(cost int64) error {
	if s.rowTarget >= 0 && s.txnRowCount+cost > s.rowTarget {
		return &BufferOverflowError{
			Detail: fmt.Sprintf("transaction exceeds row budget of %d rows", s.rowTarget),
		}
	}
	return nil
}

// updateParHash folds one row's partition hash into the transaction flag
// state. It returns true when a hash delimiter must precede the row.
func (s *TupleStream) updateParHash(parHash int64) bool {
	if s.IsReplicatedStream() {
		return false
	}
	if !s.firstParHashSet {
		s.firstParHashSet = true
		s.firstParHash = parHash
		s.lastParHash = parHash
		s.txnHashFlag = common.HashFlagSingle
		return false
	}
	if parHash == s.lastParHash {
		return false
	}
	s.lastParHash = parHash
	s.txnHashFlag = common.HashFlagMulti
	return true
}

func (s *TupleStream) parHashForTuple(t *tuple.Tuple, partitionColumn int) int64 {
	if partitionColumn < 0 || s.hashinator == nil {
		return 0
	}
	v := t.Value(partitionColumn)
	var key []byte
	key = v.AppendKey(key)
	return s.hashinator.Hashinate(key)
}

// AppendTuple writes an insert or delete record. Deletes ship the full row
// image unless a DR key is available; active-active always ships full
// images for conflict detection.
func (s *TupleStream) AppendTuple(lastCommittedSpHandle int64, sig common.Signature, partitionColumn int,
	txnID, spHandle, uniqueID int64, t *tuple.Tuple,
	rec common.RecordType, drKey *storage.DRKey) (common.Mark, error) {

	if !s.enabled {
		return common.InvalidMark, nil
	}
	if err := s.transactionChecks(uniqueID); err != nil {
		return common.InvalidMark, err
	}
	if err := s.chargeRow(common.RowCost(rec)); err != nil {
		return common.InvalidMark, err
	}

	recType := rec
	var payload []byte
	var err error
	var crcTail []byte
	if rec == common.RecordDelete && drKey != nil {
		recType = common.RecordDeleteByIndex
		payload, err = EncodeKeyImage(t, drKey.Index.ColumnIndices())
		crcTail = be32(drKey.CRC)
	} else {
		payload, err = EncodeRowImage(t)
	}
	if err != nil {
		return common.InvalidMark, fmt.Errorf("dr: failed to serialize row: %w", err)
	}

	body := make([]byte, 0, TxnRecordHeaderSize+4+len(payload)+len(crcTail))
	body = append(body, byte(recType))
	body = append(body, be64(uint64(sig.Hash()))...)
	body = append(body, be32(uint32(len(payload)))...)
	body = append(body, payload...)
	body = append(body, crcTail...)

	return s.appendRecord(body, t, partitionColumn, common.RowCost(rec))
}

// AppendUpdateRecord writes an update record carrying the before and after
// images. With a DR key the before image shrinks to the key columns.
func (s *TupleStream) AppendUpdateRecord(lastCommittedSpHandle int64, sig common.Signature, partitionColumn int,
	txnID, spHandle, uniqueID int64, oldTuple, newTuple *tuple.Tuple,
	drKey *storage.DRKey) (common.Mark, error) {

	if !s.enabled {
		return common.InvalidMark, nil
	}
	if err := s.transactionChecks(uniqueID); err != nil {
		return common.InvalidMark, err
	}
	if err := s.chargeRow(common.RowCost(common.RecordUpdate)); err != nil {
		return common.InvalidMark, err
	}

	recType := common.RecordUpdate
	var oldPayload []byte
	var err error
	var crcTail []byte
	if drKey != nil {
		recType = common.RecordUpdateByIndex
		oldPayload, err = EncodeKeyImage(oldTuple, drKey.Index.ColumnIndices())
		crcTail = be32(drKey.CRC)
	} else {
		oldPayload, err = EncodeRowImage(oldTuple)
	}
	if err != nil {
		return common.InvalidMark, fmt.Errorf("dr: failed to serialize before image: %w", err)
	}
	newPayload, err := EncodeRowImage(newTuple)
	if err != nil {
		return common.InvalidMark, fmt.Errorf("dr: failed to serialize after image: %w", err)
	}

	body := make([]byte, 0, TxnRecordHeaderSize+8+len(oldPayload)+len(crcTail)+len(newPayload))
	body = append(body, byte(recType))
	body = append(body, be64(uint64(sig.Hash()))...)
	body = append(body, be32(uint32(len(oldPayload)))...)
	body = append(body, oldPayload...)
	body = append(body, crcTail...)
	body = append(body, be32(uint32(len(newPayload)))...)
	body = append(body, newPayload...)

	// The new image decides the row's routing.
	return s.appendRecord(body, newTuple, partitionColumn, common.RowCost(common.RecordUpdate))
}

// TruncateTable writes a truncate record carrying the signature hash and
// table name. On the replicated stream the transaction is flagged special.
func (s *TupleStream) TruncateTable(lastCommittedSpHandle int64, sig common.Signature, tableName string,
	txnID, spHandle, uniqueID int64) (common.Mark, error) {

	if !s.enabled {
		return common.InvalidMark, nil
	}
	if err := s.transactionChecks(uniqueID); err != nil {
		return common.InvalidMark, err
	}
	if err := s.chargeRow(common.RowCost(common.RecordTruncateTable)); err != nil {
		return common.InvalidMark, err
	}

	body := make([]byte, 0, TxnRecordHeaderSize+4+len(tableName))
	body = append(body, byte(common.RecordTruncateTable))
	body = append(body, be64(uint64(sig.Hash()))...)
	body = append(body, be32(uint32(len(tableName)))...)
	body = append(body, tableName...)

	if s.IsReplicatedStream() {
		s.txnHashFlag = common.HashFlagSpecial
	}
	return s.appendRecord(body, nil, -1, common.RowCost(common.RecordTruncateTable))
}

// appendRecord stamps routing state, reserves space, and writes the record
// (preceded by a hash delimiter when the partition hash transitions).
// Returns the pre-append mark.
func (s *TupleStream) appendRecord(body []byte, routingTuple *tuple.Tuple, partitionColumn int, rowCost int64) (common.Mark, error) {
	var delimiter []byte
	if routingTuple != nil && !s.IsReplicatedStream() && partitionColumn >= 0 {
		parHash := s.parHashForTuple(routingTuple, partitionColumn)
		if s.updateParHash(parHash) {
			delimiter = make([]byte, 0, HashDelimiterSize)
			delimiter = append(delimiter, byte(common.RecordHashDelimiter))
			delimiter = append(delimiter, be32(uint32(int32(parHash)))...)
		}
	}

	need := len(delimiter) + len(body) + EndRecordSize
	if err := s.ensureSpace(need); err != nil {
		return common.InvalidMark, err
	}

	mark := common.Mark(s.block.endUso())
	if delimiter != nil {
		s.block.append(delimiter)
	}
	s.block.append(body)
	s.txnRowCount += rowCost
	telemetry.DRBytesEmittedTotal.Add(float64(len(delimiter) + len(body)))
	return mark, nil
}

// EndTransaction closes the frame: writes the end record with a CRC32C
// over the transaction body, patches the begin record's hash flag, length
// and partition hash, and advances the committed high-water mark.
// A transaction that appended nothing was never begun; this is a no-op.
func (s *TupleStream) EndTransaction(uniqueID int64) error {
	if !s.enabled || !s.opened {
		return nil
	}
	if uniqueID != s.openUniqueID {
		log.Warn().Int64("open", s.openUniqueID).Int64("ending", uniqueID).
			Msg("Ending DR transaction with a different unique id than it began with")
	}

	sb := s.block
	// Patch the begin record now that routing is known.
	begin := sb.slice(s.beginTxnUso, s.beginTxnUso+BeginRecordSize)
	begin[18] = byte(s.txnHashFlag)
	endRecordStart := sb.endUso()
	txnLength := uint32(endRecordStart + EndRecordSize - s.beginTxnUso)
	binary.BigEndian.PutUint32(begin[19:], txnLength)
	binary.BigEndian.PutUint32(begin[23:], uint32(int32(s.firstParHash)))

	var end [EndRecordSize]byte
	end[0] = byte(common.RecordEndTxn)
	binary.BigEndian.PutUint64(end[1:], uint64(s.openSequence))
	sb.append(end[:9])

	// The checksum covers the patched begin record through the end
	// record's sequence field.
	crc := crc32.Checksum(sb.slice(s.beginTxnUso, endRecordStart+9), crc32cTable)
	sb.append(be32(crc))

	s.committedSequenceNumber = s.openSequence
	if hlc.UniqueIDPartitionID(uniqueID) == common.ReplicatedPartitionID {
		s.lastCommittedMpUniqueID = uniqueID
	} else {
		s.lastCommittedSpUniqueID = uniqueID
	}
	s.opened = false
	telemetry.DRTxnsTotal.With("committed").Inc()
	return nil
}

// RollbackTo truncates the open transaction back to the mark and refunds
// the row cost. Rolling the last row back removes the begin record too, so
// an aborted transaction leaks nothing into the stream.
func (s *TupleStream) RollbackTo(mark common.Mark, rowCost int64) {
	if mark == common.InvalidMark || s.block == nil {
		return
	}
	uso := uint64(mark)
	if uso < s.block.startUso || uso > s.block.endUso() {
		log.Error().Uint64("mark", uso).Uint64("block_start", s.block.startUso).
			Msg("DR rollback mark outside the open block")
		return
	}
	s.block.truncateTo(uso)
	s.txnRowCount -= rowCost

	if s.opened && s.block.endUso() == s.beginTxnUso+BeginRecordSize {
		// Nothing left of the transaction but its begin record.
		s.block.truncateTo(s.beginTxnUso)
		s.opened = false
		telemetry.DRTxnsTotal.With("rolled_back").Inc()
	}
}

// PeriodicFlush pushes committed bytes to the topend. Returns true if a
// block was pushed. An open transaction's bytes stay behind until it
// commits.
func (s *TupleStream) PeriodicFlush(lastCommittedSpHandle int64) bool {
	return s.pushCommitted()
}

func (s *TupleStream) pushCommitted() bool {
	sb := s.block
	if sb == nil || sb.Len() == 0 {
		return false
	}

	committedEnd := sb.endUso()
	if s.opened {
		committedEnd = s.beginTxnUso
	}
	if committedEnd == sb.startUso {
		return false
	}

	// Carve off the open tail before handing the block away.
	var tail []byte
	if s.opened && sb.endUso() > committedEnd {
		tail = append([]byte(nil), sb.slice(committedEnd, sb.endUso())...)
		sb.truncateTo(committedEnd)
	}

	s.nextUso = sb.endUso() + uint64(len(tail))
	pushed := sb
	s.block = nil
	if tail != nil {
		s.block = newStreamBlock(committedEnd, s.defaultCapacity)
		if len(tail) > s.block.Remaining() {
			s.block.grow(len(tail) + s.defaultCapacity)
		}
		s.block.append(tail)
		s.nextUso = s.block.endUso()
	}

	if s.topend != nil {
		s.topend.PushDRBuffer(s.partitionID, pushed)
	}
	telemetry.DRBufferFlushesTotal.Inc()
	return true
}

func be32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
