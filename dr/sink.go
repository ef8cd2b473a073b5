package dr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/cascadedb/cascade/common"
	"github.com/cascadedb/cascade/index"
	"github.com/cascadedb/cascade/storage"
	"github.com/cascadedb/cascade/telemetry"
	"github.com/cascadedb/cascade/tuple"
)

// keyCacheSize bounds the cache of resolved by-index DR keys.
const keyCacheSize = 128

// Sink deserializes a DR log and drives the decoded actions against local
// tables, classifying active-active conflicts as it goes.
type Sink struct {
	policy ResolutionPolicy

	// keyCache memoizes (signature hash, column CRC) -> local unique index
	// resolutions for by-index records.
	keyCache *lru.Cache[uint64, index.Index]
}

// NewSink creates a sink. A nil policy defaults to last-write-wins.
func NewSink(policy ResolutionPolicy) *Sink {
	cache, _ := lru.New[uint64, index.Index](keyCacheSize)
	return &Sink{policy: policy, keyCache: cache}
}

// Apply walks the framed log and applies every committed transaction.
// Local DR streams are disabled for the duration so applied writes do not
// loop back. Returns the number of rows applied.
//
// A transaction whose end-record checksum fails is discarded up to the next
// valid begin record. A missing table aborts the apply without crashing.
func (k *Sink) Apply(data []byte, tables map[int64]*storage.PersistentTable,
	ctx storage.ExecContext, host SinkHost, remoteClusterID uint8) (int64, error) {

	guard := NewDisableGuard(ctx.DRStream(), ctx.DRReplicatedStream())
	defer guard.Release()

	var rowsApplied int64
	pos := 0
	for pos < len(data) {
		txnEnd, bodyStart, bodyEnd, err := k.checkTransaction(data, pos)
		if err != nil {
			var crcErr *checksumError
			if errors.As(err, &crcErr) {
				log.Warn().Int("offset", pos).Msg("Discarding DR transaction with bad checksum")
				next := k.scanToNextValidBegin(data, pos+1)
				if next < 0 {
					return rowsApplied, nil
				}
				pos = next
				continue
			}
			return rowsApplied, err
		}

		applied, err := k.applyRecords(data[bodyStart:bodyEnd], tables, ctx, host, remoteClusterID)
		rowsApplied += applied
		if err != nil {
			return rowsApplied, err
		}
		pos = txnEnd
	}
	return rowsApplied, nil
}

type checksumError struct{ offset int }

func (e *checksumError) Error() string {
	return fmt.Sprintf("DR transaction checksum mismatch at offset %d", e.offset)
}

// checkTransaction validates the begin record, walks to the end record, and
// verifies the checksum. It returns the offset past the transaction and the
// span of its row records.
func (k *Sink) checkTransaction(data []byte, pos int) (txnEnd, bodyStart, bodyEnd int, err error) {
	if len(data)-pos < BeginRecordSize {
		return 0, 0, 0, fmt.Errorf("dr: truncated begin record at offset %d", pos)
	}
	if data[pos] != ProtocolVersion {
		return 0, 0, 0, &ProtocolVersionError{Got: data[pos]}
	}
	if common.RecordType(data[pos+1]) != common.RecordBeginTxn {
		return 0, 0, 0, fmt.Errorf("dr: expected begin record at offset %d, got type %d", pos, data[pos+1])
	}
	sequence := int64(binary.BigEndian.Uint64(data[pos+2:]))

	p := pos + BeginRecordSize
	for {
		if p >= len(data) {
			return 0, 0, 0, fmt.Errorf("dr: transaction %d has no end record", sequence)
		}
		recType := common.RecordType(data[p])
		if recType == common.RecordEndTxn {
			break
		}
		n, err := recordLength(data, p)
		if err != nil {
			return 0, 0, 0, err
		}
		p += n
	}
	if len(data)-p < EndRecordSize {
		return 0, 0, 0, fmt.Errorf("dr: truncated end record for transaction %d", sequence)
	}
	endSequence := int64(binary.BigEndian.Uint64(data[p+1:]))
	if endSequence != sequence {
		return 0, 0, 0, fmt.Errorf("dr: end record sequence %d does not match begin %d", endSequence, sequence)
	}

	stored := binary.BigEndian.Uint32(data[p+9:])
	computed := crc32.Checksum(data[pos:p+9], crc32cTable)
	if stored != computed {
		return 0, 0, 0, &checksumError{offset: pos}
	}
	return p + EndRecordSize, pos + BeginRecordSize, p, nil
}

// recordLength returns the wire length of the row record starting at p.
func recordLength(data []byte, p int) (int, error) {
	recType := common.RecordType(data[p])
	switch recType {
	case common.RecordHashDelimiter:
		return HashDelimiterSize, nil
	case common.RecordInsert, common.RecordDelete:
		if len(data)-p < TxnRecordHeaderSize+4 {
			return 0, fmt.Errorf("dr: truncated %s record", recType)
		}
		n := int(binary.BigEndian.Uint32(data[p+TxnRecordHeaderSize:]))
		return TxnRecordHeaderSize + 4 + n, nil
	case common.RecordDeleteByIndex:
		n := int(binary.BigEndian.Uint32(data[p+TxnRecordHeaderSize:]))
		return TxnRecordHeaderSize + 4 + n + 4, nil
	case common.RecordTruncateTable:
		n := int(binary.BigEndian.Uint32(data[p+TxnRecordHeaderSize:]))
		return TxnRecordHeaderSize + 4 + n, nil
	case common.RecordUpdate, common.RecordUpdateByIndex:
		oldLen := int(binary.BigEndian.Uint32(data[p+TxnRecordHeaderSize:]))
		q := p + TxnRecordHeaderSize + 4 + oldLen
		if recType == common.RecordUpdateByIndex {
			q += 4
		}
		newLen := int(binary.BigEndian.Uint32(data[q:]))
		return q + 4 + newLen - p, nil
	default:
		return 0, fmt.Errorf("dr: unknown record type %d", recType)
	}
}

// scanToNextValidBegin scans forward for the next offset that parses as a
// complete transaction. Plausible-looking begin bytes inside corrupted
// payloads are rejected by attempting a full parse.
func (k *Sink) scanToNextValidBegin(data []byte, from int) int {
	for i := from; i+BeginRecordSize <= len(data); i++ {
		if data[i] != ProtocolVersion || common.RecordType(data[i+1]) != common.RecordBeginTxn {
			continue
		}
		if _, _, _, err := k.checkTransaction(data, i); err == nil {
			return i
		}
	}
	return -1
}

// applyRecords drives the row records of one transaction.
func (k *Sink) applyRecords(body []byte, tables map[int64]*storage.PersistentTable,
	ctx storage.ExecContext, host SinkHost, remoteClusterID uint8) (int64, error) {

	var rowsApplied int64
	p := 0
	for p < len(body) {
		recType := common.RecordType(body[p])
		n, err := recordLength(body, p)
		if err != nil {
			return rowsApplied, err
		}
		rec := body[p : p+n]
		p += n

		if recType == common.RecordHashDelimiter {
			continue
		}

		sigHash := int64(binary.BigEndian.Uint64(rec[1:]))
		table := tables[sigHash]
		if table == nil {
			return rowsApplied, &MissingTableError{SignatureHash: sigHash}
		}

		switch recType {
		case common.RecordInsert:
			err = k.applyInsert(ctx, host, table, rec[TxnRecordHeaderSize+4:], remoteClusterID)
		case common.RecordDelete:
			err = k.applyDelete(ctx, host, table, rec[TxnRecordHeaderSize+4:], remoteClusterID)
		case common.RecordDeleteByIndex:
			err = k.applyDeleteByIndex(ctx, table, sigHash, rec[TxnRecordHeaderSize+4:len(rec)-4],
				binary.BigEndian.Uint32(rec[len(rec)-4:]))
		case common.RecordUpdate, common.RecordUpdateByIndex:
			err = k.applyUpdate(ctx, host, table, sigHash, recType, rec, remoteClusterID)
		case common.RecordTruncateTable:
			err = k.applyTruncate(ctx, host, table)
		default:
			err = fmt.Errorf("dr: unexpected record type %d in transaction body", recType)
		}
		if err != nil {
			return rowsApplied, err
		}
		rowsApplied++
		telemetry.SinkRowsAppliedTotal.Inc()
	}
	return rowsApplied, nil
}

func (k *Sink) applyInsert(ctx storage.ExecContext, host SinkHost,
	table *storage.PersistentTable, payload []byte, remoteClusterID uint8) error {

	newRow := tuple.New(table.Schema())
	if err := DecodeRowImage(newRow, payload); err != nil {
		return err
	}

	err := table.InsertTuple(ctx, newRow)
	if err == nil {
		return nil
	}

	var ce *storage.ConstraintError
	if !errors.As(err, &ce) || ce.Kind != storage.ConstraintUnique || !host.IsActiveActiveDREnabled() {
		return err
	}

	info := &ConflictInfo{
		TableName:         table.Name(),
		ActionType:        common.RecordInsert,
		DeleteConflict:    common.NoConflict,
		InsertConflict:    common.ConflictConstraintViolation,
		RemoteClusterID:   remoteClusterID,
		ExistingForInsert: []*tuple.Tuple{ce.Conflict},
		NewForInsert:      []*tuple.Tuple{newRow},
	}
	res := k.reportConflict(host, table, info, conflictsOnPrimaryKey(table, newRow))
	if res.ApplyRemote {
		if err := deleteUniqueConflicts(ctx, table, newRow, index.InvalidAddr); err != nil {
			return err
		}
		return table.InsertTuple(ctx, newRow)
	}
	return nil
}

func (k *Sink) applyDelete(ctx storage.ExecContext, host SinkHost,
	table *storage.PersistentTable, payload []byte, remoteClusterID uint8) error {

	expected := tuple.New(table.Schema())
	if err := DecodeRowImage(expected, payload); err != nil {
		return err
	}

	if row, addr := table.LookupTupleForDR(expected); row != nil {
		return table.DeleteTuple(ctx, addr, true)
	}

	if !host.IsActiveActiveDREnabled() {
		return fmt.Errorf("dr: delete on table %s found no matching row", table.Name())
	}

	info := &ConflictInfo{
		TableName:         table.Name(),
		ActionType:        common.RecordDelete,
		InsertConflict:    common.NoConflict,
		RemoteClusterID:   remoteClusterID,
		ExpectedForDelete: []*tuple.Tuple{expected},
	}
	existing, existingAddr := lookupByUniqueKey(table, expected)
	if existing != nil {
		// Same key, different image: the row was modified locally after
		// the remote side captured its expected image.
		info.DeleteConflict = common.ConflictExpectedRowMismatch
		info.ExistingForDelete = []*tuple.Tuple{existing.Clone()}
	} else {
		info.DeleteConflict = common.ConflictExpectedRowMissing
	}

	res := k.reportConflict(host, table, info, conflictsOnPrimaryKey(table, expected))
	if res.ApplyRemote && existing != nil {
		return table.DeleteTuple(ctx, existingAddr, true)
	}
	return nil
}

func (k *Sink) applyDeleteByIndex(ctx storage.ExecContext, table *storage.PersistentTable,
	sigHash int64, keyPayload []byte, keyCRC uint32) error {

	ix, err := k.resolveKeyIndex(table, sigHash, keyCRC)
	if err != nil {
		return err
	}
	probe := tuple.New(table.Schema())
	if err := DecodeKeyImage(probe, keyPayload, ix.ColumnIndices()); err != nil {
		return err
	}
	row, addr := table.LookupTupleByDRKey(ix, probe)
	if row == nil {
		return fmt.Errorf("dr: delete-by-index on table %s found no matching row", table.Name())
	}
	return table.DeleteTuple(ctx, addr, true)
}

func (k *Sink) applyUpdate(ctx storage.ExecContext, host SinkHost, table *storage.PersistentTable,
	sigHash int64, recType common.RecordType, rec []byte, remoteClusterID uint8) error {

	oldLen := int(binary.BigEndian.Uint32(rec[TxnRecordHeaderSize:]))
	oldPayload := rec[TxnRecordHeaderSize+4 : TxnRecordHeaderSize+4+oldLen]
	q := TxnRecordHeaderSize + 4 + oldLen

	var keyIndex index.Index
	if recType == common.RecordUpdateByIndex {
		ix, err := k.resolveKeyIndex(table, sigHash, binary.BigEndian.Uint32(rec[q:]))
		if err != nil {
			return err
		}
		keyIndex = ix
		q += 4
	}
	newLen := int(binary.BigEndian.Uint32(rec[q:]))
	newPayload := rec[q+4 : q+4+newLen]

	newRow := tuple.New(table.Schema())
	if err := DecodeRowImage(newRow, newPayload); err != nil {
		return err
	}

	expected := tuple.New(table.Schema())
	var target *tuple.Tuple
	targetAddr := index.InvalidAddr
	if keyIndex != nil {
		if err := DecodeKeyImage(expected, oldPayload, keyIndex.ColumnIndices()); err != nil {
			return err
		}
		target, targetAddr = table.LookupTupleByDRKey(keyIndex, expected)
	} else {
		if err := DecodeRowImage(expected, oldPayload); err != nil {
			return err
		}
		target, targetAddr = table.LookupTupleForDR(expected)
	}

	deleteConflict := common.NoConflict
	var existingForDelete *tuple.Tuple
	// replaceAddr is the row the update would replace: the exact match, or
	// on a timestamp mismatch the row sharing its key.
	replaceAddr := targetAddr
	if target == nil {
		if !host.IsActiveActiveDREnabled() {
			return fmt.Errorf("dr: update on table %s found no matching row", table.Name())
		}
		if existing, existingAddr := lookupByUniqueKey(table, expected); existing != nil {
			deleteConflict = common.ConflictExpectedRowMismatch
			existingForDelete = existing.Clone()
			replaceAddr = existingAddr
		} else {
			deleteConflict = common.ConflictExpectedRowMissing
		}
	}

	insertConflict := common.NoConflict
	var existingForInsert *tuple.Tuple
	if conflictRow, _ := findUniqueConflict(table, newRow, replaceAddr); conflictRow != nil {
		if !host.IsActiveActiveDREnabled() {
			return &storage.ConstraintError{Table: table.Name(), Kind: storage.ConstraintUnique,
				Source: newRow.Clone(), Conflict: conflictRow.Clone()}
		}
		insertConflict = common.ConflictConstraintViolation
		existingForInsert = conflictRow.Clone()
	}

	if deleteConflict == common.NoConflict && insertConflict == common.NoConflict {
		return table.UpdateTupleWithSpecificIndexes(ctx, targetAddr, newRow, table.Indexes(), true, false)
	}

	info := &ConflictInfo{
		TableName:       table.Name(),
		ActionType:      common.RecordUpdate,
		DeleteConflict:  deleteConflict,
		InsertConflict:  insertConflict,
		RemoteClusterID: remoteClusterID,
		NewForInsert:    []*tuple.Tuple{newRow},
	}
	// The expected image always rides along on the delete side of an
	// update conflict report.
	info.ExpectedForDelete = []*tuple.Tuple{expected}
	if existingForDelete != nil {
		info.ExistingForDelete = []*tuple.Tuple{existingForDelete}
	}
	if existingForInsert != nil {
		info.ExistingForInsert = []*tuple.Tuple{existingForInsert}
	}

	res := k.reportConflict(host, table, info, conflictsOnPrimaryKey(table, newRow))
	if res.ApplyRemote {
		if err := deleteUniqueConflicts(ctx, table, newRow, replaceAddr); err != nil {
			return err
		}
		if replaceAddr.Valid() {
			return table.UpdateTupleWithSpecificIndexes(ctx, replaceAddr, newRow, table.Indexes(), true, false)
		}
		return table.InsertTuple(ctx, newRow)
	}
	return nil
}

func (k *Sink) applyTruncate(ctx storage.ExecContext, host SinkHost, table *storage.PersistentTable) error {
	type truncateHostProvider interface {
		TruncateHost() storage.TruncateHost
	}
	if p, ok := host.(truncateHostProvider); ok {
		if th := p.TruncateHost(); th != nil {
			return table.TruncateTable(ctx, th, true)
		}
	}
	// Without a catalog collaborator, fall back to row-by-row deletes.
	return table.DeleteAllTuples(ctx, true)
}

// resolveKeyIndex finds the local unique index whose column CRC matches the
// one on the wire, memoized per (signature, CRC).
func (k *Sink) resolveKeyIndex(table *storage.PersistentTable, sigHash int64, crc uint32) (index.Index, error) {
	cacheKey := uint64(sigHash)*31 ^ uint64(crc)
	if ix, ok := k.keyCache.Get(cacheKey); ok {
		return ix, nil
	}
	for _, ix := range table.Indexes() {
		if !ix.Unique() || ix.Partial() {
			continue
		}
		if storage.IndexColumnCRC(ix.ColumnIndices()) == crc {
			k.keyCache.Add(cacheKey, ix)
			return ix, nil
		}
	}
	return nil, fmt.Errorf("dr: table %s has no unique index matching key CRC %d", table.Name(), crc)
}

// lookupByUniqueKey probes the primary key, or failing that any unique
// index, for a row sharing the probe's key columns.
func lookupByUniqueKey(table *storage.PersistentTable, probe *tuple.Tuple) (*tuple.Tuple, index.Addr) {
	if pk := table.PrimaryKeyIndex(); pk != nil {
		if row, addr := table.LookupTupleByDRKey(pk, probe); row != nil {
			return row, addr
		}
	}
	for _, ix := range table.Indexes() {
		if !ix.Unique() || ix.Partial() || ix == table.PrimaryKeyIndex() {
			continue
		}
		if row, addr := table.LookupTupleByDRKey(ix, probe); row != nil {
			return row, addr
		}
	}
	return nil, index.InvalidAddr
}

// findUniqueConflict returns a row, other than the one being replaced, that
// collides with the new image on any unique index.
func findUniqueConflict(table *storage.PersistentTable, newRow *tuple.Tuple, replacing index.Addr) (*tuple.Tuple, index.Addr) {
	for _, ix := range table.Indexes() {
		if !ix.Unique() {
			continue
		}
		if row, addr := table.LookupTupleByDRKey(ix, newRow); row != nil && addr != replacing {
			return row, addr
		}
	}
	return nil, index.InvalidAddr
}

// deleteUniqueConflicts removes every row colliding with the new image so a
// winning remote change can land.
func deleteUniqueConflicts(ctx storage.ExecContext, table *storage.PersistentTable,
	newRow *tuple.Tuple, keep index.Addr) error {

	for {
		row, addr := findUniqueConflict(table, newRow, keep)
		if row == nil {
			return nil
		}
		if err := table.DeleteTuple(ctx, addr, true); err != nil {
			return err
		}
	}
}

func conflictsOnPrimaryKey(table *storage.PersistentTable, row *tuple.Tuple) bool {
	pk := table.PrimaryKeyIndex()
	return pk != nil && pk.Exists(row)
}
