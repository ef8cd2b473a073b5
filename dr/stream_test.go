package dr

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadedb/cascade/common"
	"github.com/cascadedb/cascade/tuple"
)

type captureTopend struct {
	blocks []*StreamBlock
}

func (c *captureTopend) PushDRBuffer(partitionID int32, sb *StreamBlock) {
	c.blocks = append(c.blocks, sb)
}

func streamTestSchema() *tuple.Schema {
	return tuple.NewSchemaWithHidden(
		[]tuple.Column{
			{Name: "C_TINYINT", Type: tuple.TypeTinyInt},
			{Name: "C_BIGINT", Type: tuple.TypeBigInt, AllowNull: true},
		},
		[]tuple.Column{
			{Name: "DR_TS", Type: tuple.TypeBigInt, AllowNull: true},
		},
	)
}

func streamTestRow(a int8, b int64) *tuple.Tuple {
	row := tuple.New(streamTestSchema())
	row.SetValue(0, tuple.TinyIntValue(a))
	row.SetValue(1, tuple.BigIntValue(b))
	row.SetHiddenValue(0, tuple.BigIntValue(777))
	return row
}

func TestStreamFramesTransaction(t *testing.T) {
	topend := &captureTopend{}
	s := NewTupleStream(42, common.XXHashinator{}, topend, 4096)
	sig := common.SignatureFromHash(42)

	mark, err := s.AppendTuple(0, sig, 0, 1, 1, 100, streamTestRow(7, 1000), common.RecordInsert, nil)
	require.NoError(t, err)
	// The lazy begin record precedes the first row.
	assert.Equal(t, common.Mark(BeginRecordSize), mark)

	require.NoError(t, s.EndTransaction(100))
	require.True(t, s.PeriodicFlush(1))
	require.Len(t, topend.blocks, 1)

	data := topend.blocks[0].Bytes()
	require.Greater(t, len(data), BeginRecordSize+EndRecordSize)

	assert.Equal(t, ProtocolVersion, data[0])
	assert.Equal(t, byte(common.RecordBeginTxn), data[1])
	assert.Equal(t, int64(0), int64(binary.BigEndian.Uint64(data[2:])))
	assert.Equal(t, int64(100), int64(binary.BigEndian.Uint64(data[10:])))
	assert.Equal(t, byte(common.HashFlagSingle), data[18])
	assert.Equal(t, uint32(len(data)), binary.BigEndian.Uint32(data[19:]))

	endStart := len(data) - EndRecordSize
	assert.Equal(t, byte(common.RecordEndTxn), data[endStart])
	assert.Equal(t, int64(0), int64(binary.BigEndian.Uint64(data[endStart+1:])))

	stored := binary.BigEndian.Uint32(data[len(data)-4:])
	computed := crc32.Checksum(data[:len(data)-4], crc32.MakeTable(crc32.Castagnoli))
	assert.Equal(t, computed, stored)

	info := s.LastCommitted()
	assert.Equal(t, int64(0), info.SeqNum)
	assert.Equal(t, int64(100), info.SPUniqueID)
}

func TestStreamHashDelimiterOnMultiHashTxn(t *testing.T) {
	topend := &captureTopend{}
	s := NewTupleStream(42, common.XXHashinator{}, topend, 4096)
	sig := common.SignatureFromHash(42)

	_, err := s.AppendTuple(0, sig, 0, 1, 1, 100, streamTestRow(1, 10), common.RecordInsert, nil)
	require.NoError(t, err)
	_, err = s.AppendTuple(0, sig, 0, 1, 1, 100, streamTestRow(2, 20), common.RecordInsert, nil)
	require.NoError(t, err)
	require.NoError(t, s.EndTransaction(100))
	require.True(t, s.PeriodicFlush(1))

	data := topend.blocks[0].Bytes()
	assert.Equal(t, byte(common.HashFlagMulti), data[18])

	delimiters := 0
	p := BeginRecordSize
	for p < len(data)-EndRecordSize {
		recType := common.RecordType(data[p])
		if recType == common.RecordHashDelimiter {
			delimiters++
		}
		n, err := recordLength(data, p)
		require.NoError(t, err)
		p += n
	}
	assert.Equal(t, 1, delimiters)
}

func TestStreamRollbackLeavesNoBytes(t *testing.T) {
	topend := &captureTopend{}
	s := NewTupleStream(42, common.XXHashinator{}, topend, 4096)
	sig := common.SignatureFromHash(42)

	mark, err := s.AppendTuple(0, sig, 0, 1, 1, 100, streamTestRow(7, 1000), common.RecordInsert, nil)
	require.NoError(t, err)

	s.RollbackTo(mark, common.RowCost(common.RecordInsert))

	// The begin record went with the last row; nothing to flush.
	assert.False(t, s.PeriodicFlush(1))
	assert.Empty(t, topend.blocks)
	assert.Equal(t, int64(-1), s.LastCommitted().SeqNum)
}

func TestStreamPartialRollback(t *testing.T) {
	topend := &captureTopend{}
	s := NewTupleStream(42, common.XXHashinator{}, topend, 4096)
	sig := common.SignatureFromHash(42)

	_, err := s.AppendTuple(0, sig, 0, 1, 1, 100, streamTestRow(1, 10), common.RecordInsert, nil)
	require.NoError(t, err)
	mark2, err := s.AppendTuple(0, sig, 0, 1, 1, 100, streamTestRow(1, 20), common.RecordInsert, nil)
	require.NoError(t, err)

	s.RollbackTo(mark2, common.RowCost(common.RecordInsert))
	require.NoError(t, s.EndTransaction(100))
	require.True(t, s.PeriodicFlush(1))

	// One row survived, and the transaction frame is still checksum-valid.
	data := topend.blocks[0].Bytes()
	stored := binary.BigEndian.Uint32(data[len(data)-4:])
	computed := crc32.Checksum(data[:len(data)-4], crc32.MakeTable(crc32.Castagnoli))
	assert.Equal(t, computed, stored)
	assert.Equal(t, int64(0), s.LastCommitted().SeqNum)
}

func TestStreamRowBudget(t *testing.T) {
	s := NewTupleStream(42, common.XXHashinator{}, &captureTopend{}, 4096)
	s.SetRowBudget(1)
	sig := common.SignatureFromHash(42)

	_, err := s.AppendTuple(0, sig, 0, 1, 1, 100, streamTestRow(1, 10), common.RecordInsert, nil)
	require.NoError(t, err)

	_, err = s.AppendTuple(0, sig, 0, 1, 1, 100, streamTestRow(2, 20), common.RecordInsert, nil)
	var overflow *BufferOverflowError
	require.ErrorAs(t, err, &overflow)
}

func TestStreamSecondaryRollover(t *testing.T) {
	sig := common.SignatureFromHash(42)

	// With a secondary buffer the oversized transaction rolls over.
	s := NewTupleStream(42, common.XXHashinator{}, &captureTopend{}, 128)
	for i := 0; i < 16; i++ {
		_, err := s.AppendTuple(0, sig, 0, 1, 1, 100, streamTestRow(int8(i), int64(i)), common.RecordInsert, nil)
		require.NoError(t, err)
	}
	require.NoError(t, s.EndTransaction(100))

	// Without one it fails with buffer-overflow.
	s2 := NewTupleStream(42, common.XXHashinator{}, &captureTopend{}, 128)
	s2.SetSecondaryCapacity(0)
	var lastErr error
	for i := 0; i < 16 && lastErr == nil; i++ {
		_, lastErr = s2.AppendTuple(0, sig, 0, 1, 1, 100, streamTestRow(int8(i), int64(i)), common.RecordInsert, nil)
	}
	var overflow *BufferOverflowError
	require.ErrorAs(t, lastErr, &overflow)
}

func TestStreamNoOpEndTransaction(t *testing.T) {
	topend := &captureTopend{}
	s := NewTupleStream(42, common.XXHashinator{}, topend, 4096)

	require.NoError(t, s.EndTransaction(100))
	assert.False(t, s.PeriodicFlush(1))
	assert.Equal(t, int64(-1), s.LastCommitted().SeqNum)
}

func TestStreamFlushHoldsOpenTransaction(t *testing.T) {
	topend := &captureTopend{}
	s := NewTupleStream(42, common.XXHashinator{}, topend, 4096)
	sig := common.SignatureFromHash(42)

	_, err := s.AppendTuple(0, sig, 0, 1, 1, 100, streamTestRow(1, 10), common.RecordInsert, nil)
	require.NoError(t, err)
	require.NoError(t, s.EndTransaction(100))

	_, err = s.AppendTuple(0, sig, 0, 2, 2, 101, streamTestRow(2, 20), common.RecordInsert, nil)
	require.NoError(t, err)

	// Only the committed transaction is pushed.
	require.True(t, s.PeriodicFlush(1))
	require.Len(t, topend.blocks, 1)
	first := topend.blocks[0].Bytes()
	assert.Equal(t, uint32(len(first)), binary.BigEndian.Uint32(first[19:]))

	require.NoError(t, s.EndTransaction(101))
	require.True(t, s.PeriodicFlush(2))
	require.Len(t, topend.blocks, 2)
	second := topend.blocks[1].Bytes()
	assert.Equal(t, int64(1), int64(binary.BigEndian.Uint64(second[2:])))
}

func TestStreamDisabledAppendsAreNoOps(t *testing.T) {
	topend := &captureTopend{}
	s := NewTupleStream(42, common.XXHashinator{}, topend, 4096)
	s.SetEnabled(false)
	sig := common.SignatureFromHash(42)

	mark, err := s.AppendTuple(0, sig, 0, 1, 1, 100, streamTestRow(1, 10), common.RecordInsert, nil)
	require.NoError(t, err)
	assert.Equal(t, common.InvalidMark, mark)
	assert.False(t, s.PeriodicFlush(1))
}

func TestReplicatedStreamFlags(t *testing.T) {
	topend := &captureTopend{}
	s := NewTupleStream(common.ReplicatedPartitionID, common.XXHashinator{}, topend, 4096)
	sig := common.SignatureFromHash(24)

	_, err := s.AppendTuple(0, sig, -1, 1, 1, 100, streamTestRow(1, 10), common.RecordInsert, nil)
	require.NoError(t, err)
	require.NoError(t, s.EndTransaction(100))
	require.True(t, s.PeriodicFlush(1))

	data := topend.blocks[0].Bytes()
	assert.Equal(t, byte(common.HashFlagReplicated), data[18])
}
