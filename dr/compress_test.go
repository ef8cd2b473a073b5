package dr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadedb/cascade/common"
)

func TestCompressingTopendRoundTrip(t *testing.T) {
	inner := &captureTopend{}
	topend := &CompressingTopend{Next: inner}
	s := NewTupleStream(42, common.XXHashinator{}, topend, 4096)
	sig := common.SignatureFromHash(42)

	_, err := s.AppendTuple(0, sig, 0, 1, 1, 100, streamTestRow(7, 1000), common.RecordInsert, nil)
	require.NoError(t, err)
	require.NoError(t, s.EndTransaction(100))
	require.True(t, s.PeriodicFlush(1))
	require.Len(t, inner.blocks, 1)

	raw, err := DecompressBuffer(inner.blocks[0].Bytes())
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, raw[0])
	assert.Equal(t, byte(common.RecordBeginTxn), raw[1])
}
