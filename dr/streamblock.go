package dr

// StreamBlock is one contiguous span of the DR byte stream. The buffer
// reserves MagicDRTransactionPadding bytes of headroom in front of the
// records so a transport can prepend an invocation wrapper without copying.
type StreamBlock struct {
	startUso uint64
	buf      []byte // full buffer; records start at MagicDRTransactionPadding
	capacity int    // record capacity, padding excluded
}

func newStreamBlock(startUso uint64, capacity int) *StreamBlock {
	return &StreamBlock{
		startUso: startUso,
		buf:      make([]byte, MagicDRTransactionPadding, MagicDRTransactionPadding+capacity),
		capacity: capacity,
	}
}

// StartUso is the stream offset of the block's first record byte.
func (sb *StreamBlock) StartUso() uint64 { return sb.startUso }

// Bytes returns the record bytes of the block.
func (sb *StreamBlock) Bytes() []byte { return sb.buf[MagicDRTransactionPadding:] }

// RawBuffer returns the full buffer including the headroom.
func (sb *StreamBlock) RawBuffer() []byte { return sb.buf }

// Len is the number of record bytes.
func (sb *StreamBlock) Len() int { return len(sb.buf) - MagicDRTransactionPadding }

// Capacity is the record capacity.
func (sb *StreamBlock) Capacity() int { return sb.capacity }

// Remaining is the free record space.
func (sb *StreamBlock) Remaining() int { return sb.capacity - sb.Len() }

// endUso is the stream offset one past the last record byte.
func (sb *StreamBlock) endUso() uint64 { return sb.startUso + uint64(sb.Len()) }

// append adds record bytes. The caller has verified capacity.
func (sb *StreamBlock) append(b []byte) {
	sb.buf = append(sb.buf, b...)
}

// truncateTo cuts the block back to the given stream offset.
func (sb *StreamBlock) truncateTo(uso uint64) {
	sb.buf = sb.buf[:MagicDRTransactionPadding+int(uso-sb.startUso)]
}

// grow reallocates the block with a larger capacity, preserving content.
func (sb *StreamBlock) grow(capacity int) {
	next := make([]byte, len(sb.buf), MagicDRTransactionPadding+capacity)
	copy(next, sb.buf)
	sb.buf = next
	sb.capacity = capacity
}

// slice returns the record bytes in [from, to) as stream offsets.
func (sb *StreamBlock) slice(from, to uint64) []byte {
	return sb.buf[MagicDRTransactionPadding+int(from-sb.startUso) : MagicDRTransactionPadding+int(to-sb.startUso)]
}
