package dr

import (
	"github.com/klauspost/compress/s2"
)

// CompressingTopend wraps a Topend and s2-compresses block payloads before
// handing them on. Transports shipping DR buffers across the wire use it;
// the consumer decompresses with DecompressBuffer before Sink.Apply.
type CompressingTopend struct {
	Next Topend
}

func (c *CompressingTopend) PushDRBuffer(partitionID int32, sb *StreamBlock) {
	compressed := s2.Encode(nil, sb.Bytes())
	out := newStreamBlock(sb.StartUso(), len(compressed))
	out.append(compressed)
	c.Next.PushDRBuffer(partitionID, out)
}

// DecompressBuffer reverses CompressingTopend for a received payload.
func DecompressBuffer(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}
