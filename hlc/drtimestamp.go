package hlc

// The DR timestamp is the value stored in a DR-enabled table's hidden column
// and shipped with every row image. It packs the writing cluster's id and
// the transaction unique id into a single 64-bit value.
//
// Layout (stable across protocol versions):
//   - high 8 bits: cluster id
//   - low 56 bits: transaction unique id
const (
	drClusterIDBits = 8
	drUniqueIDBits  = 64 - drClusterIDBits

	// DRUniqueIDMask masks the unique id portion of a DR timestamp.
	DRUniqueIDMask = (int64(1) << drUniqueIDBits) - 1
)

// MakeDRTimestamp packs a cluster id and a transaction unique id into the
// hidden-column timestamp value.
func MakeDRTimestamp(clusterID uint8, uniqueID int64) int64 {
	return (int64(clusterID) << drUniqueIDBits) | (uniqueID & DRUniqueIDMask)
}

// DRTimestampClusterID extracts the cluster id from a DR timestamp.
func DRTimestampClusterID(ts int64) uint8 {
	return uint8(uint64(ts) >> drUniqueIDBits)
}

// DRTimestampUniqueID extracts the unique id from a DR timestamp.
func DRTimestampUniqueID(ts int64) int64 {
	return ts & DRUniqueIDMask
}
