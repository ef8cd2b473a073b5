package telemetry

// DR stream latency buckets (seconds) for flush push.
var FlushBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1}

// Storage metrics
var (
	// RowsWrittenTotal counts row mutations by op (insert, update, delete)
	RowsWrittenTotal CounterVec = noopCounterVec{}

	// CompactionRunsTotal counts forced and idle compaction passes
	CompactionRunsTotal Counter = NoopStat{}

	// CompactionFailuresTotal counts compaction passes that found no
	// eligible candidate while the predicate said work remained
	CompactionFailuresTotal Counter = NoopStat{}

	// BlocksAllocated tracks the number of live tuple blocks
	BlocksAllocated Gauge = NoopStat{}
)

// DR producer metrics
var (
	// DRBytesEmittedTotal counts bytes appended to DR streams
	DRBytesEmittedTotal Counter = NoopStat{}

	// DRTxnsTotal counts DR transactions by result (committed, rolled_back)
	DRTxnsTotal CounterVec = noopCounterVec{}

	// DRBufferFlushesTotal counts stream blocks pushed to the topend
	DRBufferFlushesTotal Counter = NoopStat{}
)

// DR consumer metrics
var (
	// SinkRowsAppliedTotal counts rows applied by the binary log sink
	SinkRowsAppliedTotal Counter = NoopStat{}

	// SinkConflictsTotal counts conflicts by type (MISS, MSMT, CNST)
	SinkConflictsTotal CounterVec = noopCounterVec{}
)

// registerMetrics replaces the no-op variables with registered collectors.
func registerMetrics() {
	RowsWrittenTotal = NewCounterVec("rows_written_total", "Row mutations by operation", []string{"op"})
	CompactionRunsTotal = NewCounter("compaction_runs_total", "Compaction passes executed")
	CompactionFailuresTotal = NewCounter("compaction_failures_total", "Compaction passes with no eligible candidates")
	BlocksAllocated = NewGauge("blocks_allocated", "Live tuple blocks")

	DRBytesEmittedTotal = NewCounter("dr_bytes_emitted_total", "Bytes appended to DR streams")
	DRTxnsTotal = NewCounterVec("dr_txns_total", "DR transactions by result", []string{"result"})
	DRBufferFlushesTotal = NewCounter("dr_buffer_flushes_total", "Stream blocks pushed to the topend")

	SinkRowsAppliedTotal = NewCounter("sink_rows_applied_total", "Rows applied by the binary log sink")
	SinkConflictsTotal = NewCounterVec("sink_conflicts_total", "Conflicts by type", []string{"type"})
}
