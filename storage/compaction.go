package storage

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/cascadedb/cascade/index"
	"github.com/cascadedb/cascade/telemetry"
	"github.com/cascadedb/cascade/tuple"
)

// failedCompactionLogInterval throttles the diagnostic for the case where
// the predicate claims work exists but no candidates are found.
const failedCompactionLogInterval = 5000

// computeBuckets derives the occupancy buckets for a block set on demand.
// Membership is a pure function of block state so it can never drift from
// reality. Blocks within a bucket are ordered by id for determinism.
func computeBuckets(set map[uint32]*Block) [NumBuckets][]*Block {
	var buckets [NumBuckets][]*Block
	for _, b := range set {
		buckets[b.BucketIndex()] = append(buckets[b.BucketIndex()], b)
	}
	for i := range buckets {
		sort.Slice(buckets[i], func(a, b int) bool { return buckets[i][a].id < buckets[i][b].id })
	}
	return buckets
}

// CompactionPredicate reports whether merging could free at least one
// block's worth of slots.
func (t *PersistentTable) CompactionPredicate() bool {
	if len(t.blocks) < 2 {
		return false
	}
	// Tuples pinned by undo cannot move; wait for the quantum to resolve.
	if t.tuplesPinnedByUndo > 0 {
		return false
	}
	var capacity int64
	for _, b := range t.blocks {
		capacity += int64(b.Capacity())
	}
	var perBlock int64
	for _, b := range t.blocks {
		perBlock = int64(b.Capacity())
		break
	}
	return capacity-t.tupleCount >= perBlock
}

// DoIdleCompaction runs one merge pass over each bucket subset.
func (t *PersistentTable) DoIdleCompaction() {
	if len(t.blocksNotPendingSnapshot) > 0 {
		t.doCompactionWithinSubset(t.blocksNotPendingSnapshot)
	}
	if len(t.blocksPendingSnapshot) > 0 {
		t.doCompactionWithinSubset(t.blocksPendingSnapshot)
	}
}

// DoForcedCompaction merges blocks until the predicate is satisfied.
// Refuses to run while a recovery stream is active.
func (t *PersistentTable) DoForcedCompaction() bool {
	if t.streamer != nil && t.streamer.RecoveryActive() {
		log.Info().Str("table", t.name).Msg("Deferring compaction until recovery is complete")
		return false
	}

	log.Info().Str("table", t.name).Int64("allocated_tuples", t.tupleCount).Msg("Doing forced compaction")

	hadWork1, hadWork2 := true, true
	var notPendingCompactions, pendingCompactions int64
	failedBefore := t.failedCompactionCount

	for t.CompactionPredicate() {
		if !hadWork1 && !hadWork2 {
			// The predicate says blocks should merge but no candidates were
			// eligible. Blocks re-enter bucketing as their load changes, so
			// this stalls rather than corrupts, but it deserves a trace.
			if t.failedCompactionCount%failedCompactionLogInterval == 0 {
				log.Error().Str("table", t.name).Int("occurrences", t.failedCompactionCount).
					Msg("Compaction predicate said there should be blocks to compact but none were eligible")
			}
			t.failedCompactionCount++
			telemetry.CompactionFailuresTotal.Inc()
			break
		}
		if len(t.blocksNotPendingSnapshot) > 0 && hadWork1 {
			hadWork1 = t.doCompactionWithinSubset(t.blocksNotPendingSnapshot)
			notPendingCompactions++
		}
		if len(t.blocksPendingSnapshot) > 0 && hadWork2 {
			hadWork2 = t.doCompactionWithinSubset(t.blocksPendingSnapshot)
			pendingCompactions++
		}
		if len(t.blocksNotPendingSnapshot) == 0 {
			hadWork1 = false
		}
		if len(t.blocksPendingSnapshot) == 0 {
			hadWork2 = false
		}
	}

	if failedBefore > 0 && failedBefore == t.failedCompactionCount {
		log.Error().Str("table", t.name).Int("failed_attempts", failedBefore).
			Msg("Recovered from a failed compaction scenario and compacted until the predicate was satisfied")
		t.failedCompactionCount = 0
	}

	telemetry.CompactionRunsTotal.Inc()
	log.Info().Str("table", t.name).
		Int64("non_snapshot_passes", notPendingCompactions).
		Int64("snapshot_passes", pendingCompactions).
		Int64("allocated_tuples", t.tupleCount).
		Msg("Finished forced compaction")
	return notPendingCompactions+pendingCompactions > 0
}

// doCompactionWithinSubset picks the fullest block that still has free
// slots and merges lighter blocks into it until it fills or no donor
// remains. Returns whether any tuple moved.
func (t *PersistentTable) doCompactionWithinSubset(set map[uint32]*Block) bool {
	buckets := computeBuckets(set)

	var fullest *Block
	for i := NumBuckets - 1; i >= 0 && fullest == nil; i-- {
		for _, b := range buckets[i] {
			if b.HasFreeTuples() {
				fullest = b
				break
			}
		}
	}
	if fullest == nil {
		return false
	}

	progressed := false
	for fullest.HasFreeTuples() {
		var lightest *Block
		for i := 0; i < NumBuckets && lightest == nil; i++ {
			for _, b := range buckets[i] {
				if b != fullest {
					lightest = b
					break
				}
			}
		}
		if lightest == nil {
			return progressed
		}

		t.mergeBlocks(fullest, lightest)
		progressed = true

		if lightest.IsEmpty() {
			t.notifyBlockWasCompactedAway(lightest)
			t.removeBlock(lightest)
		}
		buckets = computeBuckets(set)
	}

	if !fullest.HasFreeTuples() {
		t.blocksWithSpace.Delete(fullest)
	}
	return progressed
}

// mergeBlocks moves tuples from the source block into the target's free
// slots, rewriting every index entry through the stable address map.
func (t *PersistentTable) mergeBlocks(target, source *Block) {
	moved := 0
	source.ForEachOccupied(func(slot uint32, _ *tuple.Tuple) bool {
		if !target.HasFreeTuples() {
			return false
		}
		t.swapTuples(index.Addr{Block: source.id, Slot: slot}, target)
		moved++
		return true
	})
	target.setLastCompactionOffset(moved)
}

// swapTuples relocates one tuple into a free slot of the destination block
// and rewrites index entries without key changes.
func (t *PersistentTable) swapTuples(srcAddr index.Addr, dstBlock *Block) {
	srcBlock := t.blocks[srcAddr.Block]
	srcTuple := srcBlock.Tuple(srcAddr.Slot)

	if srcTuple.IsPendingDeleteOnUndoRelease() {
		panic("compaction attempted to move a tuple pinned by undo")
	}

	dstSlot, dstTuple, ok := dstBlock.NextFreeSlot()
	if !ok {
		panic("compaction destination block advertised space but had none")
	}
	dstAddr := index.Addr{Block: dstBlock.id, Slot: dstSlot}

	dstTuple.CopyDataFrom(srcTuple)
	dstTuple.SetActive(true)
	dstTuple.SetDirty(srcTuple.IsDirty())
	dstTuple.SetPendingDelete(srcTuple.IsPendingDelete())

	// A tuple pending delete is no longer in any index.
	if !srcTuple.IsPendingDelete() {
		for _, ix := range t.indexes {
			if !ix.ReplaceEntryNoKeyChange(dstTuple, dstAddr, srcAddr) {
				panic("failed to update tuple address in index during compaction")
			}
		}
	}

	if t.streamer != nil {
		t.streamer.NotifyTupleMovement(srcBlock, dstBlock, srcTuple, dstTuple)
	}

	srcTuple.SetActive(false)
	srcTuple.FreeObjectColumns()
	srcBlock.FreeSlot(srcAddr.Slot)

	if !dstBlock.HasFreeTuples() {
		t.blocksWithSpace.Delete(dstBlock)
	}
}

func (t *PersistentTable) notifyBlockWasCompactedAway(b *Block) {
	if _, pending := t.blocksPendingSnapshot[b.id]; pending && t.streamer != nil {
		t.streamer.NotifyBlockCompactedAway(b)
	}
}

// FailedCompactionCount exposes the bucketing-drift diagnostic counter.
func (t *PersistentTable) FailedCompactionCount() int { return t.failedCompactionCount }
