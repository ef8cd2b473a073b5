package storage

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cascadedb/cascade/common"
)

// Truncate cutoffs: below these single-block load factors a row-by-row
// delete beats the table-swap machinery's fixed cost. Values came from
// benchmarking the original engine across schema shapes and view counts.
const (
	truncateLoadFactorCutoff          = 0.105666
	truncateLoadFactorCutoffWithViews = 0.015416
)

// TruncateTable empties the table by swapping in a fresh instance built
// from the catalog. Small tables fall back to row-by-row deletes. The old
// table stays pinned until the undo quantum releases it.
func (t *PersistentTable) TruncateTable(ctx ExecContext, host TruncateHost, fallible bool) error {
	if t.IsEmpty() {
		return nil
	}

	if len(t.blocks) == 1 {
		cutoff := truncateLoadFactorCutoff
		if len(t.views) > 0 {
			cutoff = truncateLoadFactorCutoffWithViews
		}
		for _, b := range t.blocks {
			if b.LoadFactor() <= cutoff {
				return t.DeleteAllTuples(ctx, fallible)
			}
		}
	}

	emptyTable, err := host.BuildEmptyTable(t)
	if err != nil {
		return fmt.Errorf("truncate %s: failed to build empty table: %w", t.name, err)
	}

	if t.streamer != nil {
		// A recovery or elastic stream keeps reading the old image until it
		// completes; record the back-pointer so readers can find it.
		emptyTable.preTruncateTable = t
	}

	if t.purgeFragment != nil {
		emptyTable.purgeFragment = t.purgeFragment
		t.purgeFragment = nil
	}

	host.SwapTable(t, emptyTable)

	mark := common.InvalidMark
	var stream TupleStream
	if s, streaming := t.shouldStreamDR(ctx); streaming {
		mark, err = s.TruncateTable(ctx.LastCommittedSpHandle(), t.signature, t.name,
			ctx.CurrentTxnID(), ctx.CurrentSpHandle(), ctx.CurrentUniqueID())
		if err != nil {
			host.SwapTable(emptyTable, t)
			return err
		}
		stream = s
	}

	uq := ctx.CurrentUndoQuantum()
	switch {
	case uq != nil:
		if !fallible {
			panic(fmt.Sprintf("attempted to truncate table %s infallibly with an active undo quantum", t.name))
		}
		emptyTable.tuplesPinnedByUndo = emptyTable.tupleCount
		emptyTable.invisibleTuplesPendingDeleteCount = emptyTable.tupleCount
		uq.RegisterUndoAction(&undoTruncateAction{
			host:     host,
			oldTable: t,
			newTable: emptyTable,
			mark:     mark,
			stream:   streamIfValid(stream, mark),
		})
	default:
		if fallible {
			panic(fmt.Sprintf("attempted to truncate table %s fallibly with no active undo quantum", t.name))
		}
		emptyTable.truncateTableRelease(t)
	}

	return nil
}

// truncateTableForUndo restores the pre-truncate table.
func (t *PersistentTable) truncateTableForUndo(host TruncateHost, originalTable *PersistentTable) {
	log.Debug().Str("table", originalTable.name).Msg("Undoing table truncate")

	if originalTable.streamer != nil {
		// The stream may have completed while the truncate was in flight.
		t.preTruncateTable = nil
	}

	host.SwapTable(t, originalTable)
}

// truncateTableRelease drops the undo pin on the old table once the
// truncating transaction commits.
func (t *PersistentTable) truncateTableRelease(originalTable *PersistentTable) {
	t.tuplesPinnedByUndo = 0
	t.invisibleTuplesPendingDeleteCount = 0

	if originalTable.streamer != nil {
		log.Info().Str("table", t.name).Msg("Transferring table stream after truncation")
		t.streamer = originalTable.streamer
		t.preTruncateTable = nil
	}
}

// PreTruncateTable returns the pre-truncate image an active stream should
// keep reading, or nil.
func (t *PersistentTable) PreTruncateTable() *PersistentTable { return t.preTruncateTable }

// SetPurgeFragment stores opaque executor state carried across truncation.
func (t *PersistentTable) SetPurgeFragment(f interface{}) { t.purgeFragment = f }

// PurgeFragment returns the carried purge state, or nil.
func (t *PersistentTable) PurgeFragment() interface{} { return t.purgeFragment }

type undoTruncateAction struct {
	host     TruncateHost
	oldTable *PersistentTable
	newTable *PersistentTable
	mark     common.Mark
	stream   TupleStream
}

func (a *undoTruncateAction) Undo() {
	a.newTable.truncateTableForUndo(a.host, a.oldTable)
	if a.stream != nil {
		a.stream.RollbackTo(a.mark, common.RowCost(common.RecordTruncateTable))
	}
}

func (a *undoTruncateAction) Release() {
	a.newTable.truncateTableRelease(a.oldTable)
}
