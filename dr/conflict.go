package dr

import (
	"github.com/rs/zerolog/log"

	"github.com/cascadedb/cascade/common"
	"github.com/cascadedb/cascade/hlc"
	"github.com/cascadedb/cascade/storage"
	"github.com/cascadedb/cascade/telemetry"
	"github.com/cascadedb/cascade/tuple"
)

// conflictReporter turns a ConflictInfo into export rows: one row per tuple
// in the non-empty carriers, in the order existing-for-delete,
// expected-for-delete, existing-for-insert, new-for-insert.
type conflictReporter struct {
	table      *storage.PersistentTable
	export     *ConflictExportTable
	onPK       bool
	decision   common.RowDecision
	divergence common.DivergenceFlag
	localID    uint8
}

func (r *conflictReporter) report(info *ConflictInfo) {
	if r.export == nil {
		return
	}
	r.emit(info, info.ExistingForDelete, common.ExistingRow, info.DeleteConflict, r.localID)
	r.emit(info, info.ExpectedForDelete, common.ExpectedRow, info.DeleteConflict, info.RemoteClusterID)
	r.emit(info, info.ExistingForInsert, common.ExistingRow, info.InsertConflict, r.localID)
	r.emit(info, info.NewForInsert, common.NewRow, info.InsertConflict, info.RemoteClusterID)
}

func (r *conflictReporter) emit(info *ConflictInfo, rows []*tuple.Tuple,
	rowType common.ConflictRowType, conflictType common.ConflictType, clusterID uint8) {

	for _, row := range rows {
		tupleBytes, err := EncodeRowImage(row)
		if err != nil {
			log.Error().Err(err).Str("table", info.TableName).Msg("Failed to serialize conflict row")
			tupleBytes = nil
		}
		r.export.appendRow(exportRow{
			rowType:      rowType,
			actionType:   info.ActionType,
			conflictType: conflictType,
			onPrimaryKey: r.onPK,
			decision:     r.decision,
			clusterID:    rowClusterID(r.table, row, clusterID),
			timestamp:    rowTimestamp(r.table, row),
			divergence:   r.divergence,
			tableName:    info.TableName,
			tupleBytes:   tupleBytes,
		})
	}
}

// rowTimestamp extracts the hidden DR timestamp of a row, or zero.
func rowTimestamp(t *storage.PersistentTable, row *tuple.Tuple) int64 {
	if t == nil || !t.HasDRTimestampColumn() {
		return 0
	}
	v := row.HiddenValue(t.DRTimestampColumnIndex())
	if v.IsNull() {
		return 0
	}
	return v.Int64()
}

// rowClusterID prefers the cluster id packed into the row's DR timestamp.
func rowClusterID(t *storage.PersistentTable, row *tuple.Tuple, fallback uint8) uint8 {
	ts := rowTimestamp(t, row)
	if ts == 0 {
		return fallback
	}
	return hlc.DRTimestampClusterID(ts)
}

// LastWriteWinsPolicy applies the remote change when its DR timestamp beats
// the newest conflicting local row; the higher cluster id breaks ties.
type LastWriteWinsPolicy struct {
	table *storage.PersistentTable
}

func (p *LastWriteWinsPolicy) Resolve(info *ConflictInfo) Resolution {
	remote := latestTimestamp(p.table, info.NewForInsert, info.ExpectedForDelete)
	local := latestTimestamp(p.table, info.ExistingForInsert, info.ExistingForDelete)

	if timestampWins(remote, local) {
		return Resolution{ApplyRemote: true, Divergence: common.Convergent}
	}
	return Resolution{ApplyRemote: false, Divergence: common.Divergent}
}

func latestTimestamp(t *storage.PersistentTable, rowSets ...[]*tuple.Tuple) int64 {
	var latest int64
	for _, rows := range rowSets {
		for _, row := range rows {
			if ts := rowTimestamp(t, row); timestampWins(ts, latest) {
				latest = ts
			}
		}
	}
	return latest
}

// timestampWins compares DR timestamps by unique id first, then cluster id.
// The cluster id lives in the high bits, so a raw comparison would let the
// bigger cluster always win regardless of time.
func timestampWins(a, b int64) bool {
	ua, ub := hlc.DRTimestampUniqueID(a), hlc.DRTimestampUniqueID(b)
	if ua != ub {
		return ua > ub
	}
	return hlc.DRTimestampClusterID(a) > hlc.DRTimestampClusterID(b)
}

// RejectRemotePolicy keeps local state and only reports.
type RejectRemotePolicy struct{}

func (RejectRemotePolicy) Resolve(*ConflictInfo) Resolution {
	return Resolution{ApplyRemote: false, Divergence: common.Divergent}
}

// reportConflict classifies, resolves, exports, and notifies. Returns the
// resolution so the caller can apply or skip the remote change.
func (k *Sink) reportConflict(host SinkHost, table *storage.PersistentTable, info *ConflictInfo, onPK bool) Resolution {
	policy := k.policy
	if policy == nil {
		policy = &LastWriteWinsPolicy{table: table}
	}
	if lww, ok := policy.(*LastWriteWinsPolicy); ok {
		lww.table = table
	}
	res := policy.Resolve(info)

	decision := common.DecisionReject
	if res.ApplyRemote {
		decision = common.DecisionAccept
	}
	reporter := &conflictReporter{
		table:      table,
		export:     host.ConflictExportTable(),
		onPK:       onPK,
		decision:   decision,
		divergence: res.Divergence,
		localID:    host.LocalClusterID(),
	}
	reporter.report(info)

	if obs, ok := host.(ConflictObserver); ok {
		obs.OnConflict(info)
	}

	if info.DeleteConflict != common.NoConflict {
		telemetry.SinkConflictsTotal.With(info.DeleteConflict.ExportCode()).Inc()
	}
	if info.InsertConflict != common.NoConflict {
		telemetry.SinkConflictsTotal.With(info.InsertConflict.ExportCode()).Inc()
	}
	log.Warn().
		Str("table", info.TableName).
		Str("action", info.ActionType.String()).
		Str("delete_conflict", info.DeleteConflict.String()).
		Str("insert_conflict", info.InsertConflict.String()).
		Bool("apply_remote", res.ApplyRemote).
		Msg("DR conflict detected")
	return res
}
