package dr

import (
	"github.com/cascadedb/cascade/common"
	"github.com/cascadedb/cascade/tuple"
)

// ExportStream receives conflict rows as they are emitted, in order.
type ExportStream interface {
	AppendTuple(t *tuple.Tuple)
}

// ConflictExportSchema is the fixed layout of conflict export rows.
func ConflictExportSchema() *tuple.Schema {
	return tuple.NewSchema([]tuple.Column{
		{Name: "ROW_TYPE", Type: tuple.TypeVarchar, Length: 3},
		{Name: "ACTION_TYPE", Type: tuple.TypeVarchar, Length: 1},
		{Name: "CONFLICT_TYPE", Type: tuple.TypeVarchar, Length: 4},
		{Name: "CONFLICTS_ON_PRIMARY_KEY", Type: tuple.TypeTinyInt, AllowNull: true},
		{Name: "ROW_DECISION", Type: tuple.TypeVarchar, Length: 1, AllowNull: true},
		{Name: "CLUSTER_ID", Type: tuple.TypeTinyInt},
		{Name: "TIMESTAMP", Type: tuple.TypeBigInt},
		{Name: "DIVERGENCE", Type: tuple.TypeVarchar, Length: 1},
		{Name: "TABLE_NAME", Type: tuple.TypeVarchar, Length: 1024, AllowNull: true},
		{Name: "TUPLE", Type: tuple.TypeVarbinary, Length: 1048576, AllowNull: true},
	})
}

// ConflictExportTable collects conflict rows for downstream resolution. It
// is an append-only stream table: rows are never indexed or updated.
type ConflictExportTable struct {
	name   string
	schema *tuple.Schema
	stream ExportStream
	rows   []*tuple.Tuple
}

// NewConflictExportTable creates the export table. stream may be nil.
func NewConflictExportTable(name string, stream ExportStream) *ConflictExportTable {
	return &ConflictExportTable{
		name:   name,
		schema: ConflictExportSchema(),
		stream: stream,
	}
}

func (e *ConflictExportTable) Name() string          { return e.name }
func (e *ConflictExportTable) Schema() *tuple.Schema { return e.schema }

// Rows returns the emitted conflict rows in order.
func (e *ConflictExportTable) Rows() []*tuple.Tuple { return e.rows }

// RowCount returns the number of emitted conflict rows.
func (e *ConflictExportTable) RowCount() int { return len(e.rows) }

// exportRow describes one conflict export row before encoding.
type exportRow struct {
	rowType      common.ConflictRowType
	actionType   common.RecordType
	conflictType common.ConflictType
	onPrimaryKey bool
	decision     common.RowDecision
	clusterID    uint8
	timestamp    int64
	divergence   common.DivergenceFlag
	tableName    string
	tupleBytes   []byte
}

func (e *ConflictExportTable) appendRow(r exportRow) {
	row := tuple.New(e.schema)
	row.SetValue(0, tuple.StringValue(r.rowType.ExportCode()))
	row.SetValue(1, tuple.StringValue(r.actionType.ExportCode()))
	row.SetValue(2, tuple.StringValue(r.conflictType.ExportCode()))
	onPK := int8(0)
	if r.onPrimaryKey {
		onPK = 1
	}
	row.SetValue(3, tuple.TinyIntValue(onPK))
	row.SetValue(4, tuple.StringValue(r.decision.ExportCode()))
	row.SetValue(5, tuple.TinyIntValue(int8(r.clusterID)))
	row.SetValue(6, tuple.BigIntValue(r.timestamp))
	row.SetValue(7, tuple.StringValue(r.divergence.ExportCode()))
	row.SetValue(8, tuple.StringValue(r.tableName))
	row.SetValue(9, tuple.BinaryValue(r.tupleBytes))
	row.SetActive(true)

	e.rows = append(e.rows, row)
	if e.stream != nil {
		e.stream.AppendTuple(row)
	}
}
