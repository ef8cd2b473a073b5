package engine

import (
	"github.com/cascadedb/cascade/cfg"
	"github.com/cascadedb/cascade/common"
	"github.com/cascadedb/cascade/dr"
)

// NewPartitionStream builds a DR stream for a partition from the loaded
// configuration.
func NewPartitionStream(partitionID int32, topend dr.Topend) *dr.TupleStream {
	s := dr.NewTupleStream(partitionID, common.XXHashinator{}, topend, cfg.Config.DR.BufferCapacity)
	s.SetSecondaryCapacity(cfg.Config.DR.SecondaryCapacity)
	s.SetRowBudget(cfg.Config.DR.RowBudget)
	s.SetEnabled(cfg.Config.DR.Enabled)
	return s
}

// NewReplicatedStream builds the replicated-table DR stream from the
// loaded configuration.
func NewReplicatedStream(topend dr.Topend) *dr.TupleStream {
	return NewPartitionStream(common.ReplicatedPartitionID, topend)
}
