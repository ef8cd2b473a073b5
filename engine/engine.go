package engine

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cascadedb/cascade/common"
	"github.com/cascadedb/cascade/index"
	"github.com/cascadedb/cascade/storage"
)

// TableDef is the catalog definition a table is built from, retained so
// truncation can stamp out a fresh empty instance.
type TableDef struct {
	Opts            storage.TableOpts
	Indexes         []index.Scheme
	PrimaryKeyIndex string // name of the primary key scheme, or empty
}

// Engine is the catalog-lite table registry for one process: tables by
// name and by signature hash, plus the truncate collaborator.
type Engine struct {
	clusterID  uint8
	hashinator common.Hashinator

	defs        map[string]TableDef
	tables      map[string]*storage.PersistentTable
	bySignature map[int64]*storage.PersistentTable
}

// NewEngine creates an empty engine.
func NewEngine(clusterID uint8) *Engine {
	return &Engine{
		clusterID:   clusterID,
		hashinator:  common.XXHashinator{},
		defs:        make(map[string]TableDef),
		tables:      make(map[string]*storage.PersistentTable),
		bySignature: make(map[int64]*storage.PersistentTable),
	}
}

// Hashinator returns the engine-wide partition hashinator.
func (e *Engine) Hashinator() common.Hashinator { return e.hashinator }

// CreateTable builds a table from its definition and registers it.
func (e *Engine) CreateTable(def TableDef) (*storage.PersistentTable, error) {
	if _, exists := e.defs[def.Opts.Name]; exists {
		return nil, fmt.Errorf("engine: table %s already exists", def.Opts.Name)
	}
	t, err := e.buildTable(def)
	if err != nil {
		return nil, err
	}
	e.defs[def.Opts.Name] = def
	e.tables[def.Opts.Name] = t
	e.bySignature[def.Opts.Signature.Hash()] = t
	log.Info().Str("table", def.Opts.Name).Msg("Created table")
	return t, nil
}

func (e *Engine) buildTable(def TableDef) (*storage.PersistentTable, error) {
	t := storage.NewPersistentTable(def.Opts)
	for _, scheme := range def.Indexes {
		ix := index.New(scheme, def.Opts.Schema)
		if err := t.AddIndex(ix); err != nil {
			return nil, err
		}
		if scheme.Name == def.PrimaryKeyIndex {
			t.SetPrimaryKeyIndex(ix)
		}
	}
	return t, nil
}

// Table returns a table by name, or nil.
func (e *Engine) Table(name string) *storage.PersistentTable { return e.tables[name] }

// TableBySignature returns a table by signature hash, or nil.
func (e *Engine) TableBySignature(sigHash int64) *storage.PersistentTable {
	return e.bySignature[sigHash]
}

// TablesBySignature returns the routing map the binary log sink applies
// records through.
func (e *Engine) TablesBySignature() map[int64]*storage.PersistentTable {
	out := make(map[int64]*storage.PersistentTable, len(e.bySignature))
	for k, v := range e.bySignature {
		out[k] = v
	}
	return out
}

// DropTable removes a table from the catalog.
func (e *Engine) DropTable(name string) {
	if t := e.tables[name]; t != nil {
		delete(e.bySignature, t.Signature().Hash())
	}
	delete(e.tables, name)
	delete(e.defs, name)
}

// BuildEmptyTable implements storage.TruncateHost: a fresh instance of the
// table's definition.
func (e *Engine) BuildEmptyTable(t *storage.PersistentTable) (*storage.PersistentTable, error) {
	def, ok := e.defs[t.Name()]
	if !ok {
		return nil, fmt.Errorf("engine: no definition for table %s", t.Name())
	}
	return e.buildTable(def)
}

// SwapTable implements storage.TruncateHost: repoint catalog references
// from the old instance to the new one.
func (e *Engine) SwapTable(oldTable, newTable *storage.PersistentTable) {
	e.tables[newTable.Name()] = newTable
	e.bySignature[newTable.Signature().Hash()] = newTable
	for _, v := range newTable.Views() {
		v.SetSourceTable(newTable)
	}
}
