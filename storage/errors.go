package storage

import (
	"fmt"

	"github.com/cascadedb/cascade/sqlerror"
	"github.com/cascadedb/cascade/tuple"
)

// ConstraintKind identifies which constraint an insert or update violated.
type ConstraintKind int

const (
	ConstraintNotNull ConstraintKind = iota
	ConstraintUnique
	ConstraintRowLimit
)

func (k ConstraintKind) String() string {
	switch k {
	case ConstraintNotNull:
		return "NOT NULL"
	case ConstraintUnique:
		return "UNIQUE"
	case ConstraintRowLimit:
		return "ROW LIMIT"
	default:
		return "UNKNOWN"
	}
}

// ConstraintError is the recoverable failure of an insert or update. For
// unique violations it carries a copy of the conflicting tuple so the sink
// can classify active-active conflicts.
type ConstraintError struct {
	Table    string
	Kind     ConstraintKind
	Source   *tuple.Tuple // the image that failed
	Conflict *tuple.Tuple // the existing conflicting row, unique only
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("[%s] table %s: %s constraint failed",
		sqlerror.IntegrityConstraintViolation, e.Table, e.Kind)
}

// SQLState returns the 5-character state code for the failure.
func (e *ConstraintError) SQLState() string {
	return sqlerror.IntegrityConstraintViolation
}
