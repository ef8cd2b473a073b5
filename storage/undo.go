package storage

// UndoAction is one reversible step of a transaction. Actions are invoked
// in reverse registration order on abort, and released in registration
// order on commit.
type UndoAction interface {
	Undo()
	Release()
}

// UndoQuantum is the bounded scope undo actions accumulate in: one quantum
// per transaction token.
type UndoQuantum struct {
	token   int64
	actions []UndoAction
}

// Token returns the transaction token this quantum belongs to.
func (uq *UndoQuantum) Token() int64 { return uq.token }

// RegisterUndoAction appends an action to the quantum.
func (uq *UndoQuantum) RegisterUndoAction(a UndoAction) {
	uq.actions = append(uq.actions, a)
}

func (uq *UndoQuantum) undo() {
	for i := len(uq.actions) - 1; i >= 0; i-- {
		uq.actions[i].Undo()
	}
	uq.actions = nil
}

func (uq *UndoQuantum) release() {
	for _, a := range uq.actions {
		a.Release()
	}
	uq.actions = nil
}

// UndoLog tracks the open undo quanta of an executor, ordered by token.
type UndoLog struct {
	quanta []*UndoQuantum
}

// GenerateUndoQuantum opens a quantum for the token. Tokens must be
// generated in increasing order.
func (ul *UndoLog) GenerateUndoQuantum(token int64) *UndoQuantum {
	if n := len(ul.quanta); n > 0 && ul.quanta[n-1].token == token {
		return ul.quanta[n-1]
	}
	uq := &UndoQuantum{token: token}
	ul.quanta = append(ul.quanta, uq)
	return uq
}

// Undo aborts every quantum with token >= the given token, newest first,
// running each quantum's actions in reverse.
func (ul *UndoLog) Undo(token int64) {
	for len(ul.quanta) > 0 {
		last := ul.quanta[len(ul.quanta)-1]
		if last.token < token {
			return
		}
		last.undo()
		ul.quanta = ul.quanta[:len(ul.quanta)-1]
	}
}

// Release commits every quantum with token <= the given token, oldest
// first, releasing actions in registration order.
func (ul *UndoLog) Release(token int64) {
	for len(ul.quanta) > 0 {
		first := ul.quanta[0]
		if first.token > token {
			return
		}
		first.release()
		ul.quanta = ul.quanta[1:]
	}
}
