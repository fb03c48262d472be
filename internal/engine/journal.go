package engine

// Journal is an undo log giving each public operation all-or-nothing
// semantics. Components record an undo closure immediately after every state
// mutation; if a later check fails the operation calls Rollback and every
// prior mutation is reversed in LIFO order.
//
// A Journal is used by exactly one operation on the sequencer goroutine, so
// it needs no locking.
type Journal struct {
	undos     []func()
	committed bool
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{}
}

// Record appends an undo closure reversing the mutation just applied.
func (j *Journal) Record(undo func()) {
	j.undos = append(j.undos, undo)
}

// Rollback reverses all recorded mutations in LIFO order. No-op after Commit.
func (j *Journal) Rollback() {
	if j.committed {
		return
	}
	for i := len(j.undos) - 1; i >= 0; i-- {
		j.undos[i]()
	}
	j.undos = nil
}

// Commit discards the undo log, making the operation's effects permanent.
func (j *Journal) Commit() {
	j.committed = true
	j.undos = nil
}

// Len returns the number of recorded undo entries.
func (j *Journal) Len() int {
	return len(j.undos)
}
