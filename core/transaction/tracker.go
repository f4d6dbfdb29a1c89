package transaction

import (
	"fmt"
	"sort"
)

// ResourceState is the per-resource bookkeeping used to order accesses.
// Multiple readers can block a future writer, but only a single writer can
// block future accesses.
type ResourceState struct {
	lastWriter ID   // Zero when there is no live writer
	readers    []ID // Readers admitted since lastWriter was recorded
}

// LastWriter returns the most recent live read-write transaction, or zero.
func (s *ResourceState) LastWriter() ID { return s.lastWriter }

// Readers returns the read-only transactions admitted since the last writer.
func (s *ResourceState) Readers() []ID {
	return append([]ID(nil), s.readers...)
}

// forget drops every reference to id.
func (s *ResourceState) forget(id ID) {
	if s.lastWriter == id {
		s.lastWriter = 0
	}
	for i, r := range s.readers {
		if r == id {
			s.readers = append(s.readers[:i], s.readers[i+1:]...)
			break
		}
	}
}

// DatabaseTable holds the live transactions of one database together with
// the dependency state of every resource those transactions declared. It
// exists only while the database has at least one transaction.
type DatabaseTable struct {
	transactions map[ID]*Transaction
	resources    map[string]*ResourceState
}

func newDatabaseTable() *DatabaseTable {
	return &DatabaseTable{
		transactions: make(map[ID]*Transaction),
		resources:    make(map[string]*ResourceState),
	}
}

// Len returns the number of live transactions.
func (d *DatabaseTable) Len() int { return len(d.transactions) }

// Resource returns the dependency state for name, or nil.
func (d *DatabaseTable) Resource(name string) *ResourceState {
	return d.resources[name]
}

// Tracker computes admission order for transactions. It is not safe for
// concurrent use; the scheduler confines it to the coordination goroutine.
type Tracker struct {
	databases map[string]*DatabaseTable
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{databases: make(map[string]*DatabaseTable)}
}

// Admit registers a new transaction and wires its blocking edges. The
// returned transaction is blocked iff IsBlocked reports true; the caller is
// responsible for unblocking its queue otherwise.
func (tr *Tracker) Admit(id ID, databaseID string, names []string, mode Mode, queue *Queue) *Transaction {
	names = normalizeNames(names)

	db, ok := tr.databases[databaseID]
	if !ok {
		db = newDatabaseTable()
		tr.databases[databaseID] = db
	}
	if _, exists := db.transactions[id]; exists {
		panic(fmt.Errorf("%w: transaction %d in database %q", ErrTransactionExists, id, databaseID))
	}

	txn := newTransaction(id, databaseID, names, mode, queue)
	db.transactions[id] = txn

	for _, name := range names {
		state, ok := db.resources[name]
		if !ok {
			state = &ResourceState{}
			db.resources[name] = state
		}

		// Everything after a write must observe it.
		if state.lastWriter != 0 {
			tr.addEdge(db, txn, state.lastWriter)
		}

		// A writer waits for every outstanding reader.
		if mode == ReadWrite {
			for _, reader := range state.readers {
				tr.addEdge(db, txn, reader)
			}
		}

		if mode == ReadWrite {
			// The new writer already depends on the old readers, so they no
			// longer need direct edges from future transactions.
			state.lastWriter = id
			state.readers = state.readers[:0]
		} else {
			state.readers = append(state.readers, id)
		}
	}
	return txn
}

func (tr *Tracker) addEdge(db *DatabaseTable, waiter *Transaction, holderID ID) {
	if holderID == waiter.ID {
		return
	}
	holder, ok := db.transactions[holderID]
	if !ok {
		panic(fmt.Errorf("%w: edge %d -> %d references a finished transaction", ErrInvariantViolation, waiter.ID, holderID))
	}
	waiter.blockedOn[holderID] = struct{}{}
	holder.blocking[waiter.ID] = struct{}{}
}

// Removal describes the graph changes caused by removing a transaction.
type Removal struct {
	Transaction *Transaction
	// Unblocked lists dependents whose last blocking edge was removed, in
	// ascending ID order.
	Unblocked []*Transaction
	// DatabaseDrained is true when the removed transaction was the last one
	// of its database and the database table was dropped.
	DatabaseDrained bool
}

// Remove deletes a finished transaction from the graph. Removing an unknown
// transaction panics.
func (tr *Tracker) Remove(id ID, databaseID string) Removal {
	db, ok := tr.databases[databaseID]
	if !ok {
		panic(fmt.Errorf("%w: %q", ErrDatabaseNotFound, databaseID))
	}
	txn, ok := db.transactions[id]
	if !ok {
		panic(fmt.Errorf("%w: transaction %d in database %q", ErrTransactionNotFound, id, databaseID))
	}

	delete(db.transactions, id)
	if len(db.transactions) == 0 {
		delete(tr.databases, databaseID)
		return Removal{Transaction: txn, DatabaseDrained: true}
	}

	for _, name := range txn.ResourceNames {
		if state, ok := db.resources[name]; ok {
			state.forget(id)
		}
	}

	removal := Removal{Transaction: txn}
	for _, waiterID := range txn.Blocking() {
		waiter, ok := db.transactions[waiterID]
		if !ok {
			continue
		}
		delete(waiter.blockedOn, id)
		if len(waiter.blockedOn) == 0 {
			removal.Unblocked = append(removal.Unblocked, waiter)
		}
	}
	return removal
}

// Get returns a live transaction, or nil.
func (tr *Tracker) Get(id ID, databaseID string) *Transaction {
	db, ok := tr.databases[databaseID]
	if !ok {
		return nil
	}
	return db.transactions[id]
}

// Database returns the table for databaseID, or nil when it has no live
// transactions.
func (tr *Tracker) Database(databaseID string) *DatabaseTable {
	return tr.databases[databaseID]
}

// HasDatabase reports whether databaseID has live transactions.
func (tr *Tracker) HasDatabase(databaseID string) bool {
	_, ok := tr.databases[databaseID]
	return ok
}

// Databases returns the IDs of databases with live transactions, sorted.
func (tr *Tracker) Databases() []string {
	ids := make([]string, 0, len(tr.databases))
	for id := range tr.databases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Transactions returns the live transactions of databaseID in ID order.
func (tr *Tracker) Transactions(databaseID string) []*Transaction {
	db, ok := tr.databases[databaseID]
	if !ok {
		return nil
	}
	txns := make([]*Transaction, 0, len(db.transactions))
	for _, t := range db.transactions {
		txns = append(txns, t)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].ID < txns[j].ID })
	return txns
}

// Len returns the total number of live transactions.
func (tr *Tracker) Len() int {
	n := 0
	for _, db := range tr.databases {
		n += len(db.transactions)
	}
	return n
}

// Reset discards all state.
func (tr *Tracker) Reset() {
	tr.databases = make(map[string]*DatabaseTable)
}

// CheckInvariants verifies that blockedOn and blocking are exact inverses
// over the live population, that no transaction references itself and that
// resource state only names live transactions.
func (tr *Tracker) CheckInvariants() error {
	for dbID, db := range tr.databases {
		if len(db.transactions) == 0 {
			return fmt.Errorf("%w: database %q has an empty table", ErrInvariantViolation, dbID)
		}
		for id, txn := range db.transactions {
			if _, self := txn.blockedOn[id]; self {
				return fmt.Errorf("%w: transaction %d blocked on itself", ErrInvariantViolation, id)
			}
			if _, self := txn.blocking[id]; self {
				return fmt.Errorf("%w: transaction %d blocking itself", ErrInvariantViolation, id)
			}
			for holderID := range txn.blockedOn {
				holder, ok := db.transactions[holderID]
				if !ok {
					return fmt.Errorf("%w: transaction %d blocked on finished %d", ErrInvariantViolation, id, holderID)
				}
				if _, ok := holder.blocking[id]; !ok {
					return fmt.Errorf("%w: %d blocked on %d without inverse edge", ErrInvariantViolation, id, holderID)
				}
			}
			for waiterID := range txn.blocking {
				waiter, ok := db.transactions[waiterID]
				if !ok {
					return fmt.Errorf("%w: transaction %d blocking finished %d", ErrInvariantViolation, id, waiterID)
				}
				if _, ok := waiter.blockedOn[id]; !ok {
					return fmt.Errorf("%w: %d blocking %d without inverse edge", ErrInvariantViolation, id, waiterID)
				}
			}
		}
		for name, state := range db.resources {
			if state.lastWriter != 0 {
				if _, ok := db.transactions[state.lastWriter]; !ok {
					return fmt.Errorf("%w: resource %q names finished writer %d", ErrInvariantViolation, name, state.lastWriter)
				}
			}
			for _, r := range state.readers {
				if _, ok := db.transactions[r]; !ok {
					return fmt.Errorf("%w: resource %q names finished reader %d", ErrInvariantViolation, name, r)
				}
			}
		}
	}
	return nil
}
