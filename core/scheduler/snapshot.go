package scheduler

import "github.com/sushant-115/gojosched/core/transaction"

// TransactionInfo describes one live transaction.
type TransactionInfo struct {
	ID            transaction.ID
	DatabaseID    string
	Mode          transaction.Mode
	ResourceNames []string
	BlockedOn     []transaction.ID
	Blocking      []transaction.ID
	State         transaction.State
	Executed      int
}

// Snapshot is a point-in-time copy of the dependency graph.
type Snapshot struct {
	// Databases maps each database with live transactions to them, in id order.
	Databases map[string][]TransactionInfo
	Waiters   int
	LastID    transaction.ID
	Closing   bool
}

// Transaction finds a transaction in the snapshot.
func (s Snapshot) Transaction(id transaction.ID) (TransactionInfo, bool) {
	for _, txns := range s.Databases {
		for _, t := range txns {
			if t.ID == id {
				return t, true
			}
		}
	}
	return TransactionInfo{}, false
}

// Snapshot copies the live graph.
func (r *Registry) Snapshot() Snapshot {
	r.assertOwner("Snapshot")
	snap := Snapshot{
		Databases: make(map[string][]TransactionInfo),
		Waiters:   len(r.waiters),
		LastID:    r.lastID,
		Closing:   r.closing,
	}
	for _, dbID := range r.tracker.Databases() {
		for _, t := range r.tracker.Transactions(dbID) {
			snap.Databases[dbID] = append(snap.Databases[dbID], TransactionInfo{
				ID:            t.ID,
				DatabaseID:    t.DatabaseID,
				Mode:          t.Mode,
				ResourceNames: append([]string(nil), t.ResourceNames...),
				BlockedOn:     t.BlockedOn(),
				Blocking:      t.Blocking(),
				State:         t.Queue.State(),
				Executed:      t.Queue.Executed(),
			})
		}
	}
	return snap
}
