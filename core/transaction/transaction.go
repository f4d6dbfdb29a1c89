package transaction

import (
	"fmt"
	"sort"
	"strings"
)

// ID identifies a transaction. IDs are allocated by the scheduler, start at 1
// and are never reused within a scheduler lifetime. The zero ID means "none".
type ID uint64

// Mode is the access mode a transaction declares at admission.
type Mode int

const (
	ReadOnly  Mode = iota // Shares resources with other readers
	ReadWrite             // Serialized against every other access to its resources
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "ro"/"readonly" and "rw"/"readwrite" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "ro", "readonly", "read_only":
		return ReadOnly, nil
	case "rw", "readwrite", "read_write":
		return ReadWrite, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Transaction is the in-memory record of an admitted transaction. Records
// live in a DatabaseTable arena keyed by ID; the blockedOn/blocking edges
// hold IDs rather than pointers so the graph never forms reference cycles.
type Transaction struct {
	ID            ID
	DatabaseID    string
	ResourceNames []string // Deduplicated, sorted, immutable after admission
	Mode          Mode
	Queue         *Queue

	blockedOn map[ID]struct{} // Transactions this one waits for
	blocking  map[ID]struct{} // Transactions waiting for this one
}

func newTransaction(id ID, databaseID string, names []string, mode Mode, queue *Queue) *Transaction {
	return &Transaction{
		ID:            id,
		DatabaseID:    databaseID,
		ResourceNames: names,
		Mode:          mode,
		Queue:         queue,
		blockedOn:     make(map[ID]struct{}),
		blocking:      make(map[ID]struct{}),
	}
}

// IsBlocked reports whether the transaction still waits on another one.
func (t *Transaction) IsBlocked() bool {
	return len(t.blockedOn) > 0
}

// BlockedOn returns the IDs this transaction waits for, in ascending order.
func (t *Transaction) BlockedOn() []ID {
	return sortedIDs(t.blockedOn)
}

// Blocking returns the IDs waiting for this transaction, in ascending order.
func (t *Transaction) Blocking() []ID {
	return sortedIDs(t.blocking)
}

func sortedIDs(set map[ID]struct{}) []ID {
	ids := make([]ID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// normalizeNames deduplicates and sorts resource names. An empty result is a
// contract violation and panics.
func normalizeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	if len(out) == 0 {
		panic(ErrEmptyResourceSet)
	}
	sort.Strings(out)
	return out
}
