// Package transaction serializes access to collections and indexes and
// groups page mutations into atomic WAL commits.
package transaction

import "fmt"

// TransactionState represents the lifecycle of a Scope.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // locks held, pages being read or written
	TxnStateCommitted                         // every dirty page reached the WAL
	TxnStateAborted                           // rolled back or failed before durability
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

// ObjectID identifies a lockable object: the catalog, a collection or an index.
type ObjectID uint64

// MetaObjectID is the catalog's own id.
const MetaObjectID ObjectID = 1

// LockMode is shared or exclusive.
type LockMode int

const (
	LockRead LockMode = iota
	LockWrite
)

func (m LockMode) String() string {
	if m == LockWrite {
		return "write"
	}
	return "read"
}

// Target names one lock a transaction needs.
type Target struct {
	ID   ObjectID
	Mode LockMode
}

// Read is a shared target on id.
func Read(id ObjectID) Target { return Target{ID: id, Mode: LockRead} }

// Write is an exclusive target on id.
func Write(id ObjectID) Target { return Target{ID: id, Mode: LockWrite} }

func (t Target) String() string { return fmt.Sprintf("%s(%d)", t.Mode, t.ID) }
