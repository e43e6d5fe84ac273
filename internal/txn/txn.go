// Package txn implements the per-transaction lifecycle: an operation
// log plus an irreversible state machine that emits exactly one
// settlement event to its parent when it commits or rolls back.
package txn

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// State names the lifecycle states. Began is initial; committing and
// rollingBack are terminal.
type State string

const (
	StateBegan       State = "began"
	StateCommitting  State = "committing"
	StateRollingBack State = "rollingBack"
)

// Status reports how a transaction settled.
type Status string

const (
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolledback"
)

// Kind classifies a logged operation.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Operation is one entry in a transaction's log. Item is the record
// as handed to the collection; TrackingID identifies it.
type Operation struct {
	Kind       Kind
	Item       any
	TrackingID string
}

// Settlement is the single outward event a transaction emits.
type Settlement struct {
	ID         string
	Status     Status
	Operations []Operation
}

// Parent receives the settlement event. Implemented by the collection
// coordinator.
type Parent interface {
	TransactionCompleted(Settlement)
}

// StateError reports an operation attempted outside the began state.
type StateError struct {
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("transaction is %s, mutations require began", e.State)
}

// Transaction batches operations and settles once. It never mutates
// records; it is a log with a lifecycle.
type Transaction struct {
	id     string
	state  State
	ops    []Operation
	parent Parent
}

// Begin creates a transaction in the began state. A parent is
// required; the settlement event is the transaction's only outward
// effect.
func Begin(parent Parent) *Transaction {
	return BeginWithID(ulid.Make().String(), parent)
}

// BeginWithID creates a transaction with a caller-chosen id. Begin
// uses it with a fresh ULID.
func BeginWithID(id string, parent Parent) *Transaction {
	if parent == nil {
		panic("txn: nil parent")
	}
	return &Transaction{id: id, state: StateBegan, parent: parent}
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.id }

// State returns the current lifecycle state.
func (t *Transaction) State() State { return t.state }

// Operations returns the accepted operation log in order.
func (t *Transaction) Operations() []Operation { return t.ops }

func (t *Transaction) log(kind Kind, item any, trackingID string) error {
	if t.state != StateBegan {
		return &StateError{State: t.state}
	}
	t.ops = append(t.ops, Operation{Kind: kind, Item: item, TrackingID: trackingID})
	return nil
}

// Insert appends an insert operation.
func (t *Transaction) Insert(item any, trackingID string) error {
	return t.log(KindInsert, item, trackingID)
}

// Update appends an update operation.
func (t *Transaction) Update(item any, trackingID string) error {
	return t.log(KindUpdate, item, trackingID)
}

// Delete appends a delete operation.
func (t *Transaction) Delete(item any, trackingID string) error {
	return t.log(KindDelete, item, trackingID)
}

// Commit transitions to committing and emits the settlement.
func (t *Transaction) Commit() error {
	if t.state != StateBegan {
		return &StateError{State: t.state}
	}
	t.state = StateCommitting
	t.parent.TransactionCompleted(Settlement{
		ID:         t.id,
		Status:     StatusCommitted,
		Operations: t.ops,
	})
	return nil
}

// Rollback transitions to rollingBack and emits the settlement.
func (t *Transaction) Rollback() error {
	if t.state != StateBegan {
		return &StateError{State: t.state}
	}
	t.state = StateRollingBack
	t.parent.TransactionCompleted(Settlement{
		ID:         t.id,
		Status:     StatusRolledBack,
		Operations: t.ops,
	})
	return nil
}
