package txn

import (
	"context"

	"lsmkit/pkg/lock"
)

// Handler owns the state transactions change.
type Handler interface {
	// NewTransaction takes readLocks, then txnLocks, and returns an empty
	// transaction holding them.
	NewTransaction(ctx context.Context, readLocks, txnLocks []lock.Key, opts Options) (*Transaction, error)
	// CommitTransaction applies the mutations of txn and returns the commit
	// sequence. txn keeps its locks.
	CommitTransaction(ctx context.Context, txn *Transaction) (uint64, error)
	// DropTransaction discards whatever txn has not committed and releases its
	// locks.
	DropTransaction(txn *Transaction)
	ReadLock(ctx context.Context, keys ...lock.Key) (*lock.ReadGuard, error)
}

type Options struct {
	// Reservation pays for allocations made by the transaction. Without one
	// the handler charges its own free space.
	Reservation *Reservation
	// SkipSpaceCheck lets deallocations go through on a full store.
	SkipSpaceCheck bool
}
