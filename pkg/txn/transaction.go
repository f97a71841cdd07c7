package txn

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"lsmkit/pkg/lock"

	"github.com/google/uuid"
)

// Transaction collects mutations under a set of locks and commits them as
// one unit. Dropping it without committing is the rollback path, so every
// transaction must end in Commit or Drop:
//
//	t, err := h.NewTransaction(ctx, nil, keys, txn.Options{})
//	if err != nil {
//		return err
//	}
//	defer t.Drop()
type Transaction struct {
	id      uuid.UUID
	handler Handler
	opts    Options

	// mutations is sorted by TxnMutation.Compare and holds one entry per key.
	mutations []TxnMutation
	readLocks []lock.Key
	txnLocks  []lock.Key

	finished bool
}

// New acquires read locks, then txn locks, from locks. A key asked for in
// both sets is only txn locked, since the reader would otherwise block the
// commit of its own transaction.
func New(
	ctx context.Context,
	handler Handler,
	locks *lock.Manager,
	readLocks, txnLocks []lock.Key,
	opts Options,
) (*Transaction, error) {
	if len(txnLocks) == 0 {
		return nil, ErrEmptyLock
	}

	txnLocks = lock.Normalize(txnLocks)
	readLocks = slices.DeleteFunc(lock.Normalize(readLocks), func(k lock.Key) bool {
		_, found := slices.BinarySearchFunc(txnLocks, k, lock.Key.Compare)
		return found
	})

	readHeld, err := locks.Lock(ctx, readLocks, lock.Read)
	if err != nil {
		return nil, fmt.Errorf("failed to take read locks: %w", err)
	}
	txnHeld, err := locks.Lock(ctx, txnLocks, lock.Locked)
	if err != nil {
		locks.Unlock(readHeld, lock.Read)
		return nil, fmt.Errorf("failed to take txn locks: %w", err)
	}

	return &Transaction{
		id:        uuid.New(),
		handler:   handler,
		opts:      opts,
		readLocks: readHeld,
		txnLocks:  txnHeld,
	}, nil
}

func (t *Transaction) ID() uuid.UUID {
	return t.id
}

func (t *Transaction) Options() Options {
	return t.opts
}

func (t *Transaction) TxnLocks() []lock.Key {
	return t.txnLocks
}

func (t *Transaction) ReadLocks() []lock.Key {
	return t.readLocks
}

// Add records m against objectID. A mutation with the same key is replaced,
// except UpdateAllocatedBytes, whose deltas add up.
func (t *Transaction) Add(objectID uint64, m Mutation) {
	tm := TxnMutation{ObjectID: objectID, Mutation: m}
	i, found := slices.BinarySearchFunc(t.mutations, tm, TxnMutation.Compare)
	if !found {
		t.mutations = slices.Insert(t.mutations, i, tm)
		return
	}

	if update, ok := m.(UpdateAllocatedBytes); ok {
		prev := t.mutations[i].Mutation.(UpdateAllocatedBytes)
		tm.Mutation = UpdateAllocatedBytes{Delta: prev.Delta + update.Delta}
	}
	t.mutations[i] = tm
}

// Remove drops the mutation with the same key as m.
func (t *Transaction) Remove(objectID uint64, m Mutation) {
	tm := TxnMutation{ObjectID: objectID, Mutation: m}
	if i, found := slices.BinarySearchFunc(t.mutations, tm, TxnMutation.Compare); found {
		t.mutations = slices.Delete(t.mutations, i, i+1)
	}
}

// Mutations returns the pending mutations in order. The slice must not be
// modified.
func (t *Transaction) Mutations() []TxnMutation {
	return t.mutations
}

func (t *Transaction) IsEmpty() bool {
	return len(t.mutations) == 0
}

// TakeMutations returns the pending mutations and leaves the transaction
// empty.
func (t *Transaction) TakeMutations() []TxnMutation {
	m := t.mutations
	t.mutations = nil
	return m
}

// Commit applies the transaction and releases its locks. The locks are
// released even if the commit fails.
func (t *Transaction) Commit(ctx context.Context) (uint64, error) {
	defer t.Drop()
	return t.CommitAndContinue(ctx)
}

// CommitAndContinue applies the pending mutations and keeps the locks, so
// more mutations can be added and committed later.
func (t *Transaction) CommitAndContinue(ctx context.Context) (uint64, error) {
	if t.finished {
		return 0, ErrFinished
	}
	return t.handler.CommitTransaction(ctx, t)
}

// Drop discards pending mutations and releases the locks. It is safe to call
// more than once and after Commit.
func (t *Transaction) Drop() {
	if t.finished {
		return
	}
	t.finished = true

	if !t.IsEmpty() {
		slog.Debug("dropping transaction with pending mutations", "txn", t.id, "mutations", len(t.mutations))
	}
	t.handler.DropTransaction(t)
}

// ReleaseLocks hands back the locks the transaction holds and forgets them.
// Handlers call it from DropTransaction.
func (t *Transaction) ReleaseLocks(locks *lock.Manager) {
	locks.Unlock(t.txnLocks, lock.Locked)
	locks.Unlock(t.readLocks, lock.Read)
	t.txnLocks, t.readLocks = nil, nil
	t.mutations = nil
}
