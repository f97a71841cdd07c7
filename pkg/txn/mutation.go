package txn

import (
	"cmp"
	"fmt"

	"lsmkit/pkg/allocator"
	"lsmkit/pkg/object"
)

type Kind uint8

const (
	KindObjectStore Kind = iota + 1
	KindStoreInfo
	KindAllocator
	KindAllocatorRef
	KindTreeSeal
	KindTreeCompact
	KindUpdateAllocatedBytes
)

func (k Kind) String() string {
	switch k {
	case KindObjectStore:
		return "object-store"
	case KindStoreInfo:
		return "store-info"
	case KindAllocator:
		return "allocator"
	case KindAllocatorRef:
		return "allocator-ref"
	case KindTreeSeal:
		return "tree-seal"
	case KindTreeCompact:
		return "tree-compact"
	case KindUpdateAllocatedBytes:
		return "update-allocated-bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Operation says how an object store mutation lands in the tree.
type Operation uint8

const (
	OpInsert Operation = iota + 1
	OpReplaceOrInsert
	OpMerge
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpReplaceOrInsert:
		return "replace-or-insert"
	case OpMerge:
		return "merge"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// TreeID names one of the trees of a store.
type TreeID uint8

const (
	TreeObjects TreeID = iota + 1
	TreeAllocator
)

func (t TreeID) String() string {
	switch t {
	case TreeObjects:
		return "objects"
	case TreeAllocator:
		return "allocator"
	default:
		return fmt.Sprintf("tree(%d)", uint8(t))
	}
}

// Mutation is one change recorded in a transaction. Two mutations with the
// same Key are the same mutation; the payload does not take part.
type Mutation interface {
	Kind() Kind
	Key() MutationKey
}

// MutationKey orders and deduplicates mutations.
type MutationKey struct {
	Kind Kind
	A, B uint64
}

func (k MutationKey) Compare(other MutationKey) int {
	if c := cmp.Compare(k.Kind, other.Kind); c != 0 {
		return c
	}
	if c := cmp.Compare(k.A, other.A); c != 0 {
		return c
	}
	return cmp.Compare(k.B, other.B)
}

type ObjectStore struct {
	Op   Operation
	Item object.Item
}

func (ObjectStore) Kind() Kind { return KindObjectStore }

func (m ObjectStore) Key() MutationKey {
	return MutationKey{Kind: KindObjectStore, A: m.Item.Key.ObjectID, B: m.Item.Key.AttributeID}
}

// StoreInfo replaces the store's bookkeeping record.
type StoreInfo struct {
	ObjectCount  uint64
	LastObjectID uint64
}

func (StoreInfo) Kind() Kind { return KindStoreInfo }

func (StoreInfo) Key() MutationKey { return MutationKey{Kind: KindStoreInfo} }

// Allocator allocates (positive Refs) or frees (negative Refs) a device
// range.
type Allocator struct {
	Item allocator.Item
}

func (Allocator) Kind() Kind { return KindAllocator }

func (m Allocator) Key() MutationKey {
	return MutationKey{Kind: KindAllocator, A: m.Item.Key.Start, B: m.Item.Key.End}
}

// AllocatorRef adds a reference to a range that is already allocated.
type AllocatorRef struct {
	Range allocator.Key
}

func (AllocatorRef) Kind() Kind { return KindAllocatorRef }

func (m AllocatorRef) Key() MutationKey {
	return MutationKey{Kind: KindAllocatorRef, A: m.Range.Start, B: m.Range.End}
}

type TreeSeal struct {
	Tree TreeID
}

func (TreeSeal) Kind() Kind { return KindTreeSeal }

func (m TreeSeal) Key() MutationKey {
	return MutationKey{Kind: KindTreeSeal, A: uint64(m.Tree)}
}

type TreeCompact struct {
	Tree TreeID
}

func (TreeCompact) Kind() Kind { return KindTreeCompact }

func (m TreeCompact) Key() MutationKey {
	return MutationKey{Kind: KindTreeCompact, A: uint64(m.Tree)}
}

// UpdateAllocatedBytes changes the allocated byte counter. Adding it to a
// transaction that already has one sums the deltas.
type UpdateAllocatedBytes struct {
	Delta int64
}

func (UpdateAllocatedBytes) Kind() Kind { return KindUpdateAllocatedBytes }

func (UpdateAllocatedBytes) Key() MutationKey {
	return MutationKey{Kind: KindUpdateAllocatedBytes}
}

// TxnMutation is a mutation tagged with the object it belongs to.
type TxnMutation struct {
	ObjectID uint64
	Mutation Mutation
}

func (m TxnMutation) Compare(other TxnMutation) int {
	if c := cmp.Compare(m.ObjectID, other.ObjectID); c != 0 {
		return c
	}
	return m.Mutation.Key().Compare(other.Mutation.Key())
}
