package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"lsmkit/pkg/allocator"
	"lsmkit/pkg/lock"
	"lsmkit/pkg/lsm"
	"lsmkit/pkg/txn"
)

// usage is how much of a range is referenced.
type usage struct {
	covered uint64
	// single counts the bytes referenced exactly once. Freeing them gives
	// space back.
	single uint64
}

func (s *Store) usage(ctx context.Context, r allocator.Key) (usage, error) {
	var u usage

	err := s.eachExtent(ctx, func(item allocator.Item) bool {
		if item.Key.Start >= r.End {
			return false
		}
		if item.Key.End <= r.Start {
			return true
		}
		n := min(item.Key.End, r.End) - max(item.Key.Start, r.Start)
		u.covered += n
		if item.Value.Refs == 1 {
			u.single += n
		}
		return true
	})

	return u, err
}

// eachExtent calls fn for every referenced range in order until fn returns
// false.
func (s *Store) eachExtent(ctx context.Context, fn func(allocator.Item) bool) error {
	it, err := s.allocator.Seek(ctx, lsm.Unbounded[allocator.Key]())
	if err != nil {
		return err
	}
	for item, err := range it.All(ctx) {
		if err != nil {
			return err
		}
		if item.Value.Refs <= 0 {
			continue
		}
		if !fn(item) {
			return nil
		}
	}
	return nil
}

// Extents returns every referenced range with its reference count.
func (s *Store) Extents(ctx context.Context) ([]allocator.Item, error) {
	var out []allocator.Item
	err := s.eachExtent(ctx, func(item allocator.Item) bool {
		out = append(out, item)
		return true
	})
	return out, err
}

// Allocate finds the first free range of length bytes and records its
// allocation in t. t must hold the root volume txn lock so that no other
// transaction picks the same range.
func (s *Store) Allocate(ctx context.Context, t *txn.Transaction, length uint64) (allocator.Key, error) {
	if length == 0 {
		return allocator.Key{}, ErrInvalidLength
	}
	if !s.holds(t, lock.RootVolumeKey()) {
		return allocator.Key{}, ErrAllocatorLockNeeded
	}

	var used []allocator.Key
	for _, m := range t.Mutations() {
		if a, ok := m.Mutation.(txn.Allocator); ok && a.Item.Value.Refs > 0 {
			used = append(used, a.Item.Key)
		}
	}
	err := s.eachExtent(ctx, func(item allocator.Item) bool {
		used = append(used, item.Key)
		return true
	})
	if err != nil {
		return allocator.Key{}, err
	}
	slices.SortFunc(used, func(a, b allocator.Key) int { return cmp.Compare(a.Start, b.Start) })

	var start uint64
	for _, r := range used {
		if r.Start >= start+length {
			break
		}
		start = max(start, r.End)
	}
	if start+length > s.opts.CapacityBytes {
		return allocator.Key{}, fmt.Errorf("no free range of %d bytes: %w", length, ErrNoSpace)
	}

	r := allocator.Key{Start: start, End: start + length}
	t.Add(0, txn.Allocator{Item: allocator.NewItem(r.Start, r.End, 1)})
	t.Add(0, txn.UpdateAllocatedBytes{Delta: int64(length)})

	return r, nil
}

// Deallocate drops one reference to r in t. Bytes whose last reference goes
// away are no longer counted as allocated.
func (s *Store) Deallocate(ctx context.Context, t *txn.Transaction, r allocator.Key) error {
	if !s.holds(t, lock.RootVolumeKey()) {
		return ErrAllocatorLockNeeded
	}

	u, err := s.usage(ctx, r)
	if err != nil {
		return err
	}
	if r.Start >= r.End || u.covered != r.Len() {
		return fmt.Errorf("%s: %w", r, ErrNotAllocated)
	}

	t.Add(0, txn.Allocator{Item: allocator.NewItem(r.Start, r.End, -1)})
	if u.single > 0 {
		t.Add(0, txn.UpdateAllocatedBytes{Delta: -int64(u.single)})
	}
	return nil
}

// AddRef records one more reference to an allocated range in t.
func (s *Store) AddRef(t *txn.Transaction, r allocator.Key) error {
	if !s.holds(t, lock.RootVolumeKey()) {
		return ErrAllocatorLockNeeded
	}
	t.Add(0, txn.AllocatorRef{Range: r})
	return nil
}

func (s *Store) allocatorTxn(ctx context.Context, fn func(*txn.Transaction) error) error {
	t, err := s.NewTransaction(ctx, nil, []lock.Key{lock.RootVolumeKey()}, txn.Options{})
	if err != nil {
		return err
	}
	defer t.Drop()

	if err := fn(t); err != nil {
		return err
	}
	_, err = t.Commit(ctx)
	return err
}

// AllocateExtent allocates length bytes in a transaction of its own.
func (s *Store) AllocateExtent(ctx context.Context, length uint64) (allocator.Key, error) {
	var r allocator.Key
	err := s.allocatorTxn(ctx, func(t *txn.Transaction) error {
		var err error
		r, err = s.Allocate(ctx, t, length)
		return err
	})
	return r, err
}

// FreeExtent drops one reference to r in a transaction of its own.
func (s *Store) FreeExtent(ctx context.Context, r allocator.Key) error {
	return s.allocatorTxn(ctx, func(t *txn.Transaction) error {
		return s.Deallocate(ctx, t, r)
	})
}

// ShareExtent adds a reference to r in a transaction of its own.
func (s *Store) ShareExtent(ctx context.Context, r allocator.Key) error {
	return s.allocatorTxn(ctx, func(t *txn.Transaction) error {
		return s.AddRef(t, r)
	})
}
