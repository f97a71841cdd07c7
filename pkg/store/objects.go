package store

import (
	"context"
	"fmt"

	"lsmkit/pkg/lock"
	"lsmkit/pkg/lsm"
	"lsmkit/pkg/object"
	"lsmkit/pkg/txn"
)

func attributeLock(objectID, attributeID uint64) lock.Key {
	return lock.AttributeKey(storeID, objectID, attributeID)
}

// find returns the live item under key.
func (s *Store) find(ctx context.Context, key object.Key) (object.Item, bool, error) {
	item, ok, err := s.objects.Find(ctx, key)
	if err != nil || !ok || !object.Live(item) {
		return object.Item{}, false, err
	}
	return item, true, nil
}

// CreateObject allocates a new object id.
func (s *Store) CreateObject(ctx context.Context) (uint64, error) {
	t, err := s.NewTransaction(ctx, nil, []lock.Key{lock.RootVolumeKey()}, txn.Options{})
	if err != nil {
		return 0, err
	}
	defer t.Drop()

	info := s.Info()
	info.ObjectCount++
	info.LastObjectID++
	t.Add(0, info)

	if _, err := t.Commit(ctx); err != nil {
		return 0, err
	}
	return info.LastObjectID, nil
}

func (s *Store) checkObject(objectID uint64) error {
	if objectID == 0 || objectID > s.Info().LastObjectID {
		return fmt.Errorf("object %d: %w", objectID, ErrNotFound)
	}
	return nil
}

// Put stores data as the value of an attribute, replacing what was there.
func (s *Store) Put(ctx context.Context, objectID, attributeID uint64, data []byte) (uint64, error) {
	return s.write(ctx, objectID, attributeID, txn.OpReplaceOrInsert, object.Value{Data: data})
}

// Insert stores data as the value of an attribute that must not exist yet.
func (s *Store) Insert(ctx context.Context, objectID, attributeID uint64, data []byte) (uint64, error) {
	return s.write(ctx, objectID, attributeID, txn.OpInsert, object.Value{Data: data})
}

// Delete removes an attribute.
func (s *Store) Delete(ctx context.Context, objectID, attributeID uint64) (uint64, error) {
	return s.write(ctx, objectID, attributeID, txn.OpMerge, object.Tombstone())
}

func (s *Store) write(ctx context.Context, objectID, attributeID uint64, op txn.Operation, value object.Value) (uint64, error) {
	if err := s.checkObject(objectID); err != nil {
		return 0, err
	}

	t, err := s.NewTransaction(ctx, nil, []lock.Key{attributeLock(objectID, attributeID)}, txn.Options{})
	if err != nil {
		return 0, err
	}
	defer t.Drop()

	key := object.Key{ObjectID: objectID, AttributeID: attributeID}
	old, exists, err := s.find(ctx, key)
	if err != nil {
		return 0, err
	}
	if value.Deleted && !exists {
		return 0, fmt.Errorf("%s: %w", key, ErrNotFound)
	}

	t.Add(objectID, txn.ObjectStore{Op: op, Item: lsm.NewItem(key, value)})
	if delta := int64(len(value.Data)) - int64(len(old.Value.Data)); delta != 0 {
		t.Add(objectID, txn.UpdateAllocatedBytes{Delta: delta})
	}

	return t.Commit(ctx)
}

// Get returns the value of an attribute.
func (s *Store) Get(ctx context.Context, objectID, attributeID uint64) ([]byte, error) {
	guard, err := s.ReadLock(ctx, attributeLock(objectID, attributeID))
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	key := object.Key{ObjectID: objectID, AttributeID: attributeID}
	item, ok, err := s.find(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return item.Value.Data, nil
}

// Scan returns the live attributes of an object in order, starting at
// attribute from. Each layer is read as of the moment the scan reaches it.
func (s *Store) Scan(ctx context.Context, objectID, from uint64) ([]object.Item, error) {
	it, err := s.objects.Seek(ctx, lsm.Included(object.Key{ObjectID: objectID, AttributeID: from}))
	if err != nil {
		return nil, err
	}

	var out []object.Item
	for item, err := range it.All(ctx) {
		if err != nil {
			return nil, err
		}
		if item.Key.ObjectID != objectID {
			break
		}
		if object.Live(item) {
			out = append(out, item)
		}
	}
	return out, nil
}
