package tree

import (
	"context"
	"testing"

	"lsmkit/pkg/allocator"
	"lsmkit/pkg/lsm"
	"lsmkit/pkg/object"

	"github.com/stretchr/testify/require"
)

func newObjectTree(opts ...Option[object.Key, object.Value]) *Tree[object.Key, object.Value] {
	opts = append([]Option[object.Key, object.Value]{
		WithName[object.Key, object.Value]("objects"),
		WithCompactionFilter(object.Live),
	}, opts...)
	return New(object.Merge, opts...)
}

func scan[K lsm.Key[K], V any](t *testing.T, tr *Tree[K, V]) []lsm.Item[K, V] {
	t.Helper()
	ctx := context.Background()

	it, err := tr.Seek(ctx, lsm.Unbounded[K]())
	require.NoError(t, err)

	var out []lsm.Item[K, V]
	for item, err := range it.All(ctx) {
		require.NoError(t, err)
		out = append(out, item)
	}
	return out
}

func TestTreeInsertAndFind(t *testing.T) {
	ctx := context.Background()
	tr := newObjectTree()

	require.NoError(t, tr.Insert(ctx, object.NewItem(object.Key{ObjectID: 1}, []byte("a"))))
	require.ErrorIs(t, tr.Insert(ctx, object.NewItem(object.Key{ObjectID: 1}, []byte("b"))), ErrAlreadyExists)

	item, ok, err := tr.Find(ctx, object.Key{ObjectID: 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), item.Value.Data)

	_, ok, err = tr.Find(ctx, object.Key{ObjectID: 2})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTreeReplaceOrInsert(t *testing.T) {
	ctx := context.Background()
	tr := newObjectTree()
	key := object.Key{ObjectID: 7, AttributeID: 1}

	require.NoError(t, tr.ReplaceOrInsert(ctx, object.NewItem(key, []byte("a"))))
	require.NoError(t, tr.ReplaceOrInsert(ctx, object.NewItem(key, []byte("b"))))

	require.Equal(t, []object.Item{object.NewItem(key, []byte("b"))}, scan(t, tr))
	require.Equal(t, 1, tr.MutableLen())
}

func TestTreeNewerLayersShadowOlder(t *testing.T) {
	ctx := context.Background()
	tr := newObjectTree()
	k1, k2 := object.Key{ObjectID: 1}, object.Key{ObjectID: 2}

	require.NoError(t, tr.Insert(ctx, object.NewItem(k1, []byte("old"))))
	require.NoError(t, tr.Insert(ctx, object.NewItem(k2, []byte("two"))))
	require.NoError(t, tr.Seal(ctx))

	// The key lives in an immutable layer now, so Insert does not see it.
	require.NoError(t, tr.Insert(ctx, object.NewItem(k1, []byte("new"))))

	require.Equal(t, []object.Item{
		object.NewItem(k1, []byte("new")),
		object.NewItem(k2, []byte("two")),
	}, scan(t, tr))
	require.Equal(t, Stats{MutableItems: 1, ImmutableLayers: 1, ImmutableItems: 2}, tr.Stats())
}

func TestTreeSealEmptyIsNoop(t *testing.T) {
	tr := newObjectTree()

	require.NoError(t, tr.Seal(context.Background()))
	require.Equal(t, Stats{}, tr.Stats())
	require.Len(t, tr.LayerSet(), 1)
}

func TestTreeCompactDropsTombstones(t *testing.T) {
	ctx := context.Background()
	tr := newObjectTree()
	k1, k2 := object.Key{ObjectID: 1}, object.Key{ObjectID: 2}

	require.NoError(t, tr.Insert(ctx, object.NewItem(k1, []byte("a"))))
	require.NoError(t, tr.Insert(ctx, object.NewItem(k2, []byte("b"))))
	require.NoError(t, tr.Seal(ctx))
	require.NoError(t, tr.Insert(ctx, lsm.NewItem(k1, object.Tombstone())))
	require.NoError(t, tr.Seal(ctx))
	require.Equal(t, 2, tr.Stats().ImmutableLayers)

	require.NoError(t, tr.Compact(ctx))

	require.Equal(t, Stats{ImmutableLayers: 1, ImmutableItems: 1}, tr.Stats())
	require.Equal(t, []object.Item{object.NewItem(k2, []byte("b"))}, scan(t, tr))
}

func TestTreeSealCompactsPastLimit(t *testing.T) {
	ctx := context.Background()
	tr := newObjectTree(WithMaxImmutableLayers[object.Key, object.Value](2))

	for i := range 3 {
		require.NoError(t, tr.Insert(ctx, object.NewItem(object.Key{ObjectID: uint64(i)}, []byte("v"))))
		require.NoError(t, tr.Seal(ctx))
	}

	require.Equal(t, Stats{ImmutableLayers: 1, ImmutableItems: 3}, tr.Stats())
}

func TestTreeCompactEverythingDeleted(t *testing.T) {
	ctx := context.Background()
	tr := newObjectTree()
	key := object.Key{ObjectID: 1}

	require.NoError(t, tr.Insert(ctx, object.NewItem(key, []byte("a"))))
	require.NoError(t, tr.Seal(ctx))
	require.NoError(t, tr.Insert(ctx, lsm.NewItem(key, object.Tombstone())))
	require.NoError(t, tr.Seal(ctx))
	require.NoError(t, tr.Compact(ctx))

	require.Equal(t, Stats{}, tr.Stats())
	require.Empty(t, scan(t, tr))
}

func TestTreeMergeIntoAcrossLayers(t *testing.T) {
	ctx := context.Background()
	tr := New(allocator.Merge,
		WithName[allocator.Key, allocator.Value]("allocator"),
		WithCompactionFilter(allocator.Referenced),
	)
	from := lsm.Unbounded[allocator.Key]()

	require.NoError(t, tr.MergeInto(ctx, allocator.NewItem(0, 100, 1), from))
	require.NoError(t, tr.Seal(ctx))
	require.NoError(t, tr.MergeInto(ctx, allocator.NewItem(10, 20, 1), from))
	require.NoError(t, tr.MergeInto(ctx, allocator.NewItem(50, 100, -1), from))

	want := []allocator.Item{
		allocator.NewItem(0, 10, 1),
		allocator.NewItem(10, 20, 2),
		allocator.NewItem(20, 50, 1),
	}
	require.Equal(t, want, scan(t, tr))

	require.NoError(t, tr.Seal(ctx))
	require.NoError(t, tr.Compact(ctx))
	require.Equal(t, want, scan(t, tr))
	require.Equal(t, Stats{ImmutableLayers: 1, ImmutableItems: 3}, tr.Stats())
}
