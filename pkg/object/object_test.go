package object

import (
	"context"
	"math"
	"testing"

	"lsmkit/pkg/lsm"

	"github.com/stretchr/testify/require"
)

func TestKeyOrderAndSuccessor(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		next Key
		ok   bool
	}{
		{name: "Attribute", key: Key{1, 1}, next: Key{1, 2}, ok: true},
		{name: "LastAttribute", key: Key{1, math.MaxUint64}, next: Key{2, 0}, ok: true},
		{name: "Last", key: Key{math.MaxUint64, math.MaxUint64}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok := tt.key.NextKey()
			require.Equal(t, tt.ok, ok)
			if ok {
				require.Equal(t, tt.next, next)
				require.Negative(t, tt.key.CmpLowerBound(next))
			}
		})
	}

	require.Negative(t, Key{1, 9}.CmpLowerBound(Key{2, 0}))
	require.Zero(t, Key{3, 4}.CmpUpperBound(Key{3, 4}))
	require.Equal(t, "3/4", Key{3, 4}.String())
}

func TestMergeNewestWins(t *testing.T) {
	ctx := context.Background()
	newer := lsm.NewSortedLayer([]Item{
		NewItem(Key{1, 0}, []byte("new")),
		lsm.NewItem(Key{2, 0}, Tombstone()),
	})
	older := lsm.NewSortedLayer([]Item{
		NewItem(Key{1, 0}, []byte("old")),
		NewItem(Key{2, 0}, []byte("gone")),
		NewItem(Key{3, 0}, []byte("kept")),
	})

	m := lsm.NewMerger([]lsm.Layer[Key, Value]{newer, older}, Merge)
	it, err := m.Seek(ctx, lsm.Unbounded[Key]())
	require.NoError(t, err)

	var got []Item
	for item, err := range it.All(ctx) {
		require.NoError(t, err)
		got = append(got, item)
	}

	require.Equal(t, []Item{
		NewItem(Key{1, 0}, []byte("new")),
		lsm.NewItem(Key{2, 0}, Tombstone()),
		NewItem(Key{3, 0}, []byte("kept")),
	}, got)
	require.False(t, Live(got[1]))
	require.True(t, Live(got[2]))
}
