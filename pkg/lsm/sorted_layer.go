package lsm

import (
	"context"
	"slices"
	"sort"
)

// SortedLayer is an immutable in-memory layer.
type SortedLayer[K Key[K], V any] struct {
	items []Item[K, V]
}

// NewSortedLayer sorts items by lower bound. When two items share a key the
// one that appears later in items is kept.
func NewSortedLayer[K Key[K], V any](items []Item[K, V]) *SortedLayer[K, V] {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b Item[K, V]) int {
		return a.Key.CmpLowerBound(b.Key)
	})

	deduped := sorted[:0]
	for _, item := range sorted {
		if n := len(deduped); n > 0 && deduped[n-1].Key.CmpLowerBound(item.Key) == 0 {
			deduped[n-1] = item
			continue
		}
		deduped = append(deduped, item)
	}

	return &SortedLayer[K, V]{items: deduped}
}

func (l *SortedLayer[K, V]) Seek(_ context.Context, bound Bound[K]) (LayerIterator[K, V], error) {
	pos := sort.Search(len(l.items), func(i int) bool {
		return bound.Admits(l.items[i].Key)
	})
	return &sortedIterator[K, V]{items: l.items, pos: pos}, nil
}

func (l *SortedLayer[K, V]) Len() int {
	return len(l.items)
}

// Items returns the layer contents in order. The slice must not be modified.
func (l *SortedLayer[K, V]) Items() []Item[K, V] {
	return l.items
}

type sortedIterator[K Key[K], V any] struct {
	items []Item[K, V]
	pos   int
}

func (it *sortedIterator[K, V]) Advance(context.Context) error {
	if it.pos < len(it.items) {
		it.pos++
	}
	return nil
}

func (it *sortedIterator[K, V]) Get() (Item[K, V], bool) {
	if it.pos >= len(it.items) {
		var zero Item[K, V]
		return zero, false
	}
	return it.items[it.pos], true
}
