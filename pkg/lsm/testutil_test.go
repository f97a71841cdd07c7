package lsm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
)

// intKey is a point key with a precise successor.
type intKey int

func (k intKey) CmpLowerBound(other intKey) int { return cmp.Compare(k, other) }

func (k intKey) CmpUpperBound(other intKey) int { return cmp.Compare(k, other) }

func (k intKey) NextKey() (intKey, bool) { return k + 1, true }

// rangeKey covers [start, end) and has no successor.
type rangeKey struct {
	start, end int
}

func (k rangeKey) CmpLowerBound(other rangeKey) int {
	if c := cmp.Compare(k.start, other.start); c != 0 {
		return c
	}
	return cmp.Compare(k.end, other.end)
}

func (k rangeKey) CmpUpperBound(other rangeKey) int {
	if c := cmp.Compare(k.end, other.end); c != 0 {
		return c
	}
	return cmp.Compare(k.start, other.start)
}

func (k rangeKey) NextKey() (rangeKey, bool) { return rangeKey{}, false }

func (k rangeKey) String() string { return fmt.Sprintf("%d..%d", k.start, k.end) }

func intItem(k int, v string) Item[intKey, string] {
	return NewItem(intKey(k), v)
}

// sliceLayer is a mutable layer over a sorted slice.
type sliceLayer[K Key[K], V any] struct {
	items []Item[K, V]
}

func newSliceLayer[K Key[K], V any](items ...Item[K, V]) *sliceLayer[K, V] {
	return &sliceLayer[K, V]{items: NewSortedLayer(items).Items()}
}

func (l *sliceLayer[K, V]) Seek(ctx context.Context, bound Bound[K]) (LayerIterator[K, V], error) {
	return l.SeekMut(ctx, bound)
}

func (l *sliceLayer[K, V]) SeekMut(_ context.Context, bound Bound[K]) (LayerIteratorMut[K, V], error) {
	pos := slices.IndexFunc(l.items, func(item Item[K, V]) bool { return bound.Admits(item.Key) })
	if pos < 0 {
		pos = len(l.items)
	}
	return &sliceIterator[K, V]{layer: l, snapshot: slices.Clone(l.items), pos: pos}, nil
}

type sliceEdit[K Key[K], V any] struct {
	erase bool
	item  Item[K, V]
}

type sliceIterator[K Key[K], V any] struct {
	layer    *sliceLayer[K, V]
	snapshot []Item[K, V]
	pos      int
	edits    []sliceEdit[K, V]
}

func (it *sliceIterator[K, V]) Advance(context.Context) error {
	if it.pos < len(it.snapshot) {
		it.pos++
	}
	return nil
}

func (it *sliceIterator[K, V]) Get() (Item[K, V], bool) {
	if it.pos >= len(it.snapshot) {
		var zero Item[K, V]
		return zero, false
	}
	return it.snapshot[it.pos], true
}

func (it *sliceIterator[K, V]) Erase() {
	item, ok := it.Get()
	if !ok {
		panic("erase past end")
	}
	it.edits = append(it.edits, sliceEdit[K, V]{erase: true, item: item})
	it.pos++
}

func (it *sliceIterator[K, V]) Insert(item Item[K, V]) {
	it.edits = append(it.edits, sliceEdit[K, V]{item: item})
}

// CommitAndWait drops erased items, then applies inserts. An insert wins over
// an existing item with the same key.
func (it *sliceIterator[K, V]) CommitAndWait(context.Context) error {
	items := it.layer.items
	for _, e := range it.edits {
		if e.erase {
			items = slices.DeleteFunc(items, func(item Item[K, V]) bool {
				return item.Key.CmpLowerBound(e.item.Key) == 0
			})
		}
	}
	for _, e := range it.edits {
		if !e.erase {
			items = append(items, e.item)
		}
	}
	it.layer.items = NewSortedLayer(items).Items()
	it.edits = nil
	return nil
}

var errLayer = errors.New("layer failure")

// failingLayer fails to seek, or fails to advance after failAfter items.
type failingLayer struct {
	seekErr   bool
	items     []Item[intKey, string]
	failAfter int
}

func (l *failingLayer) Seek(context.Context, Bound[intKey]) (LayerIterator[intKey, string], error) {
	if l.seekErr {
		return nil, errLayer
	}
	return &failingIterator{layer: l}, nil
}

type failingIterator struct {
	layer *failingLayer
	pos   int
}

func (it *failingIterator) Advance(context.Context) error {
	if it.pos+1 >= it.layer.failAfter {
		return errLayer
	}
	it.pos++
	return nil
}

func (it *failingIterator) Get() (Item[intKey, string], bool) {
	if it.pos >= len(it.layer.items) {
		return Item[intKey, string]{}, false
	}
	return it.layer.items[it.pos], true
}

func collect[K Key[K], V any](ctx context.Context, it *MergerIterator[K, V]) ([]Item[K, V], error) {
	var out []Item[K, V]
	for item, err := range it.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

func emitLeft[K Key[K], V any](*MergeLayerIterator[K, V], *MergeLayerIterator[K, V]) MergeResult[K, V] {
	return EmitLeft[K, V]()
}

// newestWins keeps the most recent item for each key.
func newestWins[K Key[K], V any](left, right *MergeLayerIterator[K, V]) MergeResult[K, V] {
	if left.Key().CmpLowerBound(right.Key()) == 0 {
		return Other(nil, Keep[K, V](), Discard[K, V]())
	}
	return EmitLeft[K, V]()
}
