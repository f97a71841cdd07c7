package lsm

import "context"

// Layer is a sorted, seekable source of items.
type Layer[K Key[K], V any] interface {
	// Seek returns an iterator positioned at the first item admitted by bound.
	Seek(ctx context.Context, bound Bound[K]) (LayerIterator[K, V], error)
}

// LayerIterator is a forward-only cursor. It cannot be restarted; seeking again
// requires a new iterator.
type LayerIterator[K Key[K], V any] interface {
	// Advance moves to the next item.
	Advance(ctx context.Context) error
	// Get returns the current item, or false once the iterator is exhausted.
	Get() (Item[K, V], bool)
}

// MutableLayer is a layer that can be spliced through a LayerIteratorMut.
type MutableLayer[K Key[K], V any] interface {
	Layer[K, V]
	SeekMut(ctx context.Context, bound Bound[K]) (LayerIteratorMut[K, V], error)
}

// LayerIteratorMut is a cursor that can edit the layer it iterates.
// Edits are pending until CommitAndWait returns.
type LayerIteratorMut[K Key[K], V any] interface {
	LayerIterator[K, V]
	// Erase removes the current item and moves to the next one.
	Erase()
	// Insert splices item in front of the current position. The cursor does
	// not move.
	Insert(item Item[K, V])
	// CommitAndWait applies every pending edit.
	CommitAndWait(ctx context.Context) error
}
