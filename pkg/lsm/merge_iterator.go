package lsm

import "context"

type rawKind uint8

const (
	// rawNone iterators hold a free-standing item that no layer backs.
	rawNone rawKind = iota
	rawConst
	rawMut
)

// MergeLayerIterator is the merger's cursor over one layer, or over a single
// item being merged in.
type MergeLayerIterator[K Key[K], V any] struct {
	layerIndex int
	raw        rawKind
	iter       LayerIterator[K, V]
	mut        LayerIteratorMut[K, V]

	item  Item[K, V]
	valid bool
	// replaced is set on a mutable cursor whose current item was replaced. The
	// original item has already been erased from the layer and the replacement
	// is only held here until it is written back.
	replaced bool
}

func newConstMergeIterator[K Key[K], V any](layerIndex int, iter LayerIterator[K, V]) *MergeLayerIterator[K, V] {
	m := &MergeLayerIterator[K, V]{layerIndex: layerIndex, raw: rawConst, iter: iter}
	m.refresh()
	return m
}

func newMutMergeIterator[K Key[K], V any](layerIndex int, mut LayerIteratorMut[K, V]) *MergeLayerIterator[K, V] {
	m := &MergeLayerIterator[K, V]{layerIndex: layerIndex, raw: rawMut, mut: mut}
	m.refresh()
	return m
}

func newItemMergeIterator[K Key[K], V any](layerIndex int, item Item[K, V]) *MergeLayerIterator[K, V] {
	return &MergeLayerIterator[K, V]{layerIndex: layerIndex, raw: rawNone, item: item, valid: true}
}

func (m *MergeLayerIterator[K, V]) refresh() {
	switch m.raw {
	case rawConst:
		m.item, m.valid = m.iter.Get()
	case rawMut:
		m.item, m.valid = m.mut.Get()
	default:
		var zero Item[K, V]
		m.item, m.valid = zero, false
	}
}

// LayerIndex is the position of the backing layer in the merge set. Lower
// indexes are more recent and win ties.
func (m *MergeLayerIterator[K, V]) LayerIndex() int {
	return m.layerIndex
}

func (m *MergeLayerIterator[K, V]) Valid() bool {
	return m.valid
}

// Item returns the current item. It panics if the iterator is exhausted.
func (m *MergeLayerIterator[K, V]) Item() Item[K, V] {
	if !m.valid {
		panic("lsm: Item called on an exhausted merge iterator")
	}
	return m.item
}

func (m *MergeLayerIterator[K, V]) Key() K {
	return m.Item().Key
}

func (m *MergeLayerIterator[K, V]) Value() V {
	return m.Item().Value
}

// Compare orders iterators by the lower bound of their current keys, breaking
// ties by layer index so that the most recent layer sorts first.
func (m *MergeLayerIterator[K, V]) Compare(other *MergeLayerIterator[K, V]) int {
	if c := m.Key().CmpLowerBound(other.Key()); c != 0 {
		return c
	}
	switch {
	case m.layerIndex < other.layerIndex:
		return -1
	case m.layerIndex > other.layerIndex:
		return 1
	default:
		return 0
	}
}

// Advance moves past the current item.
func (m *MergeLayerIterator[K, V]) Advance(ctx context.Context) error {
	switch m.raw {
	case rawConst:
		if err := m.iter.Advance(ctx); err != nil {
			return err
		}
	case rawMut:
		if m.replaced {
			// The cursor already sits past the erased original.
			m.replaced = false
		} else if err := m.mut.Advance(ctx); err != nil {
			return err
		}
	}
	m.refresh()
	return nil
}

// MaybeDiscard advances the iterator if op discards its item.
func (m *MergeLayerIterator[K, V]) MaybeDiscard(ctx context.Context, op ItemOp[K, V]) error {
	if op.Kind != OpDiscard {
		return nil
	}
	return m.Advance(ctx)
}

// Erase drops the current item. On a mutable cursor the item is removed from
// the layer. It panics on a read-only cursor.
func (m *MergeLayerIterator[K, V]) Erase() {
	switch m.raw {
	case rawMut:
		if m.replaced {
			m.replaced = false
		} else {
			m.mut.Erase()
		}
		m.refresh()
	case rawNone:
		m.refresh()
	default:
		panic("lsm: Erase called on a read-only merge iterator")
	}
}

// Insert splices item into the mutable layer in front of the cursor. On a
// free-standing iterator it becomes the current item. It panics on a
// read-only cursor.
func (m *MergeLayerIterator[K, V]) Insert(item Item[K, V]) {
	switch m.raw {
	case rawMut:
		m.mut.Insert(item)
	case rawNone:
		m.item, m.valid = item, true
	default:
		panic("lsm: Insert called on a read-only merge iterator")
	}
}

// TakeItem removes the current item and returns it. It panics on a read-only
// cursor or an exhausted iterator.
func (m *MergeLayerIterator[K, V]) TakeItem() Item[K, V] {
	if m.raw == rawConst {
		panic("lsm: TakeItem called on a read-only merge iterator")
	}
	item := m.Item()
	m.Erase()
	return item
}

// replace swaps the current item for item.
func (m *MergeLayerIterator[K, V]) replace(item Item[K, V]) {
	if m.raw == rawMut && !m.replaced {
		m.mut.Erase()
		m.replaced = true
	}
	m.item, m.valid = item, true
}

// settle writes a pending replacement back into the mutable layer, or steps
// over the current item if it is unchanged.
func (m *MergeLayerIterator[K, V]) settle(ctx context.Context) error {
	if m.raw == rawMut && m.replaced {
		m.mut.Insert(m.item)
		m.replaced = false
		m.refresh()
		return nil
	}
	return m.Advance(ctx)
}
