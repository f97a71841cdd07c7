package lsm

import (
	"container/heap"
	"context"
	"iter"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type mergerOptions struct {
	trace  bool
	logger *slog.Logger
}

type MergerOption func(*mergerOptions)

// WithTrace logs every merge function call at debug level.
func WithTrace(enabled bool) MergerOption {
	return func(o *mergerOptions) {
		o.trace = enabled
	}
}

func WithLogger(logger *slog.Logger) MergerOption {
	return func(o *mergerOptions) {
		o.logger = logger
	}
}

// Merger combines layers into a single ordered, conflict-resolved stream.
// layers[0] is the most recent layer and wins ties.
type Merger[K Key[K], V any] struct {
	layers  []Layer[K, V]
	mergeFn MergeFunc[K, V]
	opts    mergerOptions

	merges atomic.Uint64
}

func NewMerger[K Key[K], V any](layers []Layer[K, V], mergeFn MergeFunc[K, V], opts ...MergerOption) *Merger[K, V] {
	o := mergerOptions{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}

	return &Merger[K, V]{
		layers:  layers,
		mergeFn: mergeFn,
		opts:    o,
	}
}

// MergeCount is the number of merge function calls made by iterators of this
// merger.
func (m *Merger[K, V]) MergeCount() uint64 {
	return m.merges.Load()
}

func (m *Merger[K, V]) merge(left, right *MergeLayerIterator[K, V]) MergeResult[K, V] {
	m.merges.Add(1)
	result := m.mergeFn(left, right)
	if m.opts.trace {
		m.opts.logger.Debug("merge",
			"left", left.Key(),
			"left_layer", left.layerIndex,
			"right", right.Key(),
			"right_layer", right.layerIndex,
			"result", result.String(),
		)
	}
	return result
}

// Seek returns an iterator positioned at the first merged item admitted by
// bound.
func (m *Merger[K, V]) Seek(ctx context.Context, bound Bound[K]) (*MergerIterator[K, V], error) {
	n := len(m.layers)
	it := &MergerIterator[K, V]{
		merger:  m,
		pending: make([]int, n),
	}
	// Popped from the back, so layer 0 is queried first.
	for i := range n {
		it.pending[i] = n - 1 - i
	}

	var next *K
	if bound.Kind == BoundIncluded {
		k := bound.Key
		next = &k
	}

	if err := it.advanceImpl(ctx, next, bound); err != nil {
		return nil, err
	}
	return it, nil
}

// MergerIterator walks the merged stream. It is owned by a single goroutine.
type MergerIterator[K Key[K], V any] struct {
	merger  *Merger[K, V]
	heap    mergeHeap[K, V]
	pending []int
	current *MergeLayerIterator[K, V]
}

// Get returns the current merged item, or false once the stream is exhausted.
func (it *MergerIterator[K, V]) Get() (Item[K, V], bool) {
	if it.current == nil || !it.current.valid {
		var zero Item[K, V]
		return zero, false
	}
	return it.current.item, true
}

// Advance moves to the next merged item.
func (it *MergerIterator[K, V]) Advance(ctx context.Context) error {
	if it.current == nil {
		return nil
	}

	key := it.current.Key()
	if next, ok := key.NextKey(); ok {
		return it.advanceImpl(ctx, &next, Included(next))
	}
	// Without a successor every pending layer has to be consulted.
	return it.advanceImpl(ctx, nil, Excluded(key))
}

// All yields the remaining merged items. Iteration stops at the first error,
// which is yielded with a zero item.
func (it *MergerIterator[K, V]) All(ctx context.Context) iter.Seq2[Item[K, V], error] {
	return func(yield func(Item[K, V], error) bool) {
		for {
			item, ok := it.Get()
			if !ok {
				return
			}
			if !yield(item, nil) {
				return
			}
			if err := it.Advance(ctx); err != nil {
				var zero Item[K, V]
				yield(zero, err)
				return
			}
		}
	}
}

func (it *MergerIterator[K, V]) advanceImpl(ctx context.Context, next *K, bound Bound[K]) error {
	if cur := it.current; cur != nil {
		it.current = nil
		if cur.raw != rawNone {
			if err := cur.Advance(ctx); err != nil {
				return err
			}
			if cur.valid {
				heap.Push(&it.heap, cur)
			}
		}
	}

	for len(it.pending) > 0 && (it.heap.Len() == 0 || next == nil ||
		it.heap.peek().Key().CmpLowerBound(*next) > 0) {
		index := it.pending[len(it.pending)-1]
		it.pending = it.pending[:len(it.pending)-1]

		layerIter, err := it.merger.layers[index].Seek(ctx, bound)
		if err != nil {
			return err
		}
		if mi := newConstMergeIterator(index, layerIter); mi.valid {
			heap.Push(&it.heap, mi)
		}
	}

	for it.heap.Len() > 0 {
		lowest := heap.Pop(&it.heap).(*MergeLayerIterator[K, V])
		if it.heap.Len() == 0 {
			it.current = lowest
			return nil
		}
		second := heap.Pop(&it.heap).(*MergeLayerIterator[K, V])

		result := it.merger.merge(lowest, second)
		if result.emitLeft {
			heap.Push(&it.heap, second)
			it.current = lowest
			return nil
		}
		result.validate()

		if err := maybeDiscardPair(ctx, lowest, result.Left, second, result.Right); err != nil {
			return err
		}
		it.updateItem(lowest, result.Left)
		it.updateItem(second, result.Right)

		if result.Emit != nil {
			it.current = newItemMergeIterator(lowest.layerIndex, *result.Emit)
			return nil
		}
	}

	return nil
}

func (it *MergerIterator[K, V]) updateItem(m *MergeLayerIterator[K, V], op ItemOp[K, V]) {
	switch op.Kind {
	case OpKeep:
		heap.Push(&it.heap, m)
	case OpDiscard:
		if m.valid {
			heap.Push(&it.heap, m)
		}
	case OpReplace:
		m.replace(op.Item)
		heap.Push(&it.heap, m)
	}
}

// maybeDiscardPair applies MaybeDiscard to both sides, overlapping the two
// advances when both sides need one.
func maybeDiscardPair[K Key[K], V any](
	ctx context.Context,
	left *MergeLayerIterator[K, V], leftOp ItemOp[K, V],
	right *MergeLayerIterator[K, V], rightOp ItemOp[K, V],
) error {
	concurrent := leftOp.Kind == OpDiscard && rightOp.Kind == OpDiscard &&
		left.raw != rawNone && right.raw != rawNone
	if !concurrent {
		if err := left.MaybeDiscard(ctx, leftOp); err != nil {
			return err
		}
		return right.MaybeDiscard(ctx, rightOp)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return left.MaybeDiscard(gctx, leftOp)
	})
	g.Go(func() error {
		return right.MaybeDiscard(gctx, rightOp)
	})
	return g.Wait()
}

type mergeHeap[K Key[K], V any] []*MergeLayerIterator[K, V]

func (h mergeHeap[K, V]) Len() int { return len(h) }

func (h mergeHeap[K, V]) Less(i, j int) bool { return h[i].Compare(h[j]) < 0 }

func (h mergeHeap[K, V]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap[K, V]) Push(x any) {
	*h = append(*h, x.(*MergeLayerIterator[K, V]))
}

func (h *mergeHeap[K, V]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func (h mergeHeap[K, V]) peek() *MergeLayerIterator[K, V] {
	return h[0]
}
