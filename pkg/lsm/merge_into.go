package lsm

import "context"

// MergeInto folds item into the mutable layer behind cursor, then commits the
// edits. cursor must be positioned at or before the first item that can
// collide with item.
//
// item takes part as layer 0 and the layer as layer 1, so item is the left
// argument of mergeFn when the keys are equal.
func MergeInto[K Key[K], V any](
	ctx context.Context,
	cursor LayerIteratorMut[K, V],
	item Item[K, V],
	mergeFn MergeFunc[K, V],
) error {
	injected := newItemMergeIterator(0, item)
	target := newMutMergeIterator(1, cursor)

	for injected.valid && target.valid {
		if injected.Compare(target) < 0 {
			result := mergeFn(injected, target)
			if result.emitLeft {
				cursor.Insert(injected.TakeItem())
				continue
			}
			result.validate()
			if result.Emit != nil {
				cursor.Insert(*result.Emit)
			}
			applyOp(injected, result.Left)
			applyOp(target, result.Right)
			continue
		}

		result := mergeFn(target, injected)
		if result.emitLeft {
			if err := target.settle(ctx); err != nil {
				return err
			}
			continue
		}
		result.validate()
		if result.Emit != nil {
			cursor.Insert(*result.Emit)
		}
		applyOp(target, result.Left)
		applyOp(injected, result.Right)
	}

	if injected.valid {
		cursor.Insert(injected.TakeItem())
	}
	if target.replaced {
		if err := target.settle(ctx); err != nil {
			return err
		}
	}

	return cursor.CommitAndWait(ctx)
}

// applyOp edits one side in place. Discarding the layer side erases it from
// the layer.
func applyOp[K Key[K], V any](m *MergeLayerIterator[K, V], op ItemOp[K, V]) {
	switch op.Kind {
	case OpDiscard:
		m.Erase()
	case OpReplace:
		m.replace(op.Item)
	}
}
