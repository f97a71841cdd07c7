package lsm

import "fmt"

type OpKind uint8

const (
	OpKeep OpKind = iota
	OpDiscard
	OpReplace
)

func (k OpKind) String() string {
	switch k {
	case OpKeep:
		return "keep"
	case OpDiscard:
		return "discard"
	case OpReplace:
		return "replace"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// ItemOp tells the merger what to do with one side of a merge. The zero value
// keeps the item.
type ItemOp[K Key[K], V any] struct {
	Kind OpKind
	Item Item[K, V]
}

func Keep[K Key[K], V any]() ItemOp[K, V] {
	return ItemOp[K, V]{Kind: OpKeep}
}

func Discard[K Key[K], V any]() ItemOp[K, V] {
	return ItemOp[K, V]{Kind: OpDiscard}
}

func Replace[K Key[K], V any](item Item[K, V]) ItemOp[K, V] {
	return ItemOp[K, V]{Kind: OpReplace, Item: item}
}

// MergeResult is returned by a MergeFunc.
//
// EmitLeft is the common case: the left item is final and the right item
// stays a merge candidate. Any other result carries an optional item to emit
// and an operation for each side.
type MergeResult[K Key[K], V any] struct {
	emitLeft bool

	Emit  *Item[K, V]
	Left  ItemOp[K, V]
	Right ItemOp[K, V]
}

func EmitLeft[K Key[K], V any]() MergeResult[K, V] {
	return MergeResult[K, V]{emitLeft: true}
}

func Other[K Key[K], V any](emit *Item[K, V], left, right ItemOp[K, V]) MergeResult[K, V] {
	return MergeResult[K, V]{Emit: emit, Left: left, Right: right}
}

func (r MergeResult[K, V]) IsEmitLeft() bool {
	return r.emitLeft
}

func (r MergeResult[K, V]) String() string {
	if r.emitLeft {
		return "emit-left"
	}
	return fmt.Sprintf("other(emit=%t, left=%s, right=%s)", r.Emit != nil, r.Left.Kind, r.Right.Kind)
}

// validate panics on results that can never make progress.
func (r MergeResult[K, V]) validate() {
	if !r.emitLeft && r.Emit == nil && r.Left.Kind == OpKeep && r.Right.Kind == OpKeep {
		panic("lsm: merge function returned Other with no emission and Keep on both sides")
	}
}

// MergeFunc resolves two competing items. left never sorts after right. The
// function must not keep references to the iterators.
type MergeFunc[K Key[K], V any] func(left, right *MergeLayerIterator[K, V]) MergeResult[K, V]
