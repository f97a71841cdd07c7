package allocator

import (
	"cmp"
	"fmt"

	"lsmkit/pkg/lsm"
)

// Key is the device range [Start, End).
type Key struct {
	Start uint64
	End   uint64
}

func (k Key) CmpLowerBound(other Key) int {
	if c := cmp.Compare(k.Start, other.Start); c != 0 {
		return c
	}
	return cmp.Compare(k.End, other.End)
}

func (k Key) CmpUpperBound(other Key) int {
	if c := cmp.Compare(k.End, other.End); c != 0 {
		return c
	}
	return cmp.Compare(k.Start, other.Start)
}

// NextKey has no useful answer for ranges: a range starting anywhere before
// the next one may still overlap it.
func (k Key) NextKey() (Key, bool) {
	return Key{}, false
}

func (k Key) Len() uint64 {
	return k.End - k.Start
}

func (k Key) String() string {
	return fmt.Sprintf("%d..%d", k.Start, k.End)
}

// Value is a change in the reference count of every block in the range.
// Layers hold deltas; the merged view holds totals.
type Value struct {
	Refs int64
}

type Item = lsm.Item[Key, Value]

func NewItem(start, end uint64, refs int64) Item {
	return lsm.NewItem(Key{Start: start, End: end}, Value{Refs: refs})
}

func discardIfZero(item Item) lsm.ItemOp[Key, Value] {
	if item.Value.Refs == 0 {
		return lsm.Discard[Key, Value]()
	}
	return lsm.Replace(item)
}

// Merge splits overlapping ranges at their boundaries and adds the reference
// counts of the overlapping parts. Parts whose count drops to zero are
// discarded.
func Merge(left, right *lsm.MergeLayerIterator[Key, Value]) lsm.MergeResult[Key, Value] {
	l, r := left.Item(), right.Item()

	if l.Key.End <= r.Key.Start {
		if l.Value.Refs == 0 {
			return lsm.Other(nil, lsm.Discard[Key, Value](), lsm.Keep[Key, Value]())
		}
		return lsm.EmitLeft[Key, Value]()
	}

	if l.Key.Start < r.Key.Start {
		head := NewItem(l.Key.Start, r.Key.Start, l.Value.Refs)
		tail := NewItem(r.Key.Start, l.Key.End, l.Value.Refs)
		if head.Value.Refs == 0 {
			return lsm.Other(nil, lsm.Replace(tail), lsm.Keep[Key, Value]())
		}
		return lsm.Other(&head, lsm.Replace(tail), lsm.Keep[Key, Value]())
	}

	// Same start. Ties order by end, so left ends first.
	common := NewItem(l.Key.Start, l.Key.End, l.Value.Refs+r.Value.Refs)
	if l.Key.End == r.Key.End {
		return lsm.Other(nil, discardIfZero(common), lsm.Discard[Key, Value]())
	}
	rest := NewItem(l.Key.End, r.Key.End, r.Value.Refs)
	return lsm.Other(nil, discardIfZero(common), lsm.Replace(rest))
}

// Referenced reports whether item still holds blocks. Used as the compaction
// filter.
func Referenced(item Item) bool {
	return item.Value.Refs != 0
}
