package object

import (
	"cmp"
	"fmt"
	"math"

	"lsmkit/pkg/lsm"
)

// Key addresses one attribute of one object.
type Key struct {
	ObjectID    uint64
	AttributeID uint64
}

func (k Key) CmpLowerBound(other Key) int {
	if c := cmp.Compare(k.ObjectID, other.ObjectID); c != 0 {
		return c
	}
	return cmp.Compare(k.AttributeID, other.AttributeID)
}

func (k Key) CmpUpperBound(other Key) int {
	return k.CmpLowerBound(other)
}

func (k Key) NextKey() (Key, bool) {
	switch {
	case k.AttributeID < math.MaxUint64:
		return Key{ObjectID: k.ObjectID, AttributeID: k.AttributeID + 1}, true
	case k.ObjectID < math.MaxUint64:
		return Key{ObjectID: k.ObjectID + 1}, true
	default:
		return Key{}, false
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.ObjectID, k.AttributeID)
}

// Value is either attribute data or a deletion marker.
type Value struct {
	Data    []byte
	Deleted bool
}

func Tombstone() Value {
	return Value{Deleted: true}
}

type Item = lsm.Item[Key, Value]

func NewItem(key Key, data []byte) Item {
	return lsm.NewItem(key, Value{Data: data})
}

// Merge keeps the most recent item for a key and drops the rest.
func Merge(left, right *lsm.MergeLayerIterator[Key, Value]) lsm.MergeResult[Key, Value] {
	if left.Key() != right.Key() {
		return lsm.EmitLeft[Key, Value]()
	}
	return lsm.Other(nil, lsm.Keep[Key, Value](), lsm.Discard[Key, Value]())
}

// Live reports whether item carries data. Used as the compaction filter.
func Live(item Item) bool {
	return !item.Value.Deleted
}
