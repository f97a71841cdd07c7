package lsm

// Key is implemented by every key type stored in a layer.
//
// Point keys return the same answer from CmpLowerBound and CmpUpperBound.
// Range-like keys order by where the range starts for merging and by where it
// ends for layout decisions.
type Key[K any] interface {
	// CmpLowerBound compares the lower bounds of two keys. Layers are sorted by
	// it and the merger emits items in this order.
	CmpLowerBound(other K) int
	// CmpUpperBound compares the upper bounds of two keys.
	CmpUpperBound(other K) int
	// NextKey returns the smallest key strictly greater than the receiver.
	// Key types without a meaningful successor return false, which makes the
	// merger re-query every layer on each step.
	NextKey() (K, bool)
}

// Item is an immutable key/value pair.
type Item[K Key[K], V any] struct {
	Key      K
	Value    V
	Sequence uint64
}

func NewItem[K Key[K], V any](key K, value V) Item[K, V] {
	return Item[K, V]{Key: key, Value: value}
}

type BoundKind uint8

const (
	BoundUnbounded BoundKind = iota
	BoundIncluded
	BoundExcluded
)

// Bound is the position a layer iterator is sought to.
type Bound[K Key[K]] struct {
	Kind BoundKind
	Key  K
}

func Unbounded[K Key[K]]() Bound[K] {
	return Bound[K]{Kind: BoundUnbounded}
}

func Included[K Key[K]](key K) Bound[K] {
	return Bound[K]{Kind: BoundIncluded, Key: key}
}

func Excluded[K Key[K]](key K) Bound[K] {
	return Bound[K]{Kind: BoundExcluded, Key: key}
}

// Admits reports whether key is at or past the bound.
func (b Bound[K]) Admits(key K) bool {
	switch b.Kind {
	case BoundIncluded:
		return key.CmpLowerBound(b.Key) >= 0
	case BoundExcluded:
		return key.CmpLowerBound(b.Key) > 0
	default:
		return true
	}
}
