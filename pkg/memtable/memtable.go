package memtable

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"lsmkit/pkg/clock"
	"lsmkit/pkg/lsm"

	"github.com/zhangyunhao116/skipmap"
)

type concurrentSet[K lsm.Key[K], V any] = skipmap.FuncMap[K, lsm.Item[K, V]]

// snapshot is a sorted copy of the table taken at version ver.
type snapshot[K lsm.Key[K], V any] struct {
	ver   uint64
	layer *lsm.SortedLayer[K, V]
}

// Memtable is the mutable layer of a tree. Point reads go straight to the
// skipmap; cursors work on a sorted snapshot and buffer their edits until
// CommitAndWait.
type Memtable[K lsm.Key[K], V any] struct {
	// mu serializes commits.
	mu         sync.Mutex
	underlying *concurrentSet[K, V]
	ver        *clock.Sequence
	snap       atomic.Pointer[snapshot[K, V]]
}

func New[K lsm.Key[K], V any]() *Memtable[K, V] {
	return &Memtable[K, V]{
		underlying: skipmap.NewFunc[K, lsm.Item[K, V]](func(a, b K) bool {
			return a.CmpLowerBound(b) < 0
		}),
		ver: clock.NewSequence(0),
	}
}

// Get returns the item stored under key.
func (mt *Memtable[K, V]) Get(key K) (lsm.Item[K, V], bool) {
	return mt.underlying.Load(key)
}

func (mt *Memtable[K, V]) Len() int {
	return mt.underlying.Len()
}

// Version changes every time a commit lands.
func (mt *Memtable[K, V]) Version() uint64 {
	return mt.ver.Val()
}

// Freeze returns an immutable copy of the current contents.
func (mt *Memtable[K, V]) Freeze() *lsm.SortedLayer[K, V] {
	return mt.sorted()
}

func (mt *Memtable[K, V]) Seek(ctx context.Context, bound lsm.Bound[K]) (lsm.LayerIterator[K, V], error) {
	return mt.SeekMut(ctx, bound)
}

func (mt *Memtable[K, V]) SeekMut(ctx context.Context, bound lsm.Bound[K]) (lsm.LayerIteratorMut[K, V], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := mt.sorted().Items()
	pos := sort.Search(len(items), func(i int) bool {
		return bound.Admits(items[i].Key)
	})

	return &cursor[K, V]{mt: mt, items: items, pos: pos}, nil
}

func (mt *Memtable[K, V]) sorted() *lsm.SortedLayer[K, V] {
	ver := mt.ver.Val()
	if cached := mt.snap.Load(); cached != nil && cached.ver == ver {
		return cached.layer
	}

	items := make([]lsm.Item[K, V], 0, mt.underlying.Len())
	mt.underlying.Range(func(_ K, item lsm.Item[K, V]) bool {
		items = append(items, item)
		return true
	})
	layer := lsm.NewSortedLayer(items)

	// A commit that raced with the copy bumps the version, so a torn snapshot
	// is never served after that commit returns.
	if mt.ver.Val() == ver {
		mt.snap.Store(&snapshot[K, V]{ver: ver, layer: layer})
	}

	return layer
}

func (mt *Memtable[K, V]) apply(ops []op[K, V]) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	for _, o := range ops {
		if o.erase {
			mt.underlying.Delete(o.item.Key)
		}
	}
	for _, o := range ops {
		if !o.erase {
			mt.underlying.Store(o.item.Key, o.item)
		}
	}
	mt.ver.Next()
}

type op[K lsm.Key[K], V any] struct {
	erase bool
	item  lsm.Item[K, V]
}

// cursor is a mutable iterator over a snapshot of the table.
type cursor[K lsm.Key[K], V any] struct {
	mt    *Memtable[K, V]
	items []lsm.Item[K, V]
	pos   int
	ops   []op[K, V]
}

func (c *cursor[K, V]) Advance(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.pos < len(c.items) {
		c.pos++
	}
	return nil
}

func (c *cursor[K, V]) Get() (lsm.Item[K, V], bool) {
	if c.pos >= len(c.items) {
		var zero lsm.Item[K, V]
		return zero, false
	}
	return c.items[c.pos], true
}

// Erase removes the current item and moves to the next one.
func (c *cursor[K, V]) Erase() {
	item, ok := c.Get()
	if !ok {
		panic("memtable: Erase called past the end of the table")
	}
	c.ops = append(c.ops, op[K, V]{erase: true, item: item})
	c.pos++
}

// Insert adds item in front of the cursor. The cursor does not move.
func (c *cursor[K, V]) Insert(item lsm.Item[K, V]) {
	c.ops = append(c.ops, op[K, V]{item: item})
}

// CommitAndWait applies the buffered edits. Erases land before inserts, so
// replacing an item under the same key is erase then insert.
func (c *cursor[K, V]) CommitAndWait(ctx context.Context) error {
	if len(c.ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mt.apply(c.ops)
	c.ops = nil
	return nil
}
