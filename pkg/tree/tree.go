package tree

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"lsmkit/pkg/lsm"
	"lsmkit/pkg/memtable"
)

type options[K lsm.Key[K], V any] struct {
	name               string
	maxImmutableLayers int
	keep               func(lsm.Item[K, V]) bool
	trace              bool
	logger             *slog.Logger
}

type Option[K lsm.Key[K], V any] func(*options[K, V])

func WithName[K lsm.Key[K], V any](name string) Option[K, V] {
	return func(o *options[K, V]) {
		o.name = name
	}
}

// WithMaxImmutableLayers makes Seal compact once more than n immutable layers
// are stacked. Zero disables it.
func WithMaxImmutableLayers[K lsm.Key[K], V any](n int) Option[K, V] {
	return func(o *options[K, V]) {
		o.maxImmutableLayers = n
	}
}

// WithCompactionFilter drops items for which keep returns false while
// compacting. Compaction always covers the oldest layer, so a filter may drop
// deletion markers safely.
func WithCompactionFilter[K lsm.Key[K], V any](keep func(lsm.Item[K, V]) bool) Option[K, V] {
	return func(o *options[K, V]) {
		o.keep = keep
	}
}

func WithTrace[K lsm.Key[K], V any](enabled bool) Option[K, V] {
	return func(o *options[K, V]) {
		o.trace = enabled
	}
}

func WithLogger[K lsm.Key[K], V any](logger *slog.Logger) Option[K, V] {
	return func(o *options[K, V]) {
		o.logger = logger
	}
}

// Tree is an LSM tree: one mutable layer on top of immutable layers ordered
// from newest to oldest. Writes to the mutable layer must be serialized by the
// caller; reads may run alongside them.
type Tree[K lsm.Key[K], V any] struct {
	// mu is held shared by writers and readers of the layer set and exclusively
	// while the layer set changes.
	mu        sync.RWMutex
	mutable   *memtable.Memtable[K, V]
	immutable []*lsm.SortedLayer[K, V]

	// compactMu serializes compactions.
	compactMu sync.Mutex

	mergeFn lsm.MergeFunc[K, V]
	opts    options[K, V]
}

func New[K lsm.Key[K], V any](mergeFn lsm.MergeFunc[K, V], opts ...Option[K, V]) *Tree[K, V] {
	o := options[K, V]{
		name:   "tree",
		keep:   func(lsm.Item[K, V]) bool { return true },
		logger: slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}

	return &Tree[K, V]{
		mutable: memtable.New[K, V](),
		mergeFn: mergeFn,
		opts:    o,
	}
}

func (t *Tree[K, V]) Name() string {
	return t.opts.name
}

// LayerSet returns the layers a query must merge, most recent first.
func (t *Tree[K, V]) LayerSet() []lsm.Layer[K, V] {
	t.mu.RLock()
	defer t.mu.RUnlock()

	layers := make([]lsm.Layer[K, V], 0, len(t.immutable)+1)
	layers = append(layers, t.mutable)
	for _, l := range t.immutable {
		layers = append(layers, l)
	}
	return layers
}

func (t *Tree[K, V]) merger(layers []lsm.Layer[K, V]) *lsm.Merger[K, V] {
	return lsm.NewMerger(layers, t.mergeFn,
		lsm.WithTrace(t.opts.trace),
		lsm.WithLogger(t.opts.logger.With("tree", t.opts.name)),
	)
}

// Seek merges every layer of the tree starting at bound.
func (t *Tree[K, V]) Seek(ctx context.Context, bound lsm.Bound[K]) (*lsm.MergerIterator[K, V], error) {
	return t.merger(t.LayerSet()).Seek(ctx, bound)
}

// Find returns the merged item stored under key.
func (t *Tree[K, V]) Find(ctx context.Context, key K) (lsm.Item[K, V], bool, error) {
	var zero lsm.Item[K, V]

	it, err := t.Seek(ctx, lsm.Included(key))
	if err != nil {
		return zero, false, err
	}
	item, ok := it.Get()
	if !ok || item.Key.CmpLowerBound(key) != 0 {
		return zero, false, nil
	}
	return item, true, nil
}

// Insert adds item to the mutable layer. It fails with ErrAlreadyExists if the
// mutable layer already holds the key.
func (t *Tree[K, V]) Insert(ctx context.Context, item lsm.Item[K, V]) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.mutable.Get(item.Key); ok {
		return ErrAlreadyExists
	}

	cur, err := t.mutable.SeekMut(ctx, lsm.Included(item.Key))
	if err != nil {
		return err
	}
	cur.Insert(item)
	return cur.CommitAndWait(ctx)
}

// ReplaceOrInsert puts item into the mutable layer, replacing an item with the
// same key.
func (t *Tree[K, V]) ReplaceOrInsert(ctx context.Context, item lsm.Item[K, V]) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur, err := t.mutable.SeekMut(ctx, lsm.Included(item.Key))
	if err != nil {
		return err
	}
	if existing, ok := cur.Get(); ok && existing.Key.CmpLowerBound(item.Key) == 0 {
		cur.Erase()
	}
	cur.Insert(item)
	return cur.CommitAndWait(ctx)
}

// MergeInto folds item into the mutable layer with the tree's merge function.
// The merge starts at from, which must not be past any item item can collide
// with.
func (t *Tree[K, V]) MergeInto(ctx context.Context, item lsm.Item[K, V], from lsm.Bound[K]) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur, err := t.mutable.SeekMut(ctx, from)
	if err != nil {
		return err
	}
	return lsm.MergeInto(ctx, cur, item, t.mergeFn)
}

// MutableLen is the number of items in the mutable layer.
func (t *Tree[K, V]) MutableLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.mutable.Len()
}

// Seal freezes the mutable layer into the newest immutable layer and starts a
// new mutable layer. An empty mutable layer is left in place.
func (t *Tree[K, V]) Seal(ctx context.Context) error {
	t.mu.Lock()
	if t.mutable.Len() == 0 {
		t.mu.Unlock()
		return nil
	}
	frozen := t.mutable.Freeze()
	t.immutable = slices.Insert(t.immutable, 0, frozen)
	t.mutable = memtable.New[K, V]()
	layers := len(t.immutable)
	t.mu.Unlock()

	t.opts.logger.Info("layer sealed", "tree", t.opts.name, "items", frozen.Len(), "layers", layers)

	if limit := t.opts.maxImmutableLayers; limit > 0 && layers > limit {
		return t.Compact(ctx)
	}
	return nil
}

// Compact merges every immutable layer into one.
func (t *Tree[K, V]) Compact(ctx context.Context) error {
	t.compactMu.Lock()
	defer t.compactMu.Unlock()

	t.mu.RLock()
	layers := slices.Clone(t.immutable)
	t.mu.RUnlock()

	if len(layers) == 0 {
		return nil
	}

	input := make([]lsm.Layer[K, V], len(layers))
	for i, l := range layers {
		input[i] = l
	}

	m := t.merger(input)
	it, err := m.Seek(ctx, lsm.Unbounded[K]())
	if err != nil {
		return fmt.Errorf("failed to compact %s: %w", t.opts.name, err)
	}

	var (
		items   []lsm.Item[K, V]
		dropped int
	)
	for item, err := range it.All(ctx) {
		if err != nil {
			return fmt.Errorf("failed to compact %s: %w", t.opts.name, err)
		}
		if !t.opts.keep(item) {
			dropped++
			continue
		}
		items = append(items, item)
	}

	t.mu.Lock()
	// Seal only prepends, so the compacted layers are still the tail.
	kept := t.immutable[:len(t.immutable)-len(layers)]
	t.immutable = slices.Clone(kept)
	if len(items) > 0 {
		t.immutable = append(t.immutable, lsm.NewSortedLayer(items))
	}
	t.mu.Unlock()

	t.opts.logger.Info("layers compacted",
		"tree", t.opts.name,
		"layers", len(layers),
		"items", len(items),
		"dropped", dropped,
		"merges", m.MergeCount(),
	)

	return nil
}

type Stats struct {
	MutableItems    int `json:"mutable_items"`
	ImmutableLayers int `json:"immutable_layers"`
	ImmutableItems  int `json:"immutable_items"`
}

func (t *Tree[K, V]) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Stats{
		MutableItems:    t.mutable.Len(),
		ImmutableLayers: len(t.immutable),
	}
	for _, l := range t.immutable {
		s.ImmutableItems += l.Len()
	}
	return s
}
