package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"lsmkit/pkg/allocator"
	"lsmkit/pkg/clock"
	"lsmkit/pkg/compression"
	"lsmkit/pkg/config"
	"lsmkit/pkg/listener"
	"lsmkit/pkg/lock"
	"lsmkit/pkg/lsm"
	"lsmkit/pkg/object"
	"lsmkit/pkg/tree"
	"lsmkit/pkg/txn"
	"lsmkit/pkg/wal"
)

// storeID is the id lock keys of this store are taken under.
const storeID uint64 = 1

type iJournal interface {
	listener.Job

	Append(ctx context.Context, e wal.Entry) error
	Close() error
}

type iClock interface {
	Val() uint64
	Next() uint64
}

type Options struct {
	SealThreshold      int
	MaxImmutableLayers int
	CapacityBytes      uint64
	TraceMerges        bool
	TraceLocks         bool
	// StartSeq is the last commit sequence number already handed out.
	StartSeq uint64
	Logger   *slog.Logger
}

func OptionsFromConfig(cfg config.DB) Options {
	return Options{
		SealThreshold:      cfg.Memtable.SealThreshold,
		MaxImmutableLayers: cfg.Memtable.MaxImmutableLayers,
		CapacityBytes:      cfg.CapacityBytes,
		TraceMerges:        cfg.Memtable.TraceMerges,
		TraceLocks:         cfg.Lock.Trace,
	}
}

// Store is an object store with a block allocator. All changes go through
// transactions: Store is the txn.Handler that journals and applies them.
type Store struct {
	opts   Options
	logger *slog.Logger

	locks *lock.Manager
	jr    iJournal
	seqN  iClock

	objects   *tree.Tree[object.Key, object.Value]
	allocator *tree.Tree[allocator.Key, allocator.Value]

	// commitMu keeps journal order and apply order the same.
	commitMu sync.Mutex

	// mu guards the counters below.
	mu        sync.Mutex
	info      txn.StoreInfo
	allocated int64
	reserved  int64

	flusher *Flusher
	closed  atomic.Bool
	close   func() error
}

var _ txn.Handler = (*Store)(nil)

// Open creates the journal described by cfg and a store on top of it.
func Open(cfg config.DB, logger *slog.Logger) (*Store, error) {
	codec, err := compression.ParseCodec(cfg.Journal.Compression)
	if err != nil {
		return nil, err
	}

	journal, err := wal.New(wal.Options{
		Dir:       cfg.Journal.Path,
		Codec:     codec,
		QueueSize: cfg.Journal.QueueSize,
	})
	if err != nil {
		return nil, err
	}

	// Contents are not replayed, but sequence numbers keep growing across
	// restarts.
	var last uint64
	err = journal.Scan(0, func(e wal.Entry) error {
		last = max(last, e.SeqNum)
		return nil
	})
	if err != nil {
		journal.Close()
		return nil, err
	}

	opts := OptionsFromConfig(cfg)
	opts.Logger = logger
	opts.StartSeq = last
	return New(journal, opts), nil
}

// New starts a store writing to jr.
func New(jr iJournal, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "store")

	s := &Store{
		opts:   opts,
		logger: logger,
		locks:  lock.NewManager(lock.WithTrace(opts.TraceLocks), lock.WithLogger(logger)),
		jr:     jr,
		seqN:   clock.NewSequence(opts.StartSeq),
		objects: tree.New(object.Merge,
			tree.WithName[object.Key, object.Value](txn.TreeObjects.String()),
			tree.WithMaxImmutableLayers[object.Key, object.Value](opts.MaxImmutableLayers),
			tree.WithCompactionFilter(object.Live),
			tree.WithTrace[object.Key, object.Value](opts.TraceMerges),
			tree.WithLogger[object.Key, object.Value](logger),
		),
		allocator: tree.New(allocator.Merge,
			tree.WithName[allocator.Key, allocator.Value](txn.TreeAllocator.String()),
			tree.WithMaxImmutableLayers[allocator.Key, allocator.Value](opts.MaxImmutableLayers),
			tree.WithCompactionFilter(allocator.Referenced),
			tree.WithTrace[allocator.Key, allocator.Value](opts.TraceMerges),
			tree.WithLogger[allocator.Key, allocator.Value](logger),
		),
	}

	ctx := context.Background()
	s.jr.Start(ctx)

	// start background goroutine to seal full memtables
	s.flusher = NewFlusher(2, s.Seal)
	s.flusher.Start(ctx)

	s.close = func() error {
		s.flusher.Stop()
		s.jr.Stop()
		return s.jr.Close()
	}

	logger.Info("store opened", "capacity_bytes", opts.CapacityBytes, "seal_threshold", opts.SealThreshold)
	return s
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.close()
}

func (s *Store) NewTransaction(ctx context.Context, readLocks, txnLocks []lock.Key, opts txn.Options) (*txn.Transaction, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return txn.New(ctx, s, s.locks, readLocks, txnLocks, opts)
}

func (s *Store) ReadLock(ctx context.Context, keys ...lock.Key) (*lock.ReadGuard, error) {
	return s.locks.ReadLock(ctx, keys...)
}

func (s *Store) DropTransaction(t *txn.Transaction) {
	if n := len(t.Mutations()); n > 0 {
		s.logger.Debug("txn rolled back", "txn", t.ID(), "mutations", n)
	}
	t.ReleaseLocks(s.locks)
}

// CommitTransaction journals the mutations of t, then applies them. The txn
// locks of t are held Write for the duration and Locked again on return.
func (s *Store) CommitTransaction(ctx context.Context, t *txn.Transaction) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if t.IsEmpty() {
		return s.seqN.Val(), nil
	}

	if err := s.locks.CommitPrepare(ctx, t.TxnLocks()); err != nil {
		return 0, fmt.Errorf("failed to prepare txn %s: %w", t.ID(), err)
	}
	defer s.locks.Downgrade(t.TxnLocks())

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	c, err := s.check(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("txn %s rejected: %w", t.ID(), err)
	}

	seq := s.seqN.Next()
	entry, err := journalEntry(seq, t)
	if err == nil {
		err = s.jr.Append(ctx, entry)
	}
	if err != nil {
		c.undo()
		return 0, fmt.Errorf("failed to journal txn %s: %w", t.ID(), err)
	}
	s.settle(c)

	mutations := t.TakeMutations()
	for _, m := range mutations {
		if err := s.apply(ctx, m); err != nil {
			// The journal already has the mutation; the in-memory state is
			// now behind it.
			s.logger.Error("failed to apply journaled mutation",
				"txn", t.ID(), "seq", seq, "kind", m.Mutation.Kind().String(), "error", err)
			return seq, fmt.Errorf("failed to apply txn %s: %w", t.ID(), err)
		}
	}

	s.logger.Debug("txn committed", "txn", t.ID(), "seq", seq, "mutations", len(mutations))
	s.maybeSeal()

	return seq, nil
}

// charge is the space a transaction takes from its reservation.
type charge struct {
	res   *txn.Reservation
	taken int64
}

func (c charge) undo() {
	if c.taken > 0 {
		c.res.Add(c.taken)
	}
}

// check rejects transactions that cannot be applied, before anything is
// journaled.
func (s *Store) check(ctx context.Context, t *txn.Transaction) (charge, error) {
	var c charge
	for _, m := range t.Mutations() {
		if err := s.checkMutation(ctx, t.Options(), m, &c); err != nil {
			c.undo()
			return charge{}, err
		}
	}
	return c, nil
}

func (s *Store) checkMutation(ctx context.Context, opts txn.Options, m txn.TxnMutation, c *charge) error {
	switch mut := m.Mutation.(type) {
	case txn.ObjectStore:
		if mut.Op != txn.OpInsert {
			return nil
		}
		_, ok, err := s.find(ctx, mut.Item.Key)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%s: %w", mut.Item.Key, ErrAlreadyExists)
		}

	case txn.Allocator:
		key := mut.Item.Key
		if key.End > s.opts.CapacityBytes || key.Start >= key.End {
			return fmt.Errorf("range %s outside device: %w", key, ErrNoSpace)
		}
		u, err := s.usage(ctx, key)
		if err != nil {
			return err
		}
		if mut.Item.Value.Refs > 0 && u.covered != 0 {
			return fmt.Errorf("range %s already allocated: %w", key, ErrAlreadyExists)
		}
		if mut.Item.Value.Refs < 0 && u.covered != key.Len() {
			return fmt.Errorf("%s: %w", key, ErrNotAllocated)
		}

	case txn.AllocatorRef:
		u, err := s.usage(ctx, mut.Range)
		if err != nil {
			return err
		}
		if u.covered != mut.Range.Len() {
			return fmt.Errorf("%s: %w", mut.Range, ErrNotAllocated)
		}

	case txn.UpdateAllocatedBytes:
		return s.checkSpace(opts, mut.Delta, c)
	}

	return nil
}

func (s *Store) checkSpace(opts txn.Options, delta int64, c *charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if delta < 0 {
		if s.allocated+delta < 0 {
			return fmt.Errorf("allocated %d, delta %d: %w", s.allocated, delta, ErrUnderflow)
		}
		return nil
	}

	if opts.Reservation != nil {
		if err := opts.Reservation.Take(delta); err != nil {
			return fmt.Errorf("%w: %w", ErrNoSpace, err)
		}
		c.res = opts.Reservation
		c.taken += delta
		return nil
	}

	if opts.SkipSpaceCheck {
		return nil
	}
	if free := int64(s.opts.CapacityBytes) - s.allocated - s.reserved; delta > free {
		return fmt.Errorf("need %d bytes, %d free: %w", delta, free, ErrNoSpace)
	}
	return nil
}

// settle moves space taken from a reservation into the allocated count.
func (s *Store) settle(c charge) {
	if c.taken == 0 {
		return
	}
	s.mu.Lock()
	s.reserved -= c.taken
	s.mu.Unlock()
}

func (s *Store) apply(ctx context.Context, m txn.TxnMutation) error {
	switch mut := m.Mutation.(type) {
	case txn.ObjectStore:
		switch mut.Op {
		case txn.OpInsert:
			err := s.objects.Insert(ctx, mut.Item)
			if errors.Is(err, tree.ErrAlreadyExists) {
				// A deletion marker for the key is still in the mutable layer.
				err = s.objects.ReplaceOrInsert(ctx, mut.Item)
			}
			return err
		case txn.OpReplaceOrInsert:
			return s.objects.ReplaceOrInsert(ctx, mut.Item)
		default:
			return s.objects.MergeInto(ctx, mut.Item, lsm.Included(mut.Item.Key))
		}

	case txn.StoreInfo:
		s.mu.Lock()
		s.info = mut
		s.mu.Unlock()
		return nil

	case txn.Allocator:
		return s.allocator.MergeInto(ctx, mut.Item, lsm.Unbounded[allocator.Key]())

	case txn.AllocatorRef:
		item := allocator.NewItem(mut.Range.Start, mut.Range.End, 1)
		return s.allocator.MergeInto(ctx, item, lsm.Unbounded[allocator.Key]())

	case txn.TreeSeal:
		switch mut.Tree {
		case txn.TreeObjects:
			return s.objects.Seal(ctx)
		case txn.TreeAllocator:
			return s.allocator.Seal(ctx)
		}
		return fmt.Errorf("unknown tree %s", mut.Tree)

	case txn.TreeCompact:
		switch mut.Tree {
		case txn.TreeObjects:
			return s.objects.Compact(ctx)
		case txn.TreeAllocator:
			return s.allocator.Compact(ctx)
		}
		return fmt.Errorf("unknown tree %s", mut.Tree)

	case txn.UpdateAllocatedBytes:
		s.mu.Lock()
		s.allocated += mut.Delta
		s.mu.Unlock()
		return nil

	default:
		return fmt.Errorf("unknown mutation %T", m.Mutation)
	}
}

func (s *Store) maybeSeal() {
	if s.opts.SealThreshold <= 0 {
		return
	}
	if s.objects.MutableLen() >= s.opts.SealThreshold {
		s.flusher.Request(txn.TreeObjects)
	}
	if s.allocator.MutableLen() >= s.opts.SealThreshold {
		s.flusher.Request(txn.TreeAllocator)
	}
}

// Seal freezes the mutable layer of a tree through a transaction.
func (s *Store) Seal(ctx context.Context, id txn.TreeID) error {
	return s.treeOp(ctx, txn.TreeSeal{Tree: id})
}

// Compact merges the immutable layers of a tree through a transaction.
func (s *Store) Compact(ctx context.Context, id txn.TreeID) error {
	return s.treeOp(ctx, txn.TreeCompact{Tree: id})
}

func (s *Store) treeOp(ctx context.Context, m txn.Mutation) error {
	t, err := s.NewTransaction(ctx, nil, []lock.Key{lock.FilesystemKey()}, txn.Options{})
	if err != nil {
		return err
	}
	defer t.Drop()

	t.Add(0, m)
	_, err = t.Commit(ctx)
	return err
}

// Reserve sets aside n bytes for transactions to allocate from.
func (s *Store) Reserve(n int64) (*txn.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if free := int64(s.opts.CapacityBytes) - s.allocated - s.reserved; n > free {
		return nil, fmt.Errorf("need %d bytes, %d free: %w", n, free, ErrNoSpace)
	}
	s.reserved += n

	return txn.NewReservation(n, func(unused int64) {
		s.mu.Lock()
		s.reserved -= unused
		s.mu.Unlock()
	}), nil
}

func (s *Store) Info() txn.StoreInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.info
}

func (s *Store) AllocatedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.allocated
}

type Stats struct {
	Seq            uint64     `json:"seq"`
	ObjectCount    uint64     `json:"object_count"`
	LastObjectID   uint64     `json:"last_object_id"`
	AllocatedBytes int64      `json:"allocated_bytes"`
	ReservedBytes  int64      `json:"reserved_bytes"`
	CapacityBytes  uint64     `json:"capacity_bytes"`
	HeldLocks      int        `json:"held_locks"`
	Objects        tree.Stats `json:"objects"`
	Allocator      tree.Stats `json:"allocator"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		ObjectCount:    s.info.ObjectCount,
		LastObjectID:   s.info.LastObjectID,
		AllocatedBytes: s.allocated,
		ReservedBytes:  s.reserved,
	}
	s.mu.Unlock()

	st.Seq = s.seqN.Val()
	st.CapacityBytes = s.opts.CapacityBytes
	st.HeldLocks = s.locks.Len()
	st.Objects = s.objects.Stats()
	st.Allocator = s.allocator.Stats()
	return st
}

func (s *Store) holds(t *txn.Transaction, key lock.Key) bool {
	return slices.Contains(t.TxnLocks(), key)
}
