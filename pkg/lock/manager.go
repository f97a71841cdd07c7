package lock

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// State is the intent a caller acquires a key with.
type State uint8

const (
	// Read admits any number of holders and only conflicts with Write.
	Read State = iota + 1
	// Locked admits one holder and readers alongside it. A transaction holds
	// its keys Locked while it collects mutations.
	Locked
	// Write is exclusive.
	Write
)

func (s State) String() string {
	switch s {
	case Read:
		return "read"
	case Locked:
		return "locked"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type entryState uint8

const (
	stateReadLock entryState = iota
	stateLocked
	// stateWantWrite is Locked with an upgrade waiting for readers to drain.
	// New readers queue behind it.
	stateWantWrite
	stateWriteLock
)

func (s entryState) String() string {
	switch s {
	case stateReadLock:
		return "read-lock"
	case stateLocked:
		return "locked"
	case stateWantWrite:
		return "want-write"
	default:
		return "write-lock"
	}
}

type entry struct {
	readCount int
	state     entryState
	// wake is closed on every change of the entry and then replaced.
	wake chan struct{}
	// seq identifies the entry in logs.
	seq uint64
}

func (e *entry) notify() {
	close(e.wake)
	e.wake = make(chan struct{})
}

type options struct {
	trace  bool
	logger *slog.Logger
}

type Option func(*options)

// WithTrace logs every wait at debug level.
func WithTrace(enabled bool) Option {
	return func(o *options) {
		o.trace = enabled
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Manager hands out locks on Keys. Entries exist only while someone holds or
// waits for a key.
type Manager struct {
	mu    sync.Mutex
	locks map[Key]*entry
	seq   uint64

	opts options
}

func NewManager(opts ...Option) *Manager {
	o := options{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}

	return &Manager{
		locks: make(map[Key]*entry),
		opts:  o,
	}
}

// Normalize sorts keys and drops duplicates. Every multi-key acquisition
// walks keys in this order.
func Normalize(keys []Key) []Key {
	out := slices.Clone(keys)
	slices.SortFunc(out, Key.Compare)
	return slices.Compact(out)
}

// Lock acquires keys with the given intent and returns them normalized. On
// error nothing acquired by this call is held.
func (m *Manager) Lock(ctx context.Context, keys []Key, state State) ([]Key, error) {
	keys = Normalize(keys)

	switch state {
	case Read:
		return keys, m.acquireAll(ctx, keys, m.tryRead, m.releaseRead)
	case Locked:
		return keys, m.acquireAll(ctx, keys, m.tryLocked, m.releaseWrite)
	case Write:
		if err := m.acquireAll(ctx, keys, m.tryLocked, m.releaseWrite); err != nil {
			return keys, err
		}
		if err := m.CommitPrepare(ctx, keys); err != nil {
			m.Unlock(keys, Locked)
			return keys, err
		}
		return keys, nil
	default:
		panic(fmt.Sprintf("lock: unknown state %d", state))
	}
}

// Unlock releases keys that were acquired with state.
func (m *Manager) Unlock(keys []Key, state State) {
	for _, key := range keys {
		if state == Read {
			m.releaseRead(key)
		} else {
			m.releaseWrite(key)
		}
	}
}

// CommitPrepare upgrades keys held Locked to Write, waiting for readers to
// drain. If ctx is done first, the keys are Locked again on return.
func (m *Manager) CommitPrepare(ctx context.Context, keys []Key) error {
	for i, key := range keys {
		if err := m.wait(ctx, key, "upgrade", m.tryUpgrade); err != nil {
			m.abandonUpgrade(key)
			m.Downgrade(keys[:i])
			return err
		}
	}
	return nil
}

// Downgrade turns Write locks back into Locked ones so that readers can get
// in again.
func (m *Manager) Downgrade(keys []Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		e, ok := m.locks[key]
		if !ok || e.state != stateWriteLock {
			panic(fmt.Sprintf("lock: downgrade of %s without a write lock", key))
		}
		e.state = stateLocked
		e.notify()
	}
}

func (m *Manager) acquireAll(ctx context.Context, keys []Key, try func(Key) (*entry, bool), release func(Key)) error {
	for i, key := range keys {
		if err := m.wait(ctx, key, "acquire", try); err != nil {
			for _, held := range keys[:i] {
				release(held)
			}
			return err
		}
	}
	return nil
}

// wait calls try under the manager mutex until it succeeds. try returns the
// entry to wait on when it fails.
func (m *Manager) wait(ctx context.Context, key Key, op string, try func(Key) (*entry, bool)) error {
	for {
		m.mu.Lock()
		e, ok := try(key)
		if ok {
			m.mu.Unlock()
			return nil
		}
		wake, seq, state := e.wake, e.seq, e.state
		m.mu.Unlock()

		if m.opts.trace {
			m.opts.logger.Debug("waiting for lock", "key", key, "op", op, "entry", seq, "state", state.String())
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to %s %s: %w", op, key, ctx.Err())
		case <-wake:
		}
	}
}

func (m *Manager) newEntry(key Key, state entryState, readCount int) *entry {
	m.seq++
	e := &entry{
		readCount: readCount,
		state:     state,
		wake:      make(chan struct{}),
		seq:       m.seq,
	}
	m.locks[key] = e
	return e
}

func (m *Manager) tryRead(key Key) (*entry, bool) {
	e, ok := m.locks[key]
	if !ok {
		return m.newEntry(key, stateReadLock, 1), true
	}
	switch e.state {
	case stateReadLock, stateLocked:
		e.readCount++
		return e, true
	default:
		return e, false
	}
}

func (m *Manager) tryLocked(key Key) (*entry, bool) {
	e, ok := m.locks[key]
	if !ok {
		return m.newEntry(key, stateLocked, 0), true
	}
	if e.state == stateReadLock {
		e.state = stateLocked
		return e, true
	}
	return e, false
}

func (m *Manager) tryUpgrade(key Key) (*entry, bool) {
	e, ok := m.locks[key]
	if !ok {
		panic(fmt.Sprintf("lock: upgrade of %s without a txn lock", key))
	}
	switch e.state {
	case stateLocked, stateWantWrite:
		if e.readCount == 0 {
			e.state = stateWriteLock
			return e, true
		}
		if e.state == stateLocked {
			e.state = stateWantWrite
			e.notify()
		}
		return e, false
	case stateWriteLock:
		return e, true
	default:
		panic(fmt.Sprintf("lock: upgrade of %s without a txn lock", key))
	}
}

// abandonUpgrade backs out of a pending upgrade.
func (m *Manager) abandonUpgrade(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.locks[key]; ok && e.state == stateWantWrite {
		e.state = stateLocked
		e.notify()
	}
}

func (m *Manager) releaseRead(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok || e.readCount == 0 {
		panic(fmt.Sprintf("lock: read unlock of %s without a read lock", key))
	}
	e.readCount--
	if e.readCount == 0 && e.state == stateReadLock {
		delete(m.locks, key)
	}
	e.notify()
}

// releaseWrite drops a Locked or Write hold. Remaining readers keep the entry
// alive as a read lock.
func (m *Manager) releaseWrite(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok || e.state == stateReadLock {
		panic(fmt.Sprintf("lock: unlock of %s without a txn lock", key))
	}
	if e.readCount == 0 {
		delete(m.locks, key)
	} else {
		e.state = stateReadLock
	}
	e.notify()
}

// ReadLock acquires keys for reading.
func (m *Manager) ReadLock(ctx context.Context, keys ...Key) (*ReadGuard, error) {
	held, err := m.Lock(ctx, keys, Read)
	if err != nil {
		return nil, err
	}
	return &ReadGuard{m: m, keys: held}, nil
}

// WriteLock acquires keys exclusively.
func (m *Manager) WriteLock(ctx context.Context, keys ...Key) (*WriteGuard, error) {
	held, err := m.Lock(ctx, keys, Write)
	if err != nil {
		return nil, err
	}
	return &WriteGuard{m: m, keys: held}, nil
}

type Stat struct {
	Readers int
	State   State
}

// Stat reports how key is held.
func (m *Manager) Stat(key Key) (Stat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok {
		return Stat{}, false
	}

	s := Stat{Readers: e.readCount}
	switch e.state {
	case stateReadLock:
		s.State = Read
	case stateLocked, stateWantWrite:
		s.State = Locked
	case stateWriteLock:
		s.State = Write
	}
	return s, true
}

// Len is the number of keys someone holds.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.locks)
}

type ReadGuard struct {
	m    *Manager
	keys []Key
	once sync.Once
}

func (g *ReadGuard) Keys() []Key {
	return g.keys
}

// Release is safe to call more than once.
func (g *ReadGuard) Release() {
	g.once.Do(func() {
		g.m.Unlock(g.keys, Read)
	})
}

type WriteGuard struct {
	m    *Manager
	keys []Key
	once sync.Once
}

func (g *WriteGuard) Keys() []Key {
	return g.keys
}

// Release is safe to call more than once.
func (g *WriteGuard) Release() {
	g.once.Do(func() {
		g.m.Unlock(g.keys, Write)
	})
}
