package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitTimeout = time.Second

func requireBlocked(t *testing.T, done <-chan error) {
	t.Helper()

	select {
	case err := <-done:
		t.Fatalf("acquisition finished early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func requireDone(t *testing.T, done <-chan error) {
	t.Helper()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("acquisition did not finish")
	}
}

func TestNormalize(t *testing.T) {
	keys := Normalize([]Key{
		FilesystemKey(),
		ObjectKey(1, 2),
		AttributeKey(1, 2, 3),
		ObjectKey(1, 2),
		ObjectKey(1, 1),
	})

	require.Equal(t, []Key{
		AttributeKey(1, 2, 3),
		ObjectKey(1, 1),
		ObjectKey(1, 2),
		FilesystemKey(),
	}, keys)
}

func TestConcurrentReadersResolveImmediately(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	key := ObjectKey(0, 1)

	g1, err := m.ReadLock(ctx, key)
	require.NoError(t, err)
	g2, err := m.ReadLock(ctx, key)
	require.NoError(t, err)

	stat, ok := m.Stat(key)
	require.True(t, ok)
	require.Equal(t, Stat{Readers: 2, State: Read}, stat)

	g1.Release()
	g1.Release()
	g2.Release()
	require.Zero(t, m.Len())
}

func TestWriteWaitsForReaders(t *testing.T) {
	ctx := context.Background()
	m := NewManager(WithTrace(true))
	key := AttributeKey(0, 1, 0)

	reader, err := m.ReadLock(ctx, key)
	require.NoError(t, err)

	done := make(chan error, 1)
	var writer *WriteGuard
	go func() {
		var err error
		writer, err = m.WriteLock(ctx, key)
		done <- err
	}()

	requireBlocked(t, done)
	reader.Release()
	requireDone(t, done)

	stat, ok := m.Stat(key)
	require.True(t, ok)
	require.Equal(t, Write, stat.State)

	writer.Release()
	require.Zero(t, m.Len())
}

func TestLockedAdmitsReaders(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	key := ObjectKey(0, 1)

	held, err := m.Lock(ctx, []Key{key}, Locked)
	require.NoError(t, err)

	reader, err := m.ReadLock(ctx, key)
	require.NoError(t, err)

	// A second txn lock has to wait.
	done := make(chan error, 1)
	go func() {
		_, err := m.Lock(ctx, []Key{key}, Locked)
		done <- err
	}()
	requireBlocked(t, done)

	// Releasing the txn lock leaves the reader in place.
	m.Unlock(held, Locked)
	requireDone(t, done)

	stat, ok := m.Stat(key)
	require.True(t, ok)
	require.Equal(t, Stat{Readers: 1, State: Locked}, stat)

	reader.Release()
	m.Unlock([]Key{key}, Locked)
	require.Zero(t, m.Len())
}

func TestCommitPrepareBlocksNewReaders(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	key := ObjectKey(0, 1)

	held, err := m.Lock(ctx, []Key{key}, Locked)
	require.NoError(t, err)
	reader, err := m.ReadLock(ctx, key)
	require.NoError(t, err)

	upgraded := make(chan error, 1)
	go func() { upgraded <- m.CommitPrepare(ctx, held) }()
	requireBlocked(t, upgraded)

	// Readers queue behind the pending upgrade.
	secondReader := make(chan error, 1)
	go func() {
		g, err := m.ReadLock(ctx, key)
		if err == nil {
			defer g.Release()
		}
		secondReader <- err
	}()
	requireBlocked(t, secondReader)

	reader.Release()
	requireDone(t, upgraded)
	requireBlocked(t, secondReader)

	m.Downgrade(held)
	requireDone(t, secondReader)

	m.Unlock(held, Locked)
	require.Eventually(t, func() bool { return m.Len() == 0 }, waitTimeout, time.Millisecond)
}

func TestCancelledWaitReleasesPartialAcquisition(t *testing.T) {
	m := NewManager()
	free, busy := ObjectKey(0, 1), ObjectKey(0, 2)

	blocker, err := m.WriteLock(context.Background(), busy)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Lock(ctx, []Key{busy, free}, Locked)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := m.Stat(free)
	require.False(t, ok)

	blocker.Release()
	require.Zero(t, m.Len())
}

func TestCancelledUpgradeKeepsTxnLock(t *testing.T) {
	m := NewManager()
	key := ObjectKey(0, 1)

	held, err := m.Lock(context.Background(), []Key{key}, Locked)
	require.NoError(t, err)
	reader, err := m.ReadLock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.CommitPrepare(ctx, held), context.DeadlineExceeded)

	stat, ok := m.Stat(key)
	require.True(t, ok)
	require.Equal(t, Stat{Readers: 1, State: Locked}, stat)

	// Readers are admitted again.
	other, err := m.ReadLock(context.Background(), key)
	require.NoError(t, err)

	other.Release()
	reader.Release()
	m.Unlock(held, Locked)
	require.Zero(t, m.Len())
}

func TestReleaseWithoutLockPanics(t *testing.T) {
	m := NewManager()

	require.Panics(t, func() { m.Unlock([]Key{ObjectKey(0, 1)}, Read) })
	require.Panics(t, func() { m.Unlock([]Key{ObjectKey(0, 1)}, Locked) })
	require.Panics(t, func() { m.Downgrade([]Key{ObjectKey(0, 1)}) })
}

func TestKeyString(t *testing.T) {
	require.Equal(t, "attribute:1/2/3", AttributeKey(1, 2, 3).String())
	require.Equal(t, "object:1/2", ObjectKey(1, 2).String())
	require.Equal(t, "root-volume", RootVolumeKey().String())
	require.Equal(t, "filesystem", FilesystemKey().String())
}
