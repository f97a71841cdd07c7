package wal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"lsmkit/pkg/compression"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openJournal(t *testing.T, dir string, codec compression.Codec) *Journal {
	t.Helper()

	j, err := New(Options{Dir: dir, Codec: codec, QueueSize: 4})
	require.NoError(t, err)
	j.Start(context.Background())
	t.Cleanup(func() {
		j.Stop()
		require.NoError(t, j.Close())
	})
	return j
}

func entries(t *testing.T, j *Journal, start uint64) []Entry {
	t.Helper()

	var out []Entry
	require.NoError(t, j.Scan(start, func(e Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestJournalAppendAndScan(t *testing.T) {
	for _, codec := range []compression.Codec{compression.None, compression.Zstd} {
		t.Run(codec.String(), func(t *testing.T) {
			ctx := context.Background()
			j := openJournal(t, t.TempDir(), codec)

			want := []Entry{
				{
					SeqNum: 1,
					TxnID:  uuid.New(),
					Records: []Record{
						{ObjectID: 7, Kind: 1, Payload: []byte("first")},
						{ObjectID: 0, Kind: 7, Payload: []byte{}},
					},
				},
				{
					SeqNum:  2,
					TxnID:   uuid.New(),
					Records: []Record{{ObjectID: 9, Kind: 3, Payload: []byte("second")}},
				},
			}
			for _, e := range want {
				require.NoError(t, j.Append(ctx, e))
			}

			require.Equal(t, uint64(2), j.Written())
			require.Equal(t, want, entries(t, j, 0))
			require.Equal(t, want[1:], entries(t, j, 2))
		})
	}
}

func TestJournalReopenAppends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := New(Options{Dir: dir})
	require.NoError(t, err)
	first.Start(ctx)
	require.NoError(t, first.Append(ctx, Entry{SeqNum: 1, TxnID: uuid.New(), Records: []Record{}}))
	first.Stop()
	require.NoError(t, first.Close())

	second := openJournal(t, dir, compression.Zstd)
	require.NoError(t, second.Append(ctx, Entry{SeqNum: 2, TxnID: uuid.New(), Records: []Record{}}))

	got := entries(t, second, 0)
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].SeqNum)
	require.Equal(t, uint64(2), got[1].SeqNum)
}

func TestJournalAppendAfterStop(t *testing.T) {
	j, err := New(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	j.Start(context.Background())
	j.Stop()
	defer j.Close()

	err = j.Append(context.Background(), Entry{SeqNum: 1})
	require.ErrorIs(t, err, ErrClosed)
}

func TestJournalTruncatedFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	j := openJournal(t, dir, compression.None)
	require.NoError(t, j.Append(ctx, Entry{SeqNum: 1, TxnID: uuid.New(), Records: []Record{{ObjectID: 1, Payload: []byte("abc")}}}))

	path := filepath.Join(dir, fileName)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	err = j.Scan(0, func(Entry) error { return nil })
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestNewRequiresDir(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
