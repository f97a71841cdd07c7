package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequenceIsUniqueUnderContention(t *testing.T) {
	s := NewSequence(10)

	const workers, each = 8, 100
	seen := make(chan uint64, workers*each)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				seen <- s.Next()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]struct{})
	for n := range seen {
		require.Greater(t, n, uint64(10))
		unique[n] = struct{}{}
	}
	require.Len(t, unique, workers*each)
	require.Equal(t, uint64(10+workers*each), s.Val())
}

func TestSequenceObserveNeverGoesBack(t *testing.T) {
	s := NewSequence(0)

	s.Observe(42)
	require.Equal(t, uint64(42), s.Val())

	s.Observe(7)
	require.Equal(t, uint64(42), s.Val())
	require.Equal(t, uint64(43), s.Next())
}
