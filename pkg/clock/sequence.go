package clock

import "sync/atomic"

// Sequence hands out strictly increasing numbers. It is safe for concurrent
// use.
type Sequence struct {
	n atomic.Uint64
}

// NewSequence returns a sequence whose next number is start+1.
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.n.Store(start)
	return s
}

// Val is the last number handed out.
func (s *Sequence) Val() uint64 {
	return s.n.Load()
}

func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// Observe moves the sequence forward to at least n.
func (s *Sequence) Observe(n uint64) {
	for {
		cur := s.n.Load()
		if cur >= n || s.n.CompareAndSwap(cur, n) {
			return
		}
	}
}
