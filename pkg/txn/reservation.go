package txn

import (
	"fmt"
	"sync"
)

// Reservation is space set aside for transactions to allocate from. Unused
// space goes back to its owner on Release.
type Reservation struct {
	mu      sync.Mutex
	amount  int64
	release func(int64)
}

// NewReservation creates a reservation of amount bytes. release receives the
// unused amount once.
func NewReservation(amount int64, release func(int64)) *Reservation {
	return &Reservation{amount: amount, release: release}
}

func (r *Reservation) Amount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.amount
}

// Take consumes n bytes.
func (r *Reservation) Take(n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > r.amount {
		return fmt.Errorf("need %d bytes, have %d: %w", n, r.amount, ErrNoSpace)
	}
	r.amount -= n
	return nil
}

// Add returns n bytes to the reservation.
func (r *Reservation) Add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.amount += n
}

func (r *Reservation) Release() {
	r.mu.Lock()
	amount, release := r.amount, r.release
	r.amount, r.release = 0, nil
	r.mu.Unlock()

	if release != nil {
		release(amount)
	}
}
