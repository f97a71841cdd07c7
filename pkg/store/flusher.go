package store

import (
	"context"
	"fmt"
	"log/slog"

	"lsmkit/pkg/listener"
	"lsmkit/pkg/txn"
)

// Flusher seals trees in the background once their mutable layer grows past
// the seal threshold. Requests are dropped while the queue is full; the next
// commit asks again.
type Flusher struct {
	*listener.Listener[txn.TreeID]

	in     chan txn.TreeID
	sealFn func(context.Context, txn.TreeID) error
}

func NewFlusher(queue int, sealFn func(context.Context, txn.TreeID) error) *Flusher {
	f := &Flusher{
		in:     make(chan txn.TreeID, queue),
		sealFn: sealFn,
	}
	f.Listener = listener.New("flusher", f.in, f.flush)
	return f
}

// Request asks for tree to be sealed without waiting for it.
func (f *Flusher) Request(tree txn.TreeID) {
	select {
	case f.in <- tree:
	default:
	}
}

func (f *Flusher) flush(tree txn.TreeID) error {
	if err := f.sealFn(context.Background(), tree); err != nil {
		return fmt.Errorf("failed to seal %s: %w", tree, err)
	}
	slog.Debug("background seal done", "tree", tree.String())
	return nil
}
