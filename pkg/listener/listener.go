package listener

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener feeds every value received on a channel to a handler, one at a
// time, on its own goroutine. Values already queued when the listener stops
// are still handled.
type Listener[T any] struct {
	name    string
	in      <-chan T
	handle  func(T) error
	onStop  func()
	handled atomic.Uint64

	started  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func New[T any](
	name string,
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	onStop := func() {}
	if len(stopHandler) > 0 {
		onStop = stopHandler[0]
	}

	return &Listener[T]{
		name:   name,
		in:     in,
		handle: handler,
		onStop: onStop,
		cancel: func() {},
		done:   make(chan struct{}),
	}
}

// Start launches the listener goroutine. It runs until ctx is done or Stop is
// called.
func (l *Listener[T]) Start(ctx context.Context) {
	if l.started.Swap(true) {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)

	go func() {
		defer close(l.done)

		for {
			select {
			case v := <-l.in:
				l.dispatch(v)
			case <-ctx.Done():
				l.drain()
				return
			}
		}
	}()
}

func (l *Listener[T]) drain() {
	for {
		select {
		case v := <-l.in:
			l.dispatch(v)
		default:
			return
		}
	}
}

// dispatch runs the handler. Errors are only logged: the handler is expected
// to report them to whoever queued the value.
func (l *Listener[T]) dispatch(v T) {
	if err := l.handle(v); err != nil {
		slog.Error("listener handler failed", "listener", l.name, "error", err)
	}
	l.handled.Add(1)
}

// Handled is the number of values passed to the handler so far.
func (l *Listener[T]) Handled() uint64 {
	return l.handled.Load()
}

// Stop waits for the goroutine to drain and exit, then calls the stop
// handler. Calling it again is a no-op.
func (l *Listener[T]) Stop() {
	l.stopOnce.Do(func() {
		if l.started.Load() {
			l.cancel()
			<-l.done
		}
		l.onStop()
	})
}
