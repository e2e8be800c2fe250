// Package promise provides a resettable single-slot result cell.
package promise

import (
    "context"
    "errors"
    "sync"
    "time"
)

var ErrTimeout = errors.New("promise: timed out")

type cell[T any] struct {
    done chan struct{}
    val  T
    set  bool
}

// Promise holds at most one value per generation. The first Set of a
// generation wins; Reset starts a new generation without disturbing waiters
// of the old one.
type Promise[T any] struct {
    mu  sync.Mutex
    cur *cell[T]
}

func New[T any]() *Promise[T] {
    return &Promise[T]{cur: &cell[T]{done: make(chan struct{})}}
}

// Set fulfills the current generation. It reports false if it was already set.
func (p *Promise[T]) Set(v T) bool {
    p.mu.Lock()
    defer p.mu.Unlock()
    c := p.cur
    if c.set { return false }
    c.val, c.set = v, true
    close(c.done)
    return true
}

func (p *Promise[T]) Reset() {
    p.mu.Lock()
    p.cur = &cell[T]{done: make(chan struct{})}
    p.mu.Unlock()
}

func (p *Promise[T]) IsSet() bool {
    p.mu.Lock()
    defer p.mu.Unlock()
    return p.cur.set
}

// Wait blocks until the current generation is set, the timeout elapses
// (ErrTimeout) or ctx is done. A timeout <= 0 waits on ctx alone.
func (p *Promise[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
    p.mu.Lock()
    c := p.cur
    p.mu.Unlock()

    var expire <-chan time.Time
    if timeout > 0 {
        t := time.NewTimer(timeout)
        defer t.Stop()
        expire = t.C
    }
    var zero T
    select {
    case <-c.done:
        return c.val, nil
    case <-expire:
        return zero, ErrTimeout
    case <-ctx.Done():
        return zero, ctx.Err()
    }
}
