// Package arbiter guards the single interactive session shared by the
// scheduling loop and the remote command worker.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("arbiter closed")

// Arbiter grants exclusive, scoped access to a session handle of type S.
// Acquisition honours context cancellation; it is never held across a sleep
// by well-behaved callers.
type Arbiter[S any] struct {
	session S
	sem     chan struct{}
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	owner  string
	since  time.Time
	grants atomic.Uint64
}

func New[S any](session S) *Arbiter[S] {
	return &Arbiter[S]{
		session: session,
		sem:     make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Lease is one granted acquisition. Release is idempotent.
type Lease[S any] struct {
	a        *Arbiter[S]
	released atomic.Bool
}

func (l *Lease[S]) Session() S { return l.a.session }

func (l *Lease[S]) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	l.a.mu.Lock()
	l.a.owner = ""
	l.a.since = time.Time{}
	l.a.mu.Unlock()
	<-l.a.sem
}

// Acquire blocks until the session is free, ctx is done, or the arbiter is
// closed.
func (a *Arbiter[S]) Acquire(ctx context.Context, owner string) (*Lease[S], error) {
	select {
	case <-a.done:
		return nil, ErrClosed
	default:
	}
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, ErrClosed
	}
	a.mu.Lock()
	a.owner = owner
	a.since = time.Now()
	a.mu.Unlock()
	a.grants.Add(1)
	return &Lease[S]{a: a}, nil
}

// TryAcquire returns false immediately when the session is busy.
func (a *Arbiter[S]) TryAcquire(owner string) (*Lease[S], bool) {
	select {
	case <-a.done:
		return nil, false
	default:
	}
	select {
	case a.sem <- struct{}{}:
	default:
		return nil, false
	}
	a.mu.Lock()
	a.owner = owner
	a.since = time.Now()
	a.mu.Unlock()
	a.grants.Add(1)
	return &Lease[S]{a: a}, true
}

// Do runs fn while holding the session. The session is released on every
// exit path, including a panic in fn, which is returned as an error.
func (a *Arbiter[S]) Do(ctx context.Context, owner string, fn func(ctx context.Context, session S) error) (err error) {
	l, err := a.Acquire(ctx, owner)
	if err != nil {
		return err
	}
	defer l.Release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", owner, r)
		}
	}()
	return fn(ctx, l.Session())
}

// Holder reports the current owner and since when it holds the session.
func (a *Arbiter[S]) Holder() (string, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner, a.since
}

func (a *Arbiter[S]) Grants() uint64 { return a.grants.Load() }

// Close rejects further acquisitions. Current holders keep their lease.
func (a *Arbiter[S]) Close() {
	a.once.Do(func() { close(a.done) })
}
