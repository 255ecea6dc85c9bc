package arbiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type session struct{ name string }

func TestDoIsExclusive(t *testing.T) {
	a := New(&session{name: "s"})
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Do(context.Background(), "w", func(ctx context.Context, s *session) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, uint64(10), a.Grants())
}

func TestDoReleasesOnErrorAndPanic(t *testing.T) {
	a := New(&session{})
	boom := errors.New("boom")
	err := a.Do(context.Background(), "x", func(context.Context, *session) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = a.Do(context.Background(), "x", func(context.Context, *session) error { panic("bad") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	l, ok := a.TryAcquire("y")
	require.True(t, ok)
	l.Release()
	l.Release()
	_, ok = a.TryAcquire("z")
	assert.True(t, ok)
}

func TestAcquireHonoursContext(t *testing.T) {
	a := New(&session{})
	l, err := a.Acquire(context.Background(), "scheduler")
	require.NoError(t, err)
	owner, _ := a.Holder()
	assert.Equal(t, "scheduler", owner)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Acquire(ctx, "worker")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l.Release()
	owner, _ = a.Holder()
	assert.Empty(t, owner)
}

func TestClose(t *testing.T) {
	a := New(&session{})
	a.Close()
	_, err := a.Acquire(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, ok := a.TryAcquire("x")
	assert.False(t, ok)
}
