package lease

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	logx "pacer/pkg/logx"
)

// Spec describes how a shared task is claimed and released.
type Spec struct {
	Interval time.Duration
	Lease    time.Duration
	// RetryMin/RetryMax bound the jittered delay used by Reschedule after
	// a failed run.
	RetryMin time.Duration
	RetryMax time.Duration
}

// Guard pairs every claim with exactly one Complete or Reschedule.
type Guard struct {
	c *Coordinator

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewGuard(c *Coordinator, seed int64) *Guard {
	return &Guard{c: c, rnd: rand.New(rand.NewSource(seed))}
}

// Run claims task and runs fn under a context bounded by the lease. It
// reports whether fn ran. A panic in fn reschedules the task and is then
// re-raised.
func (g *Guard) Run(ctx context.Context, task string, spec Spec, fn func(ctx context.Context) error) (ran bool, err error) {
	ok, err := g.c.Claim(ctx, task, spec.Interval, spec.Lease)
	if err != nil || !ok {
		return false, err
	}

	rctx, cancel := context.WithTimeout(ctx, spec.Lease)
	defer cancel()

	finished := false
	defer func() {
		if finished {
			return
		}
		if r := recover(); r != nil {
			_ = g.c.Reschedule(context.WithoutCancel(ctx), task, g.retryDelay(spec))
			panic(r)
		}
	}()

	runErr := fn(rctx)
	finished = true

	// Release even when ctx was cancelled by shutdown.
	fctx := context.WithoutCancel(ctx)
	if runErr != nil {
		delay := g.retryDelay(spec)
		g.c.log.Warn("shared task failed; rescheduled",
			logx.String("task", task), logx.Duration("retry_in", delay), logx.Err(runErr))
		if err := g.c.Reschedule(fctx, task, delay); err != nil {
			return true, fmt.Errorf("%w (reschedule: %v)", runErr, err)
		}
		return true, runErr
	}
	return true, g.c.Complete(fctx, task, spec.Interval)
}

func (g *Guard) retryDelay(spec Spec) time.Duration {
	lo, hi := spec.RetryMin, spec.RetryMax
	if lo <= 0 {
		lo = time.Minute
	}
	if hi <= lo {
		return lo
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return lo + time.Duration(g.rnd.Int63n(int64(hi-lo)))
}

func (g *Guard) Coordinator() *Coordinator { return g.c }
