// Package lease coordinates shared periodic tasks between cooperating
// processes through conditional writes on the shared store.
//
// Every successful Claim must end in Complete or Reschedule. A holder that
// crashes simply lets its lease expire; the task becomes claimable again at
// LeaseUntil.
package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"pacer/internal/storage"
	logx "pacer/pkg/logx"
)

var ErrNoTask = errors.New("lease: task name is required")

// NewHolderID returns a process-unique holder id of the form
// "<host>:<pid>:<uuid>".
func NewHolderID() string {
	host, _ := os.Hostname()
	host = strings.TrimSpace(host)
	if host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

type Coordinator struct {
	store     storage.LeaseStore
	holder    string
	now       func() time.Time
	opTimeout time.Duration
	log       logx.Logger
}

type Option func(*Coordinator)

func WithHolder(id string) Option {
	return func(c *Coordinator) {
		if id = strings.TrimSpace(id); id != "" {
			c.holder = id
		}
	}
}

func WithNow(fn func() time.Time) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithOpTimeout bounds every store call.
func WithOpTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.opTimeout = d
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(c *Coordinator) { c.log = log } }

func New(store storage.LeaseStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		now:       time.Now,
		opTimeout: 5 * time.Second,
		log:       logx.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.holder == "" {
		c.holder = NewHolderID()
	}
	c.log = c.log.With(logx.String("comp", "lease"))
	return c
}

func (c *Coordinator) Holder() string { return c.holder }

// Claim atomically takes the task when it is due and unleased. A false
// result with a nil error means another holder is active or the task is
// not due yet. Any error also means the claim did not happen.
func (c *Coordinator) Claim(ctx context.Context, task string, interval, leaseDuration time.Duration) (bool, error) {
	if task = strings.TrimSpace(task); task == "" {
		return false, ErrNoTask
	}
	if leaseDuration <= 0 {
		return false, fmt.Errorf("lease: invalid lease duration %s", leaseDuration)
	}
	now := c.now()
	cctx, cancel := c.opCtx(ctx)
	defer cancel()

	ok, err := c.store.ClaimLease(cctx, storage.ClaimRequest{
		Task:            task,
		Holder:          c.holder,
		Now:             now,
		LeaseUntil:      now.Add(leaseDuration),
		IntervalSeconds: int64(interval / time.Second),
	})
	if err != nil {
		c.log.Warn("claim failed", logx.String("task", task), logx.Err(err))
		return false, fmt.Errorf("claim %s: %w", task, err)
	}
	if ok {
		c.log.Debug("claimed", logx.String("task", task), logx.Duration("lease", leaseDuration))
	}
	return ok, nil
}

// Complete ends a successful run: the next run is due after interval.
func (c *Coordinator) Complete(ctx context.Context, task string, interval time.Duration) error {
	return c.finish(ctx, task, interval, true)
}

// Reschedule abandons the lease after a soft failure. LastRun is kept, so
// the task is retried after delay instead of the full interval.
func (c *Coordinator) Reschedule(ctx context.Context, task string, delay time.Duration) error {
	return c.finish(ctx, task, delay, false)
}

func (c *Coordinator) finish(ctx context.Context, task string, after time.Duration, completed bool) error {
	if task = strings.TrimSpace(task); task == "" {
		return ErrNoTask
	}
	if after < 0 {
		after = 0
	}
	now := c.now()
	cctx, cancel := c.opCtx(ctx)
	defer cancel()

	ok, err := c.store.FinishLease(cctx, storage.FinishRequest{
		Task:         task,
		Holder:       c.holder,
		Now:          now,
		NextEligible: now.Add(after),
		Completed:    completed,
	})
	if err != nil {
		return fmt.Errorf("finish %s: %w", task, err)
	}
	if !ok {
		// Our lease expired and someone else holds the task now.
		c.log.Info("lease taken over before finish", logx.String("task", task), logx.Bool("completed", completed))
	}
	return nil
}

// Inspect returns the stored record for task.
func (c *Coordinator) Inspect(ctx context.Context, task string) (storage.LeaseRecord, bool, error) {
	cctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.store.GetLease(cctx, task)
}

func (c *Coordinator) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.opTimeout)
}
