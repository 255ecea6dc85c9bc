// Package queue is the remote command queue: a bounded FIFO fed by
// transports and drained by a single consumer, so at most one command is
// in flight at a time.
package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pacer/internal/arbiter"
	"pacer/internal/eventbus"
	logx "pacer/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type registration[S any] struct {
	h            Handler[S]
	needsSession bool
}

type Service[S any] struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	arb *arbiter.Arbiter[S]

	audit        Auditor
	housekeeping func(ctx context.Context)

	q       chan Job
	stopped atomic.Bool

	hmu      sync.RWMutex
	handlers map[string]registration[S]

	histMu  sync.Mutex
	history []HistoryItem

	processed           atomic.Uint64
	dropped             atomic.Uint64
	lastQueueFullWarnAt atomic.Int64
}

type Option[S any] func(*Service[S])

func WithAuditor[S any](a Auditor) Option[S] { return func(s *Service[S]) { s.audit = a } }

func WithBus[S any](b eventbus.Bus) Option[S] { return func(s *Service[S]) { s.bus = b } }

func WithLogger[S any](log logx.Logger) Option[S] { return func(s *Service[S]) { s.log = log } }

// WithHousekeeping runs fn on every idle poll tick of the worker.
func WithHousekeeping[S any](fn func(ctx context.Context)) Option[S] {
	return func(s *Service[S]) { s.housekeeping = fn }
}

func New[S any](cfg Config, arb *arbiter.Arbiter[S], opts ...Option[S]) *Service[S] {
	if cfg.Size <= 0 {
		cfg.Size = 64
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	s := &Service[S]{
		cfg:      cfg,
		arb:      arb,
		log:      logx.Nop(),
		q:        make(chan Job, cfg.Size),
		handlers: map[string]registration[S]{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "queue"))
	return s
}

// Register binds an action name to a handler. needsSession is the default
// for jobs of this action.
func (s *Service[S]) Register(action string, needsSession bool, h Handler[S]) error {
	key := normalize(action)
	if key == "" || h == nil {
		return fmt.Errorf("action and handler are required")
	}
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if _, dup := s.handlers[key]; dup {
		return fmt.Errorf("action %q already registered", action)
	}
	s.handlers[key] = registration[S]{h: h, needsSession: needsSession}
	return nil
}

func (s *Service[S]) lookup(action string) (registration[S], bool) {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	r, ok := s.handlers[normalize(action)]
	return r, ok
}

// Actions lists registered action names.
func (s *Service[S]) Actions() []string {
	s.hmu.RLock()
	out := make([]string, 0, len(s.handlers))
	for k := range s.handlers {
		out = append(out, k)
	}
	s.hmu.RUnlock()
	sort.Strings(out)
	return out
}

// Enqueue adds a job without blocking. It returns the job id.
func (s *Service[S]) Enqueue(job Job) (string, error) {
	if s.stopped.Load() {
		return "", ErrStopped
	}
	job.Action = normalize(job.Action)
	reg, ok := s.lookup(job.Action)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAction, job.Action)
	}
	if reg.needsSession {
		job.NeedsSession = true
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	select {
	case s.q <- job:
		return job.ID, nil
	default:
		s.dropped.Add(1)
		if s.shouldWarn(&s.lastQueueFullWarnAt, job.EnqueuedAt) {
			s.log.Warn("job dropped: queue full",
				logx.String("action", job.Action), logx.String("id", job.ID),
				logx.Int("queue_cap", cap(s.q)), logx.Uint64("dropped", s.dropped.Load()))
		}
		return "", ErrQueueFull
	}
}

// Len is the number of queued jobs.
func (s *Service[S]) Len() int { return len(s.q) }

// Stop rejects further jobs. Queued jobs are discarded when Run returns.
func (s *Service[S]) Stop() { s.stopped.Store(true) }

func (s *Service[S]) Snapshot() Snapshot {
	s.histMu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.histMu.Unlock()
	return Snapshot{
		QueueLen:  len(s.q),
		QueueCap:  cap(s.q),
		Processed: s.processed.Load(),
		Dropped:   s.dropped.Load(),
		Actions:   s.Actions(),
		History:   h,
	}
}

func (s *Service[S]) appendHistory(item HistoryItem) {
	s.histMu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.histMu.Unlock()
}

func (s *Service[S]) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func normalize(action string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(action), "/"))
}
