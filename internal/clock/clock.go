// Package clock supplies wall-clock time and the domain clock: the time
// reported by the automated system itself. Cooldowns are always compared
// against the domain clock; when it cannot be read, wall-clock time is used.
package clock

import (
	"context"
	"sync"
	"time"

	logx "pacer/pkg/logx"
)

// Clock is the time source used by the rest of the module.
type Clock interface {
	// Now returns wall-clock time.
	Now() time.Time
	// Domain returns the domain clock, falling back to Now().
	Domain(ctx context.Context) time.Time
}

// DomainSource reads the remote system's notion of "now".
type DomainSource interface {
	Now(ctx context.Context) (time.Time, error)
}

// DomainSourceFunc adapts a function to DomainSource.
type DomainSourceFunc func(ctx context.Context) (time.Time, error)

func (f DomainSourceFunc) Now(ctx context.Context) (time.Time, error) { return f(ctx) }

// Wall is a Clock without a domain source.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now() }

func (Wall) Domain(_ context.Context) time.Time { return time.Now() }

// Source combines wall time with a domain source.
//
// The remote read is not repeated on every call: the measured offset
// between domain and wall time is cached for RefreshEvery and applied to
// the local clock in between. A failed read keeps the previous offset while
// it is younger than MaxOffsetAge, then falls back to zero offset.
type Source struct {
	src          DomainSource
	timeout      time.Duration
	refreshEvery time.Duration
	maxOffsetAge time.Duration
	now          func() time.Time
	log          logx.Logger

	mu        sync.Mutex
	offset    time.Duration
	measured  time.Time
	lastTry   time.Time
	hasOffset bool
}

type Option func(*Source)

func WithTimeout(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithRefreshEvery(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.refreshEvery = d
		}
	}
}

func WithMaxOffsetAge(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.maxOffsetAge = d
		}
	}
}

// WithNow overrides the wall clock (tests).
func WithNow(fn func() time.Time) Option {
	return func(s *Source) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(s *Source) { s.log = log } }

func New(src DomainSource, opts ...Option) *Source {
	s := &Source{
		src:          src,
		timeout:      3 * time.Second,
		refreshEvery: time.Minute,
		maxOffsetAge: 15 * time.Minute,
		now:          time.Now,
		log:          logx.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Source) Now() time.Time { return s.now() }

func (s *Source) Domain(ctx context.Context) time.Time {
	wall := s.now()
	if s.src == nil {
		return wall
	}

	s.mu.Lock()
	fresh := s.hasOffset && wall.Sub(s.measured) < s.refreshEvery
	recentTry := !s.lastTry.IsZero() && wall.Sub(s.lastTry) < s.refreshEvery
	off, has, measured := s.offset, s.hasOffset, s.measured
	s.mu.Unlock()

	if fresh || recentTry {
		return wall.Add(s.usableOffset(wall, off, has, measured))
	}

	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	remote, err := s.src.Now(cctx)
	cancel()

	s.mu.Lock()
	s.lastTry = wall
	if err == nil && !remote.IsZero() {
		s.offset = remote.Sub(wall)
		s.measured = wall
		s.hasOffset = true
		s.mu.Unlock()
		return remote
	}
	off, has, measured = s.offset, s.hasOffset, s.measured
	s.mu.Unlock()

	s.log.Debug("domain clock unavailable; using fallback", logx.Err(err), logx.Bool("cached_offset", has))
	return wall.Add(s.usableOffset(wall, off, has, measured))
}

func (s *Source) usableOffset(wall time.Time, off time.Duration, has bool, measured time.Time) time.Duration {
	if !has || wall.Sub(measured) > s.maxOffsetAge {
		return 0
	}
	return off
}
