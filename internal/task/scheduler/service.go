package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pacer/internal/actions"
	"pacer/internal/arbiter"
	"pacer/internal/eventbus"
	"pacer/internal/lease"
	logx "pacer/pkg/logx"
)

const sessionOwner = "scheduler"

var errNotPerformed = errors.New("action not performed")

// ErrNotClaimed is returned by RunNow when another process holds a shared
// feature or already ran it for the current interval.
var ErrNotClaimed = errors.New("shared feature not claimed")

// Service is the main loop. S is the session handle type guarded by the
// arbiter.
type Service[S any] struct {
	src   Source
	execs Executors[S]
	arb   *arbiter.Arbiter[S]
	state *State

	supplier  TimerSupplier
	guard     *lease.Guard
	bus       eventbus.Bus
	heartbeat Heartbeat
	log       logx.Logger
	now       func() time.Time
	rnd       *rand.Rand

	wake chan struct{}
	warn warnLimiter

	calMu sync.Mutex
	cal   map[string]calEntry

	mu     sync.Mutex
	status Status
	cycles uint64
}

type calEntry struct {
	spec  string
	tz    string
	sched cron.Schedule
	next  time.Time
}

type Option[S any] func(*Service[S])

func WithSupplier[S any](sup TimerSupplier) Option[S] {
	return func(s *Service[S]) { s.supplier = sup }
}

// WithGuard enables shared features.
func WithGuard[S any](g *lease.Guard) Option[S] {
	return func(s *Service[S]) { s.guard = g }
}

func WithBus[S any](b eventbus.Bus) Option[S] {
	return func(s *Service[S]) { s.bus = b }
}

func WithHeartbeat[S any](h Heartbeat) Option[S] {
	return func(s *Service[S]) { s.heartbeat = h }
}

func WithLogger[S any](log logx.Logger) Option[S] {
	return func(s *Service[S]) { s.log = log }
}

func WithNow[S any](fn func() time.Time) Option[S] {
	return func(s *Service[S]) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithRand[S any](r *rand.Rand) Option[S] {
	return func(s *Service[S]) {
		if r != nil {
			s.rnd = r
		}
	}
}

// WithState shares a State created elsewhere (remote commands).
func WithState[S any](st *State) Option[S] {
	return func(s *Service[S]) {
		if st != nil {
			s.state = st
		}
	}
}

func New[S any](src Source, execs Executors[S], arb *arbiter.Arbiter[S], opts ...Option[S]) *Service[S] {
	s := &Service[S]{
		src:   src,
		execs: execs,
		arb:   arb,
		log:   logx.Nop(),
		now:   time.Now,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		wake:  make(chan struct{}, 1),
		cal:   map[string]calEntry{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.state == nil {
		s.state = NewState(s.now)
	}
	// RunNow draws jitter from the command worker.
	s.rnd = rand.New(&lockedSource{src: s.rnd})
	s.log = s.log.With(logx.String("comp", "scheduler"))
	return s
}

func (s *Service[S]) State() *State { return s.state }

// Wake makes the loop re-evaluate without waiting for the current sleep.
func (s *Service[S]) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns the status of the last cycle.
func (s *Service[S]) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Active = append([]TimerEntry(nil), st.Active...)
	st.Ran = append([]string(nil), st.Ran...)
	st.Failed = append([]string(nil), st.Failed...)
	return st
}

// Run loops until ctx is done.
func (s *Service[S]) Run(ctx context.Context) error {
	s.log.Info("scheduler started")
	for {
		sleep := s.RunCycle(ctx)
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Info("scheduler stopped")
			return nil
		case <-s.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// RunCycle performs one collect/filter/decide/execute pass and returns the
// sleep before the next one.
func (s *Service[S]) RunCycle(ctx context.Context) time.Duration {
	cyc := s.src.Cycle()
	cfg := withDefaults(cyc.Config)
	policy := Policy{ActionPause: cfg.ActionPause, MinPoll: cfg.MinPoll, MaxPoll: cfg.MaxPoll, Rand: s.rnd}

	if s.heartbeat != nil {
		s.heartbeat(ctx)
	}
	if !cfg.Enabled {
		sleep := policy.Idle()
		s.record(Status{Enabled: false, Sleep: sleep})
		return sleep
	}

	now := s.now()
	ext, err := fetchExternal(ctx, s.supplier, cfg.SupplierTimeout)
	if err != nil && s.warn.allow("supplier", now) {
		s.log.Warn("timer supplier failed; using local timers", logx.Err(err))
	}

	features := s.validFeatures(cyc.Features, now)
	set := BuildFeatureSet(features, cyc.Context)
	groups := plan(features, set, func(f Feature) float64 {
		return s.effective(f, ext, cfg, policy, now)
	})
	active := activeEntries(groups)

	res := s.execute(ctx, groups, cfg, policy)
	sleep := policy.ComputeSleep(active, res.performed)

	s.record(Status{
		Enabled:   true,
		At:        now,
		Sleep:     sleep,
		Performed: res.performed,
		Active:    active,
		External:  ext,
		Local:     s.state.Timers(),
		Ran:       res.ran,
		Failed:    res.failed,
		LastError: res.lastErr,
	})
	s.log.Trace("cycle done",
		logx.Int("active", len(active)), logx.Bool("performed", res.performed), logx.Duration("sleep", sleep))
	return sleep
}

func (s *Service[S]) record(st Status) {
	s.mu.Lock()
	s.cycles++
	st.Cycle = s.cycles
	s.status = st
	s.mu.Unlock()
}

func (s *Service[S]) validFeatures(in []Feature, now time.Time) []Feature {
	out := make([]Feature, 0, len(in))
	for _, f := range in {
		if err := f.Validate(); err != nil {
			if s.warn.allow("feature:"+key(f.Name), now) {
				s.log.Warn("feature skipped", logx.String("feature", f.Name), logx.Err(err))
			}
			continue
		}
		out = append(out, f)
	}
	return out
}

// effective is the feature's remaining time: the soonest of its own
// sources, then delayed by its gate and any back-off hold.
func (s *Service[S]) effective(f Feature, ext TimerSnapshot, cfg Config, policy Policy, now time.Time) float64 {
	if s.state.Disarmed(f.Name) {
		return Never
	}
	own := Never
	extV, hasExt := ext.lookup(f.timerName())
	if hasExt {
		own = extV
	}
	local, hasLocal := s.state.Remaining(f.Name)
	if hasLocal {
		own = math.Min(own, remainingSeconds(local))
	}
	if f.Schedule != "" {
		if r, ok := s.calendarRemaining(f, cfg.Timezone, now); ok {
			own = math.Min(own, r)
		}
	} else if f.Interval > 0 && !hasLocal && !hasExt {
		first := policy.Jitter(0, min(f.Interval, maxStartupSpread))
		s.state.SetTimer(f.Name, first)
		own = remainingSeconds(first)
	}

	if f.Gate != "" {
		own = math.Max(own, s.gateRemaining(f.Gate, ext))
	}
	if h := s.state.HoldRemaining(f.Name); h > 0 {
		own = math.Max(own, remainingSeconds(h))
	}
	return own
}

// gateRemaining reads the gate from the external snapshot, then from local
// timers. An unknown gate is open.
func (s *Service[S]) gateRemaining(gate string, ext TimerSnapshot) float64 {
	if v, ok := ext.lookup(gate); ok {
		return v
	}
	if d, ok := s.state.Remaining(gate); ok {
		return remainingSeconds(d)
	}
	if s.state.Disarmed(gate) {
		return Never
	}
	return 0
}

func (s *Service[S]) calendarRemaining(f Feature, tz string, now time.Time) (float64, bool) {
	s.calMu.Lock()
	defer s.calMu.Unlock()
	k := key(f.Name)
	e, ok := s.cal[k]
	if !ok || e.spec != f.Schedule || e.tz != tz {
		ps, err := ParseSchedule(f.Schedule)
		if err != nil {
			return 0, false
		}
		var sched cron.Schedule
		if ps.Kind == SpecInterval {
			sched = withStartupSpread(ps.Every, now, k)
		} else if sched, err = ps.schedule(tz); err != nil {
			if s.warn.allow("cron:"+k, now) {
				s.log.Warn("schedule not usable", logx.String("feature", f.Name), logx.Err(err))
			}
			return 0, false
		}
		e = calEntry{spec: f.Schedule, tz: tz, sched: sched, next: sched.Next(now)}
		s.cal[k] = e
	}
	return remainingSeconds(e.next.Sub(now)), true
}

func (s *Service[S]) consumeCalendar(f Feature, now time.Time) {
	s.calMu.Lock()
	defer s.calMu.Unlock()
	k := key(f.Name)
	if e, ok := s.cal[k]; ok {
		e.next = e.sched.Next(now)
		s.cal[k] = e
	}
}

type execResult struct {
	performed bool
	ran       []string
	failed    []string
	lastErr   string
}

// execute runs ready features under the session. Within a group the
// primary goes first and the next member only runs when it did not
// perform.
func (s *Service[S]) execute(ctx context.Context, groups []groupPlan, cfg Config, policy Policy) execResult {
	var res execResult
	var ready []groupPlan
	for _, g := range groups {
		if g.remaining() <= 0 {
			ready = append(ready, g)
		}
	}
	if len(ready) == 0 {
		return res
	}

	l, err := s.arb.Acquire(ctx, sessionOwner)
	if err != nil {
		return res
	}
	defer l.Release()

	budget := cfg.MaxActionsPerCycle
	for _, g := range ready {
		for _, m := range g.members {
			if m.remaining > 0 {
				continue
			}
			if budget <= 0 || ctx.Err() != nil {
				return res
			}
			budget--
			res.ran = append(res.ran, m.Name)
			performed, err := s.runFeature(ctx, m.Feature, l.Session(), cfg, policy)
			if err != nil && !errors.Is(err, ErrNotClaimed) {
				res.failed = append(res.failed, m.Name)
				res.lastErr = err.Error()
			}
			if performed {
				res.performed = true
				break
			}
		}
	}
	return res
}

// RunNow runs name once with a session the caller already holds. It takes
// the same path as a cycle: shared features go through the lease, and
// timers, holds and events are updated. A name missing from the feature
// list runs as a plain unshared feature.
func (s *Service[S]) RunNow(ctx context.Context, name string, session S) (bool, error) {
	cyc := s.src.Cycle()
	cfg := withDefaults(cyc.Config)
	policy := Policy{ActionPause: cfg.ActionPause, MinPoll: cfg.MinPoll, MaxPoll: cfg.MaxPoll, Rand: s.rnd}

	f := Feature{Name: name, Enabled: true}
	for _, c := range s.validFeatures(cyc.Features, s.now()) {
		if key(c.Name) == key(name) {
			f = c
			break
		}
	}
	if _, ok := s.execs.Get(f.Name); !ok {
		return false, fmt.Errorf("no executor for %s", f.Name)
	}
	defer s.Wake()
	return s.runFeature(ctx, f, session, cfg, policy)
}

func (s *Service[S]) runFeature(ctx context.Context, f Feature, session S, cfg Config, policy Policy) (bool, error) {
	exec, ok := s.execs.Get(f.Name)
	if !ok {
		if s.warn.allow("noexec:"+key(f.Name), s.now()) {
			s.log.Warn("no executor registered", logx.String("feature", f.Name))
		}
		s.state.Hold(f.Name, policy.Jitter(cfg.MinPoll, cfg.MaxPoll))
		return false, nil
	}

	start := s.now()
	var (
		performed bool
		err       error
	)
	if f.Shared && s.guard != nil {
		var ran bool
		ran, err = s.guard.Run(ctx, f.Name, s.leaseSpec(f, cfg, start), func(rctx context.Context) error {
			p, err := safeExecute(rctx, exec, session)
			performed = p
			if err == nil && !p {
				return errNotPerformed
			}
			return err
		})
		if !ran && err == nil {
			s.deferShared(ctx, f, cfg, policy)
			s.consumeCalendar(f, start)
			if f.Interval <= 0 {
				s.state.Consume(f.Name)
			}
			return false, ErrNotClaimed
		}
		if errors.Is(err, errNotPerformed) {
			err = nil
		}
	} else {
		performed, err = safeExecute(ctx, exec, session)
	}

	took := s.now().Sub(start)
	switch {
	case f.Interval > 0:
		s.state.SetTimer(f.Name, f.Interval)
	case err == nil:
		// A failed attempt keeps the arm so the feature retries after its hold.
		s.state.Consume(f.Name)
	}
	switch {
	case err != nil:
		backoff := policy.Jitter(cfg.ErrorBackoffMin, cfg.ErrorBackoffMax)
		s.state.Hold(f.Name, backoff)
		s.log.Warn("action failed",
			logx.String("feature", f.Name), logx.Duration("retry_in", backoff), logx.Err(err))
		s.publish(eventbus.TypeActionFailed, f, took, err)
	case !performed:
		s.state.Hold(f.Name, policy.Jitter(cfg.ErrorBackoffMin, cfg.ErrorBackoffMax))
		s.log.Debug("action not performed", logx.String("feature", f.Name))
	default:
		s.consumeCalendar(f, s.now())
		s.log.Info("action performed", logx.String("feature", f.Name), logx.Duration("took", took))
		typ := eventbus.TypeActionPerformed
		if f.Shared {
			typ = eventbus.TypeSharedTaskRun
		}
		s.publish(typ, f, took, nil)
	}
	return performed, err
}

func (s *Service[S]) leaseSpec(f Feature, cfg Config, now time.Time) lease.Spec {
	interval := f.Interval
	if interval <= 0 {
		s.calMu.Lock()
		if e, ok := s.cal[key(f.Name)]; ok {
			interval = e.sched.Next(now).Sub(now)
		}
		s.calMu.Unlock()
	}
	if interval <= 0 {
		interval = cfg.MaxPoll
	}
	retry := f.Retry
	if retry <= 0 {
		retry = cfg.ErrorBackoffMin
	}
	return lease.Spec{Interval: interval, Lease: f.Lease, RetryMin: retry, RetryMax: retry + retry/2}
}

// deferShared delays a shared feature another process holds or already ran.
func (s *Service[S]) deferShared(ctx context.Context, f Feature, cfg Config, policy Policy) {
	now := s.now()
	wait := policy.Jitter(cfg.MinPoll, cfg.MaxPoll)
	if rec, ok, err := s.guard.Coordinator().Inspect(ctx, f.Name); err == nil && ok {
		switch {
		case rec.NextEligible.After(now):
			wait = rec.NextEligible.Sub(now)
		case rec.Leased(now):
			wait = rec.LeaseUntil.Sub(now)
		}
	}
	s.state.Hold(f.Name, wait)
	s.log.Debug("shared task not claimed", logx.String("feature", f.Name), logx.Duration("wait", wait))
}

func (s *Service[S]) publish(typ string, f Feature, took time.Duration, err error) {
	if s.bus == nil {
		return
	}
	d := eventbus.ActionData{Feature: f.Name, Shared: f.Shared, Took: took}
	if err != nil {
		d.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: d})
}

func safeExecute[S any](ctx context.Context, exec actions.Executor[S], session S) (performed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			performed, err = false, fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec.Execute(ctx, session)
}

func withDefaults(c Config) Config {
	d := DefaultConfig()
	if c.ActionPause <= 0 {
		c.ActionPause = d.ActionPause
	}
	if c.MinPoll <= 0 {
		c.MinPoll = d.MinPoll
	}
	if c.MaxPoll <= 0 {
		c.MaxPoll = d.MaxPoll
	}
	if c.MaxPoll < c.MinPoll {
		c.MaxPoll = c.MinPoll
	}
	if c.ErrorBackoffMin <= 0 {
		c.ErrorBackoffMin = d.ErrorBackoffMin
	}
	if c.ErrorBackoffMax <= 0 {
		c.ErrorBackoffMax = d.ErrorBackoffMax
	}
	if c.ErrorBackoffMax < c.ErrorBackoffMin {
		c.ErrorBackoffMax = c.ErrorBackoffMin
	}
	if c.MaxActionsPerCycle <= 0 {
		c.MaxActionsPerCycle = d.MaxActionsPerCycle
	}
	if c.SupplierTimeout <= 0 {
		c.SupplierTimeout = d.SupplierTimeout
	}
	return c
}

type lockedSource struct {
	mu  sync.Mutex
	src rand.Source
}

func (l *lockedSource) Int63() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Int63()
}

func (l *lockedSource) Seed(seed int64) {
	l.mu.Lock()
	l.src.Seed(seed)
	l.mu.Unlock()
}
