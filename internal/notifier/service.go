package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	kit "pacer/internal/transport"
	logx "pacer/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrNoTarget  = errors.New("notifier has no target")
)

const historySize = 200

type Service struct {
	sender Sender
	dedupS DedupStore
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	q chan kit.Notification

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

// WithDedupStore enables cross-process dedup when Config.PersistDedup is set.
func WithDedupStore(st DedupStore) Option { return func(s *Service) { s.dedupS = st } }

// New builds the service. The queue size is fixed at construction; Apply
// changes everything else.
func New(cfg Config, sender Sender, opts ...Option) *Service {
	s := &Service{
		sender: sender,
		log:    logx.Nop(),
		dedup:  map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "notifier"))
	cfg = withDefaults(cfg)
	s.q = make(chan kit.Notification, cfg.QueueSize)
	s.Apply(cfg)
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	return cfg
}

func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	// burst = rate so short spikes pass without waiting
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) config() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Notify queues msg for the configured target and never blocks. Failures are
// logged and counted.
func (s *Service) Notify(msg string) {
	if err := s.Send(kit.Notification{Channel: "telegram", Priority: 5, Text: msg}); err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Debug("notification not queued", logx.Err(err))
	}
}

// Send queues n. A zero n.Target uses the configured target.
func (s *Service) Send(n kit.Notification) error {
	cfg, _ := s.config()
	if !cfg.Enabled || s.sender == nil {
		return ErrDisabled
	}
	if n.Target.IsZero() {
		n.Target = cfg.Target
	}
	if n.Target.IsZero() {
		return ErrNoTarget
	}
	select {
	case s.q <- n:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-s.q:
			s.deliver(ctx, n)
		}
	}
}

func (s *Service) deliver(ctx context.Context, n kit.Notification) {
	cfg, lim := s.config()
	text := prefixForPriority(n.Priority) + n.Text
	key := dedupKey(n)
	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, cfg, key) {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := s.sender.SendText(cctx, n.Target, text, n.Options)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.appendHistory(HistoryItem{At: time.Now(), Text: text})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	s.failed.Add(1)
	s.appendHistory(HistoryItem{At: time.Now(), Text: text, Err: lastErr.Error()})
	s.log.Warn("notification dropped after retries", logx.Err(lastErr), logx.Int("attempts", attempts))
}

// dedupAllow reports whether key may be sent now and, if so, starts its
// suppression window.
func (s *Service) dedupAllow(ctx context.Context, cfg Config, key string) bool {
	now := time.Now()
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	persist := cfg.PersistDedup && s.dedupS != nil
	if persist {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.dedupS.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			oldest string
			oldT   time.Time
		)
		for k, u := range s.dedup {
			if oldest == "" || u.Before(oldT) {
				oldest, oldT = k, u
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()

	if persist {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := s.dedupS.PutDedup(cctx, key, until); err != nil {
			s.log.Debug("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
	return true
}

type Stats struct {
	Queued  int
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

func (s *Service) Stats() Stats {
	return Stats{Queued: len(s.q), Sent: s.sent.Load(), Failed: s.failed.Load(), Dropped: s.dropped.Load()}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}

func dedupKey(n kit.Notification) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d:%d|%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("ntf:%x", h.Sum64())
}

// retryDelay is the wait before attempt+1: exponential from RetryBase,
// jittered to 70..130%, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
