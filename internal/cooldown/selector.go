package cooldown

import (
	"context"
	"math/rand"
	"strings"
	"sync"

	"pacer/internal/clock"
	"pacer/internal/storage"
	logx "pacer/pkg/logx"
)

const defaultMaxAttempts = 50

// Request describes one selection.
type Request struct {
	Pool     []string
	Excluded []string
	Kind     storage.Kind
	// AttributeFilter, when non-empty, only admits entities whose stored
	// attribute is in the list.
	AttributeFilter []string
}

// Selector picks the first eligible entity from a shuffled pool.
type Selector struct {
	store       *Store
	clock       clock.Clock
	self        string
	selfLocale  string
	maxAttempts int
	log         logx.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

type SelectorOption func(*Selector)

// WithSelf sets the caller's own entity id and locale.
func WithSelf(id, locale string) SelectorOption {
	return func(s *Selector) {
		s.self = strings.TrimSpace(id)
		s.selfLocale = strings.TrimSpace(locale)
	}
}

// WithMaxAttempts caps store lookups per Select call.
func WithMaxAttempts(n int) SelectorOption {
	return func(s *Selector) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithRand(r *rand.Rand) SelectorOption {
	return func(s *Selector) {
		if r != nil {
			s.rnd = r
		}
	}
}

func WithSelectorLogger(log logx.Logger) SelectorOption {
	return func(s *Selector) { s.log = log }
}

func NewSelector(store *Store, clk clock.Clock, opts ...SelectorOption) *Selector {
	if clk == nil {
		clk = clock.Wall{}
	}
	s := &Selector{
		store:       store,
		clock:       clk,
		maxAttempts: defaultMaxAttempts,
		log:         logx.Nop(),
		rnd:         rand.New(rand.NewSource(rand.Int63())),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "selector"))
	return s
}

// Select returns the first eligible entity of a shuffled copy of the pool.
func (s *Selector) Select(ctx context.Context, req Request) (string, bool) {
	if len(req.Pool) == 0 {
		return "", false
	}
	if !req.Kind.Valid() {
		s.log.Warn("select: invalid cooldown kind", logx.String("kind", string(req.Kind)))
		return "", false
	}
	pool := append([]string(nil), req.Pool...)
	s.mu.Lock()
	s.rnd.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	s.mu.Unlock()

	excluded := make(map[string]struct{}, len(req.Excluded)+1)
	for _, id := range req.Excluded {
		excluded[strings.TrimSpace(id)] = struct{}{}
	}
	if s.self != "" {
		excluded[s.self] = struct{}{}
	}
	var allow map[string]struct{}
	if len(req.AttributeFilter) > 0 {
		allow = make(map[string]struct{}, len(req.AttributeFilter))
		for _, a := range req.AttributeFilter {
			allow[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
		}
	}

	now := s.clock.Domain(ctx)
	attempts := 0
	for _, id := range pool {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, skip := excluded[id]; skip {
			continue
		}
		if ctx.Err() != nil {
			return "", false
		}
		if attempts >= s.maxAttempts {
			s.log.Debug("attempt cap reached", logx.Int("attempts", attempts), logx.Int("pool", len(pool)))
			return "", false
		}
		attempts++

		rec, found := s.store.record(ctx, id)
		if allow != nil {
			if _, ok := allow[strings.ToLower(rec.Attribute)]; !found || !ok {
				continue
			}
		}
		if !found {
			return id, true
		}
		if until, ok := rec.Until(req.Kind); ok && until.After(now) {
			continue
		}
		if req.Kind == storage.KindMajor && s.selfLocale != "" && rec.Locale != "" &&
			!strings.EqualFold(rec.Locale, s.selfLocale) {
			continue
		}
		return id, true
	}
	return "", false
}

// SelectWithFallback tries with the attribute filter first and once more
// without it.
func (s *Selector) SelectWithFallback(ctx context.Context, req Request) (string, bool) {
	if id, ok := s.Select(ctx, req); ok || len(req.AttributeFilter) == 0 {
		return id, ok
	}
	req.AttributeFilter = nil
	return s.Select(ctx, req)
}
