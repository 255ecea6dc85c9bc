package scheduler

import (
	"sync"
	"time"
)

const warnThrottle = time.Minute

// warnLimiter lets a recurring warning through once per window per key.
type warnLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func (w *warnLimiter) allow(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		w.last = map[string]time.Time{}
	}
	if last, ok := w.last[key]; ok && now.Sub(last) < warnThrottle {
		return false
	}
	w.last[key] = now
	return true
}
