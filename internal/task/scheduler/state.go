package scheduler

import (
	"strings"
	"sync"
	"time"
)

// State owns the loop's local timers. Remote commands and executors change
// timers only through its methods.
//
// Two kinds of timestamps are kept per name:
//   - end: the feature's own timer; the earliest of its sources wins
//   - hold: a short back-off after a failure; it delays the feature like a
//     gate and is never shortened by other sources
type State struct {
	mu       sync.Mutex
	now      func() time.Time
	ends     map[string]time.Time
	holds    map[string]time.Time
	disarmed map[string]bool
}

func NewState(now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{
		now:      now,
		ends:     map[string]time.Time{},
		holds:    map[string]time.Time{},
		disarmed: map[string]bool{},
	}
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// SetTimer makes name due after d.
func (s *State) SetTimer(name string, d time.Duration) {
	s.SetUntil(name, s.now().Add(d))
}

func (s *State) SetUntil(name string, at time.Time) {
	k := key(name)
	s.mu.Lock()
	s.ends[k] = at
	delete(s.disarmed, k)
	s.mu.Unlock()
}

// Arm makes name due immediately.
func (s *State) Arm(name string) { s.SetUntil(name, s.now()) }

// Consume drops name's own timer. An arm is used up by the attempt it
// triggered.
func (s *State) Consume(name string) {
	k := key(name)
	s.mu.Lock()
	delete(s.ends, k)
	s.mu.Unlock()
}

// Disarm stops name from firing until it is armed or set again.
func (s *State) Disarm(name string) {
	k := key(name)
	s.mu.Lock()
	delete(s.ends, k)
	delete(s.holds, k)
	s.disarmed[k] = true
	s.mu.Unlock()
}

func (s *State) Disarmed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disarmed[key(name)]
}

// Hold delays name by d without touching its own timer.
func (s *State) Hold(name string, d time.Duration) {
	k := key(name)
	until := s.now().Add(d)
	s.mu.Lock()
	if cur, ok := s.holds[k]; !ok || until.After(cur) {
		s.holds[k] = until
	}
	s.mu.Unlock()
}

// Remaining returns the time left on name's own timer. ok is false when no
// timer was set.
func (s *State) Remaining(name string) (time.Duration, bool) {
	k := key(name)
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.ends[k]
	if !ok {
		return 0, false
	}
	if d := at.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}

// HoldRemaining returns the time left on name's back-off, zero if none.
func (s *State) HoldRemaining(name string) time.Duration {
	k := key(name)
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.holds[k]
	if !ok {
		return 0
	}
	d := at.Sub(now)
	if d <= 0 {
		delete(s.holds, k)
		return 0
	}
	return d
}

// Timers returns the remaining seconds of every local timer.
func (s *State) Timers() TimerSnapshot {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(TimerSnapshot, len(s.ends)+len(s.disarmed))
	for k, at := range s.ends {
		out[k] = remainingSeconds(at.Sub(now))
	}
	for k := range s.disarmed {
		out[k] = Never
	}
	return out
}
