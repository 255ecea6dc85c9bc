package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// TimerEntry is one active timer for the sleep decision. Remaining is in
// seconds; +Inf means the timer never fires on its own.
type TimerEntry struct {
	Label     string
	Remaining float64
}

// Never is the remaining time of a timer that does not apply.
var Never = math.Inf(1)

// Policy turns the active timers of one cycle into a sleep duration.
type Policy struct {
	ActionPause time.Duration
	MinPoll     time.Duration
	MaxPoll     time.Duration
	// Rand draws the idle jitter. Nil uses the global source.
	Rand *rand.Rand
}

// ComputeSleep applies, in order:
//
//  1. ready now: an entry at or below ActionPause sleeps for the smallest
//     such positive remaining time, or ActionPause when one is already due;
//  2. soonest upcoming: max(ActionPause, smallest finite remaining);
//  3. idle: a uniform random duration in [MinPoll, MaxPoll).
//
// A performed action overrides the result with ActionPause. Otherwise a
// result above MaxPoll is pulled back into the polling window.
func (p Policy) ComputeSleep(active []TimerEntry, actionPerformed bool) time.Duration {
	if actionPerformed {
		return p.ActionPause
	}
	pauseSec := p.ActionPause.Seconds()

	ready := false
	minReady := math.Inf(1)
	minFinite := math.Inf(1)
	for _, e := range active {
		r := e.Remaining
		if math.IsNaN(r) {
			continue
		}
		if r < 0 {
			r = 0
		}
		if r <= pauseSec {
			ready = true
			minReady = math.Min(minReady, r)
			continue
		}
		if !math.IsInf(r, 1) {
			minFinite = math.Min(minFinite, r)
		}
	}

	var d time.Duration
	switch {
	case ready:
		d = p.ActionPause
		if minReady > 0 {
			d = seconds(minReady)
		}
	case !math.IsInf(minFinite, 1):
		d = seconds(minFinite)
		if d < p.ActionPause {
			d = p.ActionPause
		}
	default:
		return p.Idle()
	}

	if d > p.MaxPoll {
		return p.Idle()
	}
	return d
}

// Idle returns a uniform random duration in [MinPoll, MaxPoll).
func (p Policy) Idle() time.Duration {
	lo, hi := p.MinPoll, p.MaxPoll
	if hi < lo {
		lo, hi = hi, lo
	}
	if hi == lo {
		return lo
	}
	span := int64(hi - lo)
	var n int64
	if p.Rand != nil {
		n = p.Rand.Int63n(span)
	} else {
		n = rand.Int63n(span)
	}
	return lo + time.Duration(n)
}

// Jitter returns a uniform random duration in [lo, hi).
func (p Policy) Jitter(lo, hi time.Duration) time.Duration {
	return Policy{MinPoll: lo, MaxPoll: hi, Rand: p.Rand}.Idle()
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func remainingSeconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}
