package scheduler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// TimerSnapshot maps timer name to remaining seconds for one cycle.
// +Inf means the timer does not apply.
type TimerSnapshot map[string]float64

func (t TimerSnapshot) lookup(name string) (float64, bool) {
	if t == nil {
		return 0, false
	}
	v, ok := t[key(name)]
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	if v < 0 {
		v = 0
	}
	return v, true
}

// TimerSupplier reads externally kept timers in one batch.
type TimerSupplier interface {
	FetchAll(ctx context.Context) (map[string]float64, error)
}

// TimerSupplierFunc adapts a function to TimerSupplier.
type TimerSupplierFunc func(ctx context.Context) (map[string]float64, error)

func (f TimerSupplierFunc) FetchAll(ctx context.Context) (map[string]float64, error) { return f(ctx) }

// fetchExternal calls the supplier once, bounded by timeout. A failure
// yields an empty snapshot; features then rely on local timers only.
func fetchExternal(ctx context.Context, sup TimerSupplier, timeout time.Duration) (snap TimerSnapshot, err error) {
	if sup == nil {
		return TimerSnapshot{}, nil
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			snap, err = TimerSnapshot{}, fmt.Errorf("timer supplier panic: %v", r)
		}
	}()
	raw, err := sup.FetchAll(cctx)
	if err != nil {
		return TimerSnapshot{}, err
	}
	out := make(TimerSnapshot, len(raw))
	for k, v := range raw {
		out[key(k)] = v
	}
	return out, nil
}

// Status describes the most recent cycle.
type Status struct {
	Enabled   bool
	Cycle     uint64
	At        time.Time
	Sleep     time.Duration
	Performed bool
	Active    []TimerEntry
	External  TimerSnapshot
	Local     TimerSnapshot
	Ran       []string
	Failed    []string
	LastError string
}

// SortedActive returns Active ordered by remaining time.
func (s Status) SortedActive() []TimerEntry {
	out := append([]TimerEntry(nil), s.Active...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Remaining < out[j].Remaining })
	return out
}
