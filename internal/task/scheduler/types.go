package scheduler

import (
	"context"
	"time"

	"pacer/internal/actions"
)

// Config is the loop's timing configuration, re-read every cycle.
type Config struct {
	Enabled            bool
	ActionPause        time.Duration
	MinPoll            time.Duration
	MaxPoll            time.Duration
	ErrorBackoffMin    time.Duration
	ErrorBackoffMax    time.Duration
	MaxActionsPerCycle int
	SupplierTimeout    time.Duration
	Timezone           string
}

// DefaultConfig mirrors the documented configuration defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		ActionPause:        2 * time.Second,
		MinPoll:            30 * time.Second,
		MaxPoll:            90 * time.Second,
		ErrorBackoffMin:    20 * time.Second,
		ErrorBackoffMax:    60 * time.Second,
		MaxActionsPerCycle: 8,
		SupplierTimeout:    5 * time.Second,
	}
}

// Cycle is everything one iteration reads from configuration and context.
type Cycle struct {
	Config   Config
	Features []Feature
	Context  Context
}

// Source supplies a fresh Cycle at the start of every iteration.
type Source interface {
	Cycle() Cycle
}

type SourceFunc func() Cycle

func (f SourceFunc) Cycle() Cycle { return f() }

// Executors looks up the executor for a feature.
type Executors[S any] interface {
	Get(name string) (actions.Executor[S], bool)
}

// Heartbeat is called once per cycle (service manager watchdog).
type Heartbeat func(ctx context.Context)
