package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pacer/internal/clock"
	"pacer/internal/cooldown"
	"pacer/internal/storage"
	logx "pacer/pkg/logx"
)

// ErrPoolUnavailable is returned when the candidate pool cannot be loaded.
// The scheduler treats it like any transient failure.
var ErrPoolUnavailable = errors.New("candidate pool unavailable")

// PoolFunc supplies candidate entity ids, already narrowed to what the
// caller may target (for the major kind: same locale).
type PoolFunc func(ctx context.Context) ([]string, error)

// TargetFunc acts on one selected entity.
type TargetFunc[S any] func(ctx context.Context, session S, entityID string) (performed bool, err error)

// Targeted is an executor for actions aimed at one entity at a time: it
// selects an un-cooled target, acts on it and records the new cooldown.
type Targeted[S any] struct {
	Name       string
	Kind       storage.Kind
	Pool       PoolFunc
	Excluded   func() []string
	Attributes []string
	// Cooldown is applied to the target after a performed action, measured
	// on the domain clock.
	Cooldown time.Duration
	Locale   string
	Act      TargetFunc[S]

	Selector  *cooldown.Selector
	Cooldowns *cooldown.Store
	Clock     clock.Clock
	Log       logx.Logger
}

func (t *Targeted[S]) Execute(ctx context.Context, session S) (bool, error) {
	if t.Pool == nil || t.Act == nil || t.Selector == nil {
		return false, fmt.Errorf("%s: executor not configured", t.Name)
	}
	pool, err := t.Pool(ctx)
	if err != nil {
		return false, fmt.Errorf("%s: %w: %v", t.Name, ErrPoolUnavailable, err)
	}
	req := cooldown.Request{Pool: pool, Kind: t.Kind, AttributeFilter: t.Attributes}
	if t.Excluded != nil {
		req.Excluded = t.Excluded()
	}
	target, ok := t.Selector.SelectWithFallback(ctx, req)
	if !ok {
		t.Log.Debug("no eligible target", logx.String("action", t.Name), logx.Int("pool", len(pool)))
		return false, nil
	}

	performed, err := t.Act(ctx, session, target)
	if err != nil || !performed {
		return performed, err
	}
	if t.Cooldowns != nil && t.Cooldown > 0 {
		clk := t.Clock
		if clk == nil {
			clk = clock.Wall{}
		}
		var opts []cooldown.SetOption
		if t.Locale != "" && t.Kind == storage.KindMajor {
			opts = append(opts, cooldown.WithLocale(t.Locale))
		}
		// A failed write is logged by the store; the action itself happened.
		_ = t.Cooldowns.Set(ctx, target, t.Kind, clk.Domain(ctx).Add(t.Cooldown), opts...)
	}
	t.Log.Info("action performed", logx.String("action", t.Name), logx.String("target", target))
	return true, nil
}
