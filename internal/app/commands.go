package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"pacer/internal/clock"
	"pacer/internal/cooldown"
	"pacer/internal/lease"
	"pacer/internal/storage"
	"pacer/internal/task/queue"
	"pacer/internal/task/scheduler"
)

var errMissingParam = errors.New("missing parameter")

// commands holds what the remote command handlers act on.
type commands[S any] struct {
	sched     *scheduler.Service[S]
	cooldowns *cooldown.Store
	leases    *lease.Coordinator
	clock     clock.Clock
	queue     *queue.Service[S]
	stop      func(reason StopReason)
	extra     func() string
}

func (c *commands[S]) register(q *queue.Service[S]) error {
	c.queue = q
	regs := []struct {
		action  string
		session bool
		h       queue.Handler[S]
	}{
		{"stop", false, c.handleStop},
		{"status", false, c.handleStatus},
		{"arm", false, c.handleArm},
		{"disarm", false, c.handleDisarm},
		{"run", true, c.handleRun},
		{"cooldown", false, c.handleCooldown},
		{"lease", false, c.handleLease},
	}
	for _, r := range regs {
		if err := q.Register(r.action, r.session, r.h); err != nil {
			return err
		}
	}
	return nil
}

func required(j queue.Job, names ...string) (string, error) {
	for _, n := range names {
		if v := strings.TrimSpace(j.Param(n, "")); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %s", errMissingParam, names[0])
}

func (c *commands[S]) handleStop(_ context.Context, _ queue.Job, _ S) (string, error) {
	c.stop(StopCommand)
	return "stopping", nil
}

func (c *commands[S]) handleStatus(_ context.Context, _ queue.Job, _ S) (string, error) {
	st := c.sched.Snapshot()
	var b strings.Builder
	switch {
	case st.Cycle == 0:
		b.WriteString("scheduler: no cycle yet\n")
	case !st.Enabled:
		b.WriteString("scheduler: disabled\n")
	default:
		fmt.Fprintf(&b, "cycle %d at %s, sleeping %s\n", st.Cycle, st.At.Format(time.TimeOnly), st.Sleep.Round(time.Second))
	}
	for _, e := range st.SortedActive() {
		fmt.Fprintf(&b, "  %-20s %s\n", e.Label, formatRemaining(e.Remaining))
	}
	if len(st.Ran) > 0 {
		fmt.Fprintf(&b, "ran: %s\n", strings.Join(st.Ran, ", "))
	}
	if len(st.Failed) > 0 {
		fmt.Fprintf(&b, "failed: %s (%s)\n", strings.Join(st.Failed, ", "), st.LastError)
	}
	qs := c.queue.Snapshot()
	fmt.Fprintf(&b, "queue: %d/%d, processed %d, dropped %d", qs.QueueLen, qs.QueueCap, qs.Processed, qs.Dropped)
	if c.extra != nil {
		if s := c.extra(); s != "" {
			b.WriteString("\n" + s)
		}
	}
	return b.String(), nil
}

func formatRemaining(sec float64) string {
	switch {
	case math.IsInf(sec, 1):
		return "never"
	case sec <= 0:
		return "ready"
	default:
		return (time.Duration(sec * float64(time.Second))).Round(time.Second).String()
	}
}

// handleArm makes a feature due now, or after in=<duration>.
func (c *commands[S]) handleArm(_ context.Context, j queue.Job, _ S) (string, error) {
	name, err := required(j, "feature", "arg1")
	if err != nil {
		return "", err
	}
	if raw := j.Param("in", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return "", fmt.Errorf("in: invalid duration %q", raw)
		}
		c.sched.State().SetTimer(name, d)
		c.sched.Wake()
		return fmt.Sprintf("%s armed in %s", name, d), nil
	}
	c.sched.State().Arm(name)
	c.sched.Wake()
	return name + " armed", nil
}

func (c *commands[S]) handleDisarm(_ context.Context, j queue.Job, _ S) (string, error) {
	name, err := required(j, "feature", "arg1")
	if err != nil {
		return "", err
	}
	c.sched.State().Disarm(name)
	c.sched.Wake()
	return name + " disarmed", nil
}

// handleRun executes a feature immediately with the session held. Shared
// features still need the lease.
func (c *commands[S]) handleRun(ctx context.Context, j queue.Job, session S) (string, error) {
	name, err := required(j, "feature", "arg1")
	if err != nil {
		return "", err
	}
	performed, err := c.sched.RunNow(ctx, name, session)
	switch {
	case errors.Is(err, scheduler.ErrNotClaimed):
		return name + ": " + c.leaseNote(ctx, name), nil
	case err != nil:
		return "", fmt.Errorf("%s: %w", name, err)
	case !performed:
		return name + ": nothing to do", nil
	}
	return name + ": done", nil
}

func (c *commands[S]) leaseNote(ctx context.Context, task string) string {
	rec, ok, err := c.leases.Inspect(ctx, task)
	if err != nil || !ok {
		return "not claimed"
	}
	now := c.clock.Now()
	switch {
	case rec.Leased(now):
		return "leased by " + rec.Holder + " until " + rec.LeaseUntil.Format(time.RFC3339)
	case rec.NextEligible.After(now):
		return "not due until " + rec.NextEligible.Format(time.RFC3339)
	}
	return "not claimed"
}

// handleCooldown: op=get|set|remove|rename|list.
func (c *commands[S]) handleCooldown(ctx context.Context, j queue.Job, _ S) (string, error) {
	op := strings.ToLower(j.Param("op", j.Param("arg1", "get")))
	switch op {
	case "list":
		recs, err := c.cooldowns.List(ctx, j.Param("locale", ""), 20)
		if err != nil {
			return "", err
		}
		if len(recs) == 0 {
			return "no cooldowns", nil
		}
		var b strings.Builder
		for _, r := range recs {
			fmt.Fprintf(&b, "%s minor=%s major=%s %s\n", r.EntityID, fmtUntil(r.MinorUntil), fmtUntil(r.MajorUntil), r.Locale)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}

	id, err := required(j, "id")
	if err != nil {
		return "", err
	}
	kind := storage.Kind(strings.ToLower(j.Param("kind", string(storage.KindMinor))))

	switch op {
	case "get":
		if !kind.Valid() {
			return "", fmt.Errorf("invalid kind %q", kind)
		}
		until, ok := c.cooldowns.Get(ctx, id, kind)
		if !ok {
			return fmt.Sprintf("%s %s: eligible", id, kind), nil
		}
		now := c.clock.Domain(ctx)
		if !until.After(now) {
			return fmt.Sprintf("%s %s: eligible (expired %s)", id, kind, until.Format(time.RFC3339)), nil
		}
		return fmt.Sprintf("%s %s: until %s (%s)", id, kind, until.Format(time.RFC3339), until.Sub(now).Round(time.Second)), nil
	case "set":
		raw, err := required(j, "for")
		if err != nil {
			return "", err
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return "", fmt.Errorf("for: invalid duration %q", raw)
		}
		var opts []cooldown.SetOption
		if l := j.Param("locale", ""); l != "" {
			opts = append(opts, cooldown.WithLocale(l))
		}
		if a := j.Param("attribute", ""); a != "" {
			opts = append(opts, cooldown.WithAttribute(a))
		}
		until := c.clock.Domain(ctx).Add(d)
		if err := c.cooldowns.Set(ctx, id, kind, until, opts...); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s until %s", id, kind, until.Format(time.RFC3339)), nil
	case "remove":
		ok, err := c.cooldowns.Remove(ctx, id)
		if err != nil {
			return "", err
		}
		if !ok {
			return id + ": no record", nil
		}
		return id + " removed", nil
	case "rename":
		to, err := required(j, "to", "new")
		if err != nil {
			return "", err
		}
		ok, err := c.cooldowns.Rename(ctx, id, to)
		if err != nil {
			return "", err
		}
		if !ok {
			return id + ": no record", nil
		}
		return fmt.Sprintf("%s renamed to %s", id, to), nil
	default:
		return "", fmt.Errorf("unknown op %q", op)
	}
}

func fmtUntil(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func (c *commands[S]) handleLease(ctx context.Context, j queue.Job, _ S) (string, error) {
	task, err := required(j, "task", "arg1")
	if err != nil {
		return "", err
	}
	rec, ok, err := c.leases.Inspect(ctx, task)
	if err != nil {
		return "", err
	}
	if !ok {
		return task + ": never claimed", nil
	}
	now := time.Now()
	holder := "free"
	if rec.Leased(now) {
		holder = fmt.Sprintf("%s until %s", rec.Holder, rec.LeaseUntil.Format(time.RFC3339))
	}
	last := "never"
	if !rec.LastRun.IsZero() {
		last = rec.LastRun.Format(time.RFC3339)
	}
	return fmt.Sprintf("%s: %s, next eligible %s, last run %s, interval %ds",
		task, holder, rec.NextEligible.Format(time.RFC3339), last, rec.IntervalSeconds), nil
}
