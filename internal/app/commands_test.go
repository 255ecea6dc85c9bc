package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pacer/internal/actions"
	"pacer/internal/arbiter"
	"pacer/internal/clock"
	"pacer/internal/cooldown"
	"pacer/internal/lease"
	"pacer/internal/storage"
	"pacer/internal/task/queue"
	"pacer/internal/task/scheduler"
)

type session struct{ runs int }

type cmdHarness struct {
	c       *commands[*session]
	store   storage.Store
	reg     *actions.Registry[*session]
	q       *queue.Service[*session]
	stopped []StopReason
}

func newCmdHarness(t *testing.T, features ...scheduler.Feature) *cmdHarness {
	t.Helper()
	store := storage.NewMemory()
	reg := actions.NewRegistry[*session]()
	arb := arbiter.New(&session{})
	src := scheduler.SourceFunc(func() scheduler.Cycle {
		return scheduler.Cycle{Config: scheduler.DefaultConfig(), Features: features}
	})
	leases := lease.New(store, lease.WithHolder("agent-a"))
	h := &cmdHarness{store: store, reg: reg, q: queue.New(queue.Config{}, arb)}
	h.c = &commands[*session]{
		sched:     scheduler.New[*session](src, reg, arb, scheduler.WithGuard[*session](lease.NewGuard(leases, 1))),
		cooldowns: cooldown.NewStore(store),
		leases:    leases,
		clock:     clock.Wall{},
		stop:      func(r StopReason) { h.stopped = append(h.stopped, r) },
		extra:     func() string { return "notifier: ok" },
	}
	require.NoError(t, h.c.register(h.q))
	return h
}

func job(action string, params map[string]string) queue.Job {
	return queue.Job{Action: action, Params: params}
}

func TestCommandsRegistered(t *testing.T) {
	h := newCmdHarness(t)
	assert.ElementsMatch(t, []string{"stop", "status", "arm", "disarm", "run", "cooldown", "lease"}, h.q.Actions())
}

func TestStopCommand(t *testing.T) {
	h := newCmdHarness(t)
	out, err := h.c.handleStop(context.Background(), job("stop", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, "stopping", out)
	assert.Equal(t, []StopReason{StopCommand}, h.stopped)
}

func TestStatusBeforeFirstCycle(t *testing.T) {
	h := newCmdHarness(t)
	out, err := h.c.handleStatus(context.Background(), job("status", nil), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "no cycle yet")
	assert.Contains(t, out, "queue: 0/64")
	assert.Contains(t, out, "notifier: ok")
}

func TestArmAndDisarm(t *testing.T) {
	h := newCmdHarness(t)
	ctx := context.Background()
	st := h.c.sched.State()

	_, err := h.c.handleArm(ctx, job("arm", nil), nil)
	assert.ErrorIs(t, err, errMissingParam)

	out, err := h.c.handleArm(ctx, job("arm", map[string]string{"arg1": "collect"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "collect armed", out)
	left, ok := st.Remaining("collect")
	require.True(t, ok)
	assert.Zero(t, left)

	_, err = h.c.handleArm(ctx, job("arm", map[string]string{"feature": "collect", "in": "-1m"}), nil)
	assert.Error(t, err)

	_, err = h.c.handleArm(ctx, job("arm", map[string]string{"feature": "collect", "in": "10m"}), nil)
	require.NoError(t, err)
	left, _ = st.Remaining("collect")
	assert.Greater(t, left, 9*time.Minute)

	out, err = h.c.handleDisarm(ctx, job("disarm", map[string]string{"arg1": "collect"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "collect disarmed", out)
	assert.True(t, st.Disarmed("collect"))
}

func TestRunCommand(t *testing.T) {
	h := newCmdHarness(t)
	ctx := context.Background()
	require.NoError(t, h.reg.Register("collect", actions.ExecutorFunc[*session](func(_ context.Context, s *session) (bool, error) {
		s.runs++
		return s.runs == 1, nil
	})))
	require.NoError(t, h.reg.Register("broken", actions.ExecutorFunc[*session](func(context.Context, *session) (bool, error) {
		return false, errors.New("kaput")
	})))

	s := &session{}
	out, err := h.c.handleRun(ctx, job("run", map[string]string{"arg1": "collect"}), s)
	require.NoError(t, err)
	assert.Equal(t, "collect: done", out)

	out, err = h.c.handleRun(ctx, job("run", map[string]string{"arg1": "collect"}), s)
	require.NoError(t, err)
	assert.Equal(t, "collect: nothing to do", out)

	_, err = h.c.handleRun(ctx, job("run", map[string]string{"arg1": "broken"}), s)
	assert.ErrorContains(t, err, "broken: kaput")

	_, err = h.c.handleRun(ctx, job("run", map[string]string{"arg1": "nope"}), s)
	assert.ErrorContains(t, err, "no executor")
}

func TestRunSharedFeatureNeedsLease(t *testing.T) {
	h := newCmdHarness(t, scheduler.Feature{Name: "sync", Enabled: true, Shared: true, Interval: time.Hour, Lease: 10 * time.Minute})
	ctx := context.Background()
	calls := 0
	require.NoError(t, h.reg.Register("sync", actions.ExecutorFunc[*session](func(context.Context, *session) (bool, error) {
		calls++
		return true, nil
	})))
	other := lease.New(h.store, lease.WithHolder("agent-b"))
	ok, err := other.Claim(ctx, "sync", time.Hour, 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := h.c.handleRun(ctx, job("run", map[string]string{"arg1": "sync"}), &session{})
	require.NoError(t, err)
	assert.Contains(t, out, "sync: leased by agent-b until")
	assert.Zero(t, calls)

	require.NoError(t, other.Complete(ctx, "sync", 0))
	out, err = h.c.handleRun(ctx, job("run", map[string]string{"arg1": "sync"}), &session{})
	require.NoError(t, err)
	assert.Equal(t, "sync: done", out)
	assert.Equal(t, 1, calls)

	rec, ok, err := h.c.leases.Inspect(ctx, "sync")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.NextEligible.After(time.Now().Add(50*time.Minute)))

	out, err = h.c.handleRun(ctx, job("run", map[string]string{"arg1": "sync"}), &session{})
	require.NoError(t, err)
	assert.Contains(t, out, "sync: not due until")
	assert.Equal(t, 1, calls)
}

func TestCooldownCommand(t *testing.T) {
	h := newCmdHarness(t)
	ctx := context.Background()
	run := func(p map[string]string) (string, error) {
		return h.c.handleCooldown(ctx, job("cooldown", p), nil)
	}

	out, err := run(map[string]string{"id": "e1"})
	require.NoError(t, err)
	assert.Equal(t, "e1 minor: eligible", out)

	out, err = run(map[string]string{"op": "set", "id": "e1", "kind": "major", "for": "2h", "locale": "de"})
	require.NoError(t, err)
	assert.Contains(t, out, "e1 major until")

	out, err = run(map[string]string{"arg1": "get", "id": "e1", "kind": "major"})
	require.NoError(t, err)
	assert.Contains(t, out, "e1 major: until")

	out, err = run(map[string]string{"op": "list"})
	require.NoError(t, err)
	assert.Contains(t, out, "e1 minor=- major=")

	out, err = run(map[string]string{"op": "rename", "id": "e1", "to": "e2"})
	require.NoError(t, err)
	assert.Equal(t, "e1 renamed to e2", out)

	out, err = run(map[string]string{"op": "remove", "id": "e1"})
	require.NoError(t, err)
	assert.Equal(t, "e1: no record", out)

	out, err = run(map[string]string{"op": "remove", "id": "e2"})
	require.NoError(t, err)
	assert.Equal(t, "e2 removed", out)

	_, err = run(map[string]string{"op": "set", "id": "e1", "for": "soon"})
	assert.Error(t, err)
	_, err = run(map[string]string{"op": "get", "id": "e1", "kind": "weekly"})
	assert.Error(t, err)
	_, err = run(map[string]string{"op": "explode", "id": "e1"})
	assert.ErrorContains(t, err, "unknown op")
}

func TestLeaseCommand(t *testing.T) {
	h := newCmdHarness(t)
	ctx := context.Background()

	out, err := h.c.handleLease(ctx, job("lease", map[string]string{"arg1": "sync"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "sync: never claimed", out)

	ok, err := h.c.leases.Claim(ctx, "sync", time.Hour, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	out, err = h.c.handleLease(ctx, job("lease", map[string]string{"task": "sync"}), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "sync: agent-a until")
	assert.Contains(t, out, "interval 3600s")
}
