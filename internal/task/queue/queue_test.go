package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pacer/internal/arbiter"
	"pacer/internal/eventbus"
	"pacer/internal/storage"
)

type session struct{ name string }

type auditSink struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *auditSink) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return nil
}

func (a *auditSink) all() []storage.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]storage.AuditEntry(nil), a.entries...)
}

func startWorker(t *testing.T, s *Service[*session]) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	s := New[*session](Config{Size: 2}, nil)
	require.NoError(t, s.Register("ping", false, func(context.Context, Job, *session) (string, error) { return "pong", nil }))

	_, err := s.Enqueue(Job{Action: "ping"})
	require.NoError(t, err)
	_, err = s.Enqueue(Job{Action: "ping"})
	require.NoError(t, err)
	_, err = s.Enqueue(Job{Action: "ping"})
	assert.ErrorIs(t, err, ErrQueueFull)

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, uint64(1), s.Snapshot().Dropped)
}

func TestEnqueueUnknownActionAndStopped(t *testing.T) {
	s := New[*session](Config{}, nil)
	_, err := s.Enqueue(Job{Action: "nope"})
	assert.ErrorIs(t, err, ErrUnknownAction)

	require.NoError(t, s.Register("ping", false, func(context.Context, Job, *session) (string, error) { return "", nil }))
	s.Stop()
	_, err = s.Enqueue(Job{Action: "ping"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRegisterNormalizesAndRejectsDuplicates(t *testing.T) {
	s := New[*session](Config{}, nil)
	h := func(context.Context, Job, *session) (string, error) { return "", nil }
	require.NoError(t, s.Register("/Status", false, h))
	assert.Error(t, s.Register("status", false, h))
	assert.Error(t, s.Register("  ", false, h))
	assert.Equal(t, []string{"status"}, s.Actions())

	id, err := s.Enqueue(Job{Action: "STATUS"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestJobsRunInOrderOneAtATime(t *testing.T) {
	s := New[*session](Config{Size: 8, PollInterval: 10 * time.Millisecond}, nil)

	var (
		mu      sync.Mutex
		order   []string
		running int
		maxSeen int
	)
	done := make(chan struct{}, 3)
	require.NoError(t, s.Register("work", false, func(_ context.Context, j Job, _ *session) (string, error) {
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		order = append(order, j.Param("n", "?"))
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		done <- struct{}{}
		return "", nil
	}))

	for _, n := range []string{"1", "2", "3"} {
		_, err := s.Enqueue(Job{Action: "work", Params: map[string]string{"n": n}})
		require.NoError(t, err)
	}
	startWorker(t, s)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs did not finish")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3"}, order)
	assert.Equal(t, 1, maxSeen)
}

func TestSessionJobsHoldArbiter(t *testing.T) {
	sess := &session{name: "main"}
	arb := arbiter.New(sess)
	s := New(Config{PollInterval: 10 * time.Millisecond}, arb)

	got := make(chan *session, 2)
	require.NoError(t, s.Register("act", true, func(_ context.Context, _ Job, se *session) (string, error) {
		holder, _ := arb.Holder()
		assert.Equal(t, sessionOwner, holder)
		got <- se
		return "", nil
	}))
	require.NoError(t, s.Register("arm", false, func(_ context.Context, _ Job, se *session) (string, error) {
		got <- se
		return "", nil
	}))

	_, err := s.Enqueue(Job{Action: "act"})
	require.NoError(t, err)
	_, err = s.Enqueue(Job{Action: "arm"})
	require.NoError(t, err)
	startWorker(t, s)

	assert.Same(t, sess, <-got)
	assert.Nil(t, <-got)
	assert.Equal(t, uint64(1), arb.Grants())
}

func TestFailureIsAuditedPublishedAndReplied(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	audit := &auditSink{}

	s := New(Config{PollInterval: 10 * time.Millisecond}, (*arbiter.Arbiter[*session])(nil),
		WithAuditor[*session](audit), WithBus[*session](bus))
	require.NoError(t, s.Register("boom", false, func(context.Context, Job, *session) (string, error) {
		return "", errors.New("kaput")
	}))

	replies := make(chan string, 1)
	_, err := s.Enqueue(Job{
		Action: "boom", Source: "telegram", Actor: "42",
		Params: map[string]string{"x": "1"},
		Reply:  func(_ context.Context, text string) { replies <- text },
	})
	require.NoError(t, err)
	startWorker(t, s)

	select {
	case r := <-replies:
		assert.Equal(t, "error: kaput", r)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}

	ev := <-events
	require.Equal(t, eventbus.TypeJobFinished, ev.Type)
	data := ev.Data.(eventbus.JobData)
	assert.False(t, data.OK)
	assert.Equal(t, "kaput", data.Err)

	require.Eventually(t, func() bool { return len(audit.all()) == 1 }, time.Second, 5*time.Millisecond)
	e := audit.all()[0]
	assert.Equal(t, "boom", e.Action)
	assert.Equal(t, "42", e.Actor)
	assert.Equal(t, `{"x":"1"}`, e.Params)
	assert.False(t, e.OK)

	snap := s.Snapshot()
	require.Len(t, snap.History, 1)
	assert.Equal(t, "kaput", snap.History[0].Error)
}

func TestPanicBecomesError(t *testing.T) {
	s := New[*session](Config{PollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, s.Register("bad", false, func(context.Context, Job, *session) (string, error) {
		panic("oops")
	}))
	replies := make(chan string, 1)
	_, err := s.Enqueue(Job{Action: "bad", Reply: func(_ context.Context, text string) { replies <- text }})
	require.NoError(t, err)
	startWorker(t, s)

	select {
	case r := <-replies:
		assert.Contains(t, r, "panic in bad")
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
}

func TestHousekeepingRunsWhileIdle(t *testing.T) {
	ticks := make(chan struct{}, 8)
	s := New(Config{PollInterval: 5 * time.Millisecond}, (*arbiter.Arbiter[*session])(nil),
		WithHousekeeping[*session](func(context.Context) {
			select {
			case ticks <- struct{}{}:
			default:
			}
		}))
	startWorker(t, s)
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("housekeeping never ran")
	}
}

func TestHistoryIsTrimmed(t *testing.T) {
	s := New[*session](Config{HistorySize: 2}, nil)
	for _, id := range []string{"a", "b", "c"} {
		s.appendHistory(HistoryItem{ID: id})
	}
	h := s.Snapshot().History
	require.Len(t, h, 2)
	assert.Equal(t, "b", h[0].ID)
	assert.Equal(t, "c", h[1].ID)
}
