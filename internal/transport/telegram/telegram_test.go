package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pacer/internal/task/queue"
	kit "pacer/internal/transport"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		action string
		params map[string]string
	}{
		{"bare", "/status", "status", map[string]string{}},
		{"bot suffix", "/Status@pacer_bot", "status", map[string]string{}},
		{"key values", "/arm feature=scan delay=5m", "arm", map[string]string{"feature": "scan", "delay": "5m"}},
		{"quoted", `/cooldown op=set id="entity 7" kind=major`, "cooldown", map[string]string{"op": "set", "id": "entity 7", "kind": "major"}},
		{"positional", "/run scan now", "run", map[string]string{"arg1": "scan", "arg2": "now"}},
		{"empty value", "/cooldown op=remove id=", "cooldown", map[string]string{"op": "remove", "id": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCommand(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.action, c.Action)
			assert.Equal(t, tt.params, c.Params)
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	_, err := ParseCommand("hello")
	assert.ErrorIs(t, err, ErrNotCommand)
	_, err = ParseCommand("/")
	assert.ErrorIs(t, err, ErrNotCommand)
	_, err = ParseCommand(`/arm feature="scan`)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotCommand)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	assert.Equal(t, []string{strings.Repeat("a", 8), strings.Repeat("b", 8)}, splitText(long, 10))

	chunks := splitText(strings.Repeat("x", 25), 10)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 5)
}

type fakeQueue struct {
	jobs []queue.Job
	err  error
}

func (f *fakeQueue) Enqueue(j queue.Job) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, j)
	return "job-1", nil
}

type fakeReplier struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeReplier) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return kit.MessageRef{}, nil
}

func newDispatcher(q Enqueuer, r Replier) *Dispatcher {
	return &Dispatcher{Owners: func() []int64 { return []int64{42} }, Queue: q, Replies: r}
}

func TestDispatcherQueuesOwnerCommands(t *testing.T) {
	q, r := &fakeQueue{}, &fakeReplier{}
	d := newDispatcher(q, r)

	d.Handle(context.Background(), kit.Message{ChatID: 1, FromID: 42, Text: "/arm feature=scan"})
	require.Len(t, q.jobs, 1)
	j := q.jobs[0]
	assert.Equal(t, "arm", j.Action)
	assert.Equal(t, "scan", j.Params["feature"])
	assert.Equal(t, "telegram", j.Source)
	assert.Equal(t, "42", j.Actor)

	j.Reply(context.Background(), "armed")
	assert.Equal(t, []string{"armed"}, r.texts)
}

func TestDispatcherIgnoresStrangersAndChatter(t *testing.T) {
	q, r := &fakeQueue{}, &fakeReplier{}
	d := newDispatcher(q, r)

	d.Handle(context.Background(), kit.Message{FromID: 7, Text: "/stop"})
	d.Handle(context.Background(), kit.Message{FromID: 42, Text: "just chatting"})
	assert.Empty(t, q.jobs)
	assert.Empty(t, r.texts)
}

func TestDispatcherRepliesOnRejection(t *testing.T) {
	r := &fakeReplier{}
	d := newDispatcher(&fakeQueue{err: queue.ErrQueueFull}, r)
	d.Handle(context.Background(), kit.Message{FromID: 42, Text: "/status"})

	d.Queue = &fakeQueue{err: queue.ErrUnknownAction}
	d.Handle(context.Background(), kit.Message{FromID: 42, Text: "/dance"})

	d.Handle(context.Background(), kit.Message{FromID: 42, Text: `/arm "x`})
	require.Len(t, r.texts, 3)
	assert.Equal(t, "busy, try again shortly", r.texts[0])
	assert.Equal(t, "unknown action: dance", r.texts[1])
	assert.Contains(t, r.texts[2], "bad command")
}
