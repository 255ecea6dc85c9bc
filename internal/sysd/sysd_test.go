package sysd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestLifecycleStates(t *testing.T) {
	r := &recorder{}
	n := New(0, WithNotifyFunc(r.notify))
	n.Ready()
	n.Status("cycle 3")
	n.Stopping()
	assert.Equal(t, []string{daemon.SdNotifyReady, "STATUS=cycle 3", daemon.SdNotifyStopping}, r.states)
}

func TestStalledTracksBeats(t *testing.T) {
	now := time.Unix(1000, 0)
	clk := func() time.Time { return now }
	n := New(time.Minute, WithNotifyFunc((&recorder{}).notify), WithNow(clk))

	assert.False(t, n.Stalled())
	now = now.Add(2 * time.Minute)
	assert.True(t, n.Stalled())
	n.Beat(context.Background())
	assert.False(t, n.Stalled())

	assert.False(t, New(0, WithNow(clk)).Stalled())
}

func TestRunFeedsWatchdogWhileBeating(t *testing.T) {
	r := &recorder{}
	n := New(time.Hour, WithNotifyFunc(r.notify), WithWatchdogInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()
	require.Eventually(t, func() bool { return r.count(daemon.SdNotifyWatchdog) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRunWithholdsWatchdogWhenStalled(t *testing.T) {
	r := &recorder{}
	base := time.Now()
	var mu sync.Mutex
	now := base
	clk := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	n := New(time.Second, WithNotifyFunc(r.notify), WithWatchdogInterval(10*time.Millisecond), WithNow(clk))
	mu.Lock()
	now = base.Add(time.Minute)
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, n.Run(ctx))
	assert.Zero(t, r.count(daemon.SdNotifyWatchdog))
}
