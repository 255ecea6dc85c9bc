package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testPolicy(seed int64) Policy {
	return Policy{
		ActionPause: 2 * time.Second,
		MinPoll:     30 * time.Second,
		MaxPoll:     90 * time.Second,
		Rand:        rand.New(rand.NewSource(seed)),
	}
}

func TestComputeSleepReadyNow(t *testing.T) {
	p := testPolicy(1)
	tests := []struct {
		name   string
		active []TimerEntry
		want   time.Duration
	}{
		{"due now", []TimerEntry{{"a", 0}, {"b", 500}, {"c", Never}}, 2 * time.Second},
		{"overdue", []TimerEntry{{"a", -3}}, 2 * time.Second},
		{"inside pause", []TimerEntry{{"a", 1.5}, {"b", 10}}, 1500 * time.Millisecond},
		{"smallest inside pause", []TimerEntry{{"a", 1.5}, {"b", 0.5}}, 500 * time.Millisecond},
		{"at pause", []TimerEntry{{"a", 2}}, 2 * time.Second},
		{"zero beats positive", []TimerEntry{{"a", 1}, {"b", 0}}, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ComputeSleep(tt.active, false))
		})
	}
}

func TestComputeSleepSoonestUpcoming(t *testing.T) {
	p := testPolicy(1)
	assert.Equal(t, 45*time.Second, p.ComputeSleep([]TimerEntry{{"a", 45}, {"b", 80}, {"c", Never}}, false))
	assert.Equal(t, 2500*time.Millisecond, p.ComputeSleep([]TimerEntry{{"a", 2.5}}, false))
}

func TestComputeSleepIdleWindow(t *testing.T) {
	for seed := int64(0); seed < 200; seed++ {
		p := testPolicy(seed)
		for _, active := range [][]TimerEntry{nil, {{"a", Never}, {"b", Never}}} {
			d := p.ComputeSleep(active, false)
			assert.GreaterOrEqual(t, d, p.MinPoll)
			assert.Less(t, d, p.MaxPoll)
		}
	}
}

func TestComputeSleepActionOverride(t *testing.T) {
	p := testPolicy(1)
	assert.Equal(t, p.ActionPause, p.ComputeSleep([]TimerEntry{{"a", 3600}}, true))
	assert.Equal(t, p.ActionPause, p.ComputeSleep(nil, true))
}

func TestComputeSleepDampensFarTimers(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		p := testPolicy(seed)
		d := p.ComputeSleep([]TimerEntry{{"a", 7200}}, false)
		assert.GreaterOrEqual(t, d, p.MinPoll)
		assert.Less(t, d, p.MaxPoll)
	}
	p := testPolicy(1)
	assert.Equal(t, 90*time.Second, p.ComputeSleep([]TimerEntry{{"a", 90}}, false))
}

func TestComputeSleepIgnoresNaN(t *testing.T) {
	p := testPolicy(1)
	nan := Never - Never
	assert.Equal(t, 40*time.Second, p.ComputeSleep([]TimerEntry{{"a", nan}, {"b", 40}}, false))
}
