package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pacer/internal/config"
	"pacer/internal/eventbus"
	"pacer/internal/task/scheduler"
	kit "pacer/internal/transport"
)

func TestSchedulerConfigDefaults(t *testing.T) {
	got := schedulerConfig(&config.Config{})
	assert.Equal(t, scheduler.DefaultConfig(), got)

	off := false
	got = schedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{
		Enabled:  &off,
		MinPoll:  "10s",
		MaxPoll:  "bogus",
		Timezone: " UTC ",
	}})
	assert.False(t, got.Enabled)
	assert.Equal(t, 10*time.Second, got.MinPoll)
	assert.Equal(t, 90*time.Second, got.MaxPoll)
	assert.Equal(t, "UTC", got.Timezone)
}

func TestFeaturesMapping(t *testing.T) {
	cfg := &config.Config{Features: map[string]config.FeatureConfig{
		"sync":    {Shared: true, Interval: "1h"},
		"collect": {Interval: "5m", Gate: " energy ", Priority: 2},
		"broken":  {Interval: "soon"},
	}}
	fs := features(cfg)
	require.Len(t, fs, 3)
	assert.Equal(t, "broken", fs[0].Name)
	assert.Equal(t, time.Duration(-1), fs[0].Interval)

	assert.Equal(t, "collect", fs[1].Name)
	assert.Equal(t, 5*time.Minute, fs[1].Interval)
	assert.Equal(t, "energy", fs[1].Gate)
	assert.True(t, fs[1].Enabled)

	assert.Equal(t, "sync", fs[2].Name)
	assert.Equal(t, defaultLease, fs[2].Lease)
}

func TestCycleCarriesAgentContext(t *testing.T) {
	cfg := &config.Config{Agent: config.AgentConfig{Role: "main", Location: "eu"}}
	c := cycle(cfg, 3)
	assert.Equal(t, scheduler.Context{Role: "main", Location: "eu", QueueDepth: 3}, c.Context)
}

func TestStorageConfig(t *testing.T) {
	sc, op, err := storageConfig(&config.Config{Storage: config.StorageConfig{Driver: " sqlite ", Path: "p.db"}})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 5*time.Second, sc.BusyTimeout)
	assert.Equal(t, defaultOpTimeout, op)

	_, _, err = storageConfig(&config.Config{Storage: config.StorageConfig{OpTimeout: "x"}})
	assert.Error(t, err)
}

func TestNotifierConfig(t *testing.T) {
	cfg := &config.Config{Telegram: &config.TelegramConfig{NotifyChat: 42, NotifyThreadID: 7}}
	nc, err := notifierConfig(cfg)
	require.NoError(t, err)
	assert.True(t, nc.Enabled)
	assert.Equal(t, 10*time.Minute, nc.DedupWindow)
	assert.Equal(t, kit.ChatTarget{ChatID: 42, ThreadID: 7}, nc.Target)

	cfg.Notifier = &config.NotifierConfig{Enabled: true, RetryBase: "2s", RetryMax: 3}
	nc, err = notifierConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, nc.RetryBase)
	assert.Equal(t, 3, nc.RetryMax)
	assert.Equal(t, 10*time.Minute, nc.DedupWindow)

	cfg.Notifier.RetryMaxDelay = "later"
	_, err = notifierConfig(cfg)
	assert.Error(t, err)
}

func TestLogConfigNeedsTelegramForMirror(t *testing.T) {
	cfg := &config.Config{Logging: config.LoggingConfig{Level: "debug", Telegram: config.LoggingTelegram{Enabled: true}}}
	assert.False(t, logConfig(cfg).Telegram.Enabled)

	cfg.Telegram = &config.TelegramConfig{NotifyThreadID: 9}
	lc := logConfig(cfg)
	assert.True(t, lc.Telegram.Enabled)
	assert.Equal(t, 9, lc.Telegram.ThreadID)
	assert.Equal(t, "debug", lc.Level)
}

func TestValidateRejectsBadTimezoneAndSchedule(t *testing.T) {
	base := func() *config.Config {
		return &config.Config{
			Storage:  config.StorageConfig{Driver: "memory"},
			Features: map[string]config.FeatureConfig{"collect": {Interval: "5m"}},
		}
	}
	require.NoError(t, validate(context.Background(), base()))

	c := base()
	c.Scheduler.Timezone = "Mars/Olympus"
	assert.ErrorContains(t, validate(context.Background(), c), "timezone")

	c = base()
	c.Features["collect"] = config.FeatureConfig{Schedule: "every blue moon"}
	assert.Error(t, validate(context.Background(), c))
}

func TestNotificationMapping(t *testing.T) {
	assert.Equal(t, "collect failed: boom", notification(eventbus.Event{
		Type: eventbus.TypeActionFailed,
		Data: eventbus.ActionData{Feature: "collect", Err: "boom"},
	}))
	assert.Equal(t, "sync done (shared, 3s)", notification(eventbus.Event{
		Type: eventbus.TypeSharedTaskRun,
		Data: eventbus.ActionData{Feature: "sync", Shared: true, Took: 3200 * time.Millisecond},
	}))
	assert.Empty(t, notification(eventbus.Event{
		Type: eventbus.TypeActionPerformed,
		Data: eventbus.ActionData{Feature: "collect"},
	}))
	assert.Empty(t, notification(eventbus.Event{
		Type: eventbus.TypeJobFinished,
		Data: eventbus.JobData{Action: "run", Source: "telegram", Err: "x"},
	}))
	assert.Equal(t, "command run failed: x", notification(eventbus.Event{
		Type: eventbus.TypeJobFinished,
		Data: eventbus.JobData{Action: "run", Source: "cli", Err: "x"},
	}))
}
