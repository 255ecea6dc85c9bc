package app

import (
	"sort"
	"strings"
	"time"

	"pacer/internal/config"
	"pacer/internal/notifier"
	"pacer/internal/storage"
	"pacer/internal/task/queue"
	"pacer/internal/task/scheduler"
	kit "pacer/internal/transport"
	logx "pacer/pkg/logx"
)

const (
	defaultLease     = 10 * time.Minute
	defaultOpTimeout = 3 * time.Second
)

// schedulerConfig maps the scheduler section. Invalid durations were
// rejected at load time, so parse errors fall back to defaults here.
func schedulerConfig(c *config.Config) scheduler.Config {
	d := scheduler.DefaultConfig()
	sc := c.Scheduler
	dur := func(path, raw string, def time.Duration) time.Duration {
		v, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			return def
		}
		return v
	}
	out := scheduler.Config{
		Enabled:            sc.Enabled == nil || *sc.Enabled,
		ActionPause:        dur("scheduler.action_pause", sc.ActionPause, d.ActionPause),
		MinPoll:            dur("scheduler.min_poll", sc.MinPoll, d.MinPoll),
		MaxPoll:            dur("scheduler.max_poll", sc.MaxPoll, d.MaxPoll),
		ErrorBackoffMin:    dur("scheduler.error_backoff_min", sc.ErrorBackoffMin, d.ErrorBackoffMin),
		ErrorBackoffMax:    dur("scheduler.error_backoff_max", sc.ErrorBackoffMax, d.ErrorBackoffMax),
		MaxActionsPerCycle: sc.MaxActionsPerCycle,
		SupplierTimeout:    dur("scheduler.supplier_timeout", sc.SupplierTimeout, d.SupplierTimeout),
		Timezone:           strings.TrimSpace(sc.Timezone),
	}
	if out.MaxActionsPerCycle <= 0 {
		out.MaxActionsPerCycle = d.MaxActionsPerCycle
	}
	return out
}

// features maps the features section, ordered by name so cycles are
// deterministic. A feature with an unparsable duration is returned with a
// negative value and dropped by the scheduler's validation.
func features(c *config.Config) []scheduler.Feature {
	names := make([]string, 0, len(c.Features))
	for name := range c.Features {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]scheduler.Feature, 0, len(names))
	for _, name := range names {
		fc := c.Features[name]
		dur := func(field, raw string) time.Duration {
			v, err := config.ParseDurationField("features."+name+"."+field, raw)
			if err != nil {
				return -1
			}
			return v
		}
		f := scheduler.Feature{
			Name:           name,
			Enabled:        fc.IsEnabled(),
			Schedule:       strings.TrimSpace(fc.Schedule),
			Interval:       dur("interval", fc.Interval),
			Timer:          strings.TrimSpace(fc.Timer),
			Gate:           strings.TrimSpace(fc.Gate),
			Roles:          fc.Roles,
			Locations:      fc.Locations,
			MaxQueueDepth:  fc.MaxQueueDepth,
			ExclusiveGroup: strings.TrimSpace(fc.ExclusiveGroup),
			Priority:       fc.Priority,
			Shared:         fc.Shared,
			Lease:          dur("lease", fc.Lease),
			Retry:          dur("retry", fc.Retry),
		}
		if f.Shared && f.Lease == 0 {
			f.Lease = defaultLease
		}
		out = append(out, f)
	}
	return out
}

func cycle(c *config.Config, queueDepth int) scheduler.Cycle {
	return scheduler.Cycle{
		Config:   schedulerConfig(c),
		Features: features(c),
		Context: scheduler.Context{
			Role:       c.Agent.Role,
			Location:   c.Agent.Location,
			QueueDepth: queueDepth,
		},
	}
}

func storageConfig(c *config.Config) (storage.Config, time.Duration, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, 0, err
	}
	op, err := config.ParseDurationOrDefault("storage.op_timeout", c.Storage.OpTimeout, defaultOpTimeout)
	if err != nil {
		return storage.Config{}, 0, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(c.Storage.Driver),
		Path:        strings.TrimSpace(c.Storage.Path),
		DSN:         strings.TrimSpace(c.Storage.DSN),
		BusyTimeout: busy,
	}, op, nil
}

func queueConfig(c *config.Config) queue.Config {
	poll, err := config.ParseDurationOrDefault("queue.poll_interval", c.Queue.PollInterval, time.Second)
	if err != nil {
		poll = time.Second
	}
	return queue.Config{Size: c.Queue.Size, PollInterval: poll, HistorySize: c.Queue.HistorySize}
}

// notifierConfig: an omitted section means enabled with defaults.
func notifierConfig(c *config.Config) (notifier.Config, error) {
	out := notifier.Config{Enabled: true, DedupWindow: 10 * time.Minute}
	if c.Telegram != nil {
		out.Target = kit.ChatTarget{ChatID: c.Telegram.NotifyChat, ThreadID: c.Telegram.NotifyThreadID}
	}
	n := c.Notifier
	if n == nil {
		return out, nil
	}
	out.Enabled = n.Enabled
	out.QueueSize = n.QueueSize
	out.RatePerSec = n.RatePerSec
	out.RetryMax = n.RetryMax
	out.PersistDedup = n.PersistDedup
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func logConfig(c *config.Config) logx.Config {
	lc := c.Logging
	out := logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled && c.Telegram != nil,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
	if c.Telegram != nil {
		out.Telegram.ThreadID = c.Telegram.NotifyThreadID
	}
	return out
}

func owners(c *config.Config) []int64 {
	if c == nil || c.Telegram == nil {
		return nil
	}
	return c.Telegram.OwnerUserIDs
}
