package config

import (
	"fmt"
	"strings"
)

// Validate checks values that would otherwise only fail deep inside a cycle.
// It does not apply defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	durations := map[string]string{
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
		"storage.op_timeout":          cfg.Storage.OpTimeout,
		"clock.timeout":               cfg.Clock.Timeout,
		"clock.refresh_every":         cfg.Clock.RefreshEvery,
		"scheduler.action_pause":      cfg.Scheduler.ActionPause,
		"scheduler.min_poll":          cfg.Scheduler.MinPoll,
		"scheduler.max_poll":          cfg.Scheduler.MaxPoll,
		"scheduler.error_backoff_min": cfg.Scheduler.ErrorBackoffMin,
		"scheduler.error_backoff_max": cfg.Scheduler.ErrorBackoffMax,
		"scheduler.supplier_timeout":  cfg.Scheduler.SupplierTimeout,
		"queue.poll_interval":         cfg.Queue.PollInterval,
	}
	if cfg.Telegram != nil {
		durations["telegram.poll_timeout"] = cfg.Telegram.PollTimeout
	}
	if cfg.Notifier != nil {
		durations["notifier.retry_base"] = cfg.Notifier.RetryBase
		durations["notifier.retry_max_delay"] = cfg.Notifier.RetryMaxDelay
		durations["notifier.dedup_window"] = cfg.Notifier.DedupWindow
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	minPoll, _ := ParseDurationField("scheduler.min_poll", cfg.Scheduler.MinPoll)
	maxPoll, _ := ParseDurationField("scheduler.max_poll", cfg.Scheduler.MaxPoll)
	if minPoll > 0 && maxPoll > 0 && minPoll > maxPoll {
		return fmt.Errorf("scheduler.min_poll (%s) must be <= scheduler.max_poll (%s)", minPoll, maxPoll)
	}
	if cfg.Scheduler.MaxActionsPerCycle < 0 {
		return fmt.Errorf("scheduler.max_actions_per_cycle must be >= 0")
	}
	if cfg.Queue.Size < 0 || cfg.Queue.HistorySize < 0 {
		return fmt.Errorf("queue sizes must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "none":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
	case "mssql", "sqlserver":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver=mssql")
		}
	default:
		return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}

	for name, f := range cfg.Features {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("features: empty feature name")
		}
		for field, raw := range map[string]string{"interval": f.Interval, "lease": f.Lease, "retry": f.Retry} {
			if _, err := ParseDurationField("features."+name+"."+field, raw); err != nil {
				return err
			}
		}
		if f.Gate == name {
			return fmt.Errorf("features.%s.gate cannot reference itself", name)
		}
		if f.MaxQueueDepth < 0 {
			return fmt.Errorf("features.%s.max_queue_depth must be >= 0", name)
		}
		if f.Shared && strings.TrimSpace(f.Interval) == "" && strings.TrimSpace(f.Schedule) == "" {
			return fmt.Errorf("features.%s: shared features need an interval or schedule", name)
		}
	}
	return nil
}
