package notifier

import (
	"context"
	"time"

	kit "pacer/internal/transport"
)

// Sink is what the rest of the process depends on.
type Sink interface {
	Notify(msg string)
}

// Sender delivers text; transport adapters implement it.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// DedupStore persists suppress-until marks.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type Config struct {
	Enabled         bool
	Target          kit.ChatTarget
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type HistoryItem struct {
	At   time.Time
	Text string
	Err  string
}
