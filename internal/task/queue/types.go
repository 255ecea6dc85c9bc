package queue

import (
	"context"
	"time"

	"pacer/internal/storage"
)

// Job is one remote command.
type Job struct {
	ID     string
	Action string
	Params map[string]string
	// NeedsSession makes the worker hold the session arbiter while the
	// handler runs. Jobs that only arm a later action leave it unset.
	NeedsSession bool
	Source       string
	Actor        string
	EnqueuedAt   time.Time

	// Reply, when set, receives the handler's result text.
	Reply func(ctx context.Context, text string)
}

// Param returns a parameter or fallback.
func (j Job) Param(name, fallback string) string {
	if v, ok := j.Params[name]; ok && v != "" {
		return v
	}
	return fallback
}

// Handler runs one job. session is the zero value unless the job needs it.
type Handler[S any] func(ctx context.Context, job Job, session S) (string, error)

// Auditor records finished jobs.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Config struct {
	Size         int
	PollInterval time.Duration
	HistorySize  int
	// JobTimeout bounds a single handler. 0 means 2 minutes.
	JobTimeout time.Duration
}

type HistoryItem struct {
	ID         string
	Action     string
	Source     string
	Actor      string
	Started    time.Time
	QueueDelay time.Duration
	Took       time.Duration
	Error      string
}

type Snapshot struct {
	QueueLen  int
	QueueCap  int
	Processed uint64
	Dropped   uint64
	Actions   []string
	History   []HistoryItem
}
