package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed      = errors.New("storage closed")
	ErrInvalidKind = errors.New("invalid cooldown kind")
)

// Kind selects one of the two cooldown classes tracked per entity.
type Kind string

const (
	KindMinor Kind = "minor"
	KindMajor Kind = "major"
)

func (k Kind) Valid() bool { return k == KindMinor || k == KindMajor }

// CooldownRecord is one entity's row in the cooldown table. A nil cooldown
// means the entity was never cooled down for that kind.
type CooldownRecord struct {
	EntityID   string
	MinorUntil *time.Time
	MajorUntil *time.Time
	Locale     string
	Attribute  string
	UpdatedAt  time.Time
}

// Until returns the cooldown for kind, if any.
func (r CooldownRecord) Until(kind Kind) (time.Time, bool) {
	var p *time.Time
	switch kind {
	case KindMinor:
		p = r.MinorUntil
	case KindMajor:
		p = r.MajorUntil
	}
	if p == nil {
		return time.Time{}, false
	}
	return *p, true
}

// CooldownUpdate sets one cooldown field. Locale and Attribute are only
// written when non-nil; other fields of an existing row are preserved.
type CooldownUpdate struct {
	Kind      Kind
	Until     time.Time
	Locale    *string
	Attribute *string
	At        time.Time
}

// LeaseRecord is one named shared task.
//
// A claim succeeds only when now >= NextEligible and the task is unleased
// (Holder empty or LeaseUntil <= now).
type LeaseRecord struct {
	Task            string
	IntervalSeconds int64
	Holder          string
	LeaseUntil      time.Time
	NextEligible    time.Time
	LastAttempt     time.Time
	LastRun         time.Time
}

// Leased reports whether a holder's lease is still active at now.
func (r LeaseRecord) Leased(now time.Time) bool {
	return r.Holder != "" && r.LeaseUntil.After(now)
}

// ClaimRequest is an atomic claim-if-due-and-unleased. IntervalSeconds is
// only written when the record is created (first writer wins).
type ClaimRequest struct {
	Task            string
	Holder          string
	Now             time.Time
	LeaseUntil      time.Time
	IntervalSeconds int64
}

// FinishRequest ends a claim. NextEligible never moves backward. LastRun is
// only written when Completed is set. The write is skipped when another
// holder owns an active lease.
type FinishRequest struct {
	Task         string
	Holder       string
	Now          time.Time
	NextEligible time.Time
	Completed    bool
}

// AuditEntry records one remote command.
type AuditEntry struct {
	At     time.Time
	JobID  string
	Source string
	Actor  string
	Action string
	Params string
	OK     bool
	Error  string
	TookMS int64
}

type CooldownStore interface {
	GetCooldown(ctx context.Context, entityID string) (CooldownRecord, bool, error)
	PutCooldown(ctx context.Context, entityID string, u CooldownUpdate) error
	// DeleteCooldown returns false when the entity had no record.
	DeleteCooldown(ctx context.Context, entityID string) (bool, error)
	// RenameCooldown moves the full record to newID, returning false when oldID is absent.
	RenameCooldown(ctx context.Context, oldID, newID string) (bool, error)
	// ListCooldowns returns records, optionally restricted to one locale.
	ListCooldowns(ctx context.Context, locale string, limit int) ([]CooldownRecord, error)
}

type LeaseStore interface {
	ClaimLease(ctx context.Context, req ClaimRequest) (bool, error)
	FinishLease(ctx context.Context, req FinishRequest) (bool, error)
	GetLease(ctx context.Context, task string) (LeaseRecord, bool, error)
}

// Store is the full persistence API.
type Store interface {
	CooldownStore
	LeaseStore

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (single agent, tests)
//   - "sqlite": SQLite file shared by agents on one host
//   - "mssql":  SQL Server database shared by agents across hosts
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration
}
