// Package cooldown reads and writes per-entity cooldowns in the shared
// store and picks eligible targets from a candidate pool.
//
// Reads fail open: an unreachable store or a malformed row reads as "no
// cooldown", so a store outage never stalls the agent.
package cooldown

import (
	"context"
	"errors"
	"strings"
	"time"

	"pacer/internal/storage"
	logx "pacer/pkg/logx"
)

var errEmptyID = errors.New("cooldown: empty entity id")

type Store struct {
	backend   storage.CooldownStore
	opTimeout time.Duration
	now       func() time.Time
	log       logx.Logger
}

type StoreOption func(*Store)

func WithOpTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

func WithLogger(log logx.Logger) StoreOption { return func(s *Store) { s.log = log } }

func WithNow(fn func() time.Time) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewStore(backend storage.CooldownStore, opts ...StoreOption) *Store {
	s := &Store{backend: backend, opTimeout: 5 * time.Second, now: time.Now, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "cooldown"))
	return s
}

// Get returns the cooldown end for (id, kind). ok is false when there is no
// cooldown or it could not be read.
func (s *Store) Get(ctx context.Context, id string, kind storage.Kind) (time.Time, bool) {
	rec, ok := s.record(ctx, id)
	if !ok {
		return time.Time{}, false
	}
	return rec.Until(kind)
}

// record loads the full row, failing open.
func (s *Store) record(ctx context.Context, id string) (storage.CooldownRecord, bool) {
	id = entityID(id)
	cctx, cancel := s.opCtx(ctx)
	defer cancel()
	rec, ok, err := s.backend.GetCooldown(cctx, id)
	if err != nil {
		s.log.Warn("cooldown read failed; treating as absent", logx.String("entity", id), logx.Err(err))
		return storage.CooldownRecord{}, false
	}
	return rec, ok
}

type SetOption func(*storage.CooldownUpdate)

func WithLocale(locale string) SetOption {
	return func(u *storage.CooldownUpdate) { u.Locale = &locale }
}

func WithAttribute(attr string) SetOption {
	return func(u *storage.CooldownUpdate) { u.Attribute = &attr }
}

// Set writes one cooldown field. Fields not named by opts are preserved.
func (s *Store) Set(ctx context.Context, id string, kind storage.Kind, until time.Time, opts ...SetOption) error {
	if !kind.Valid() {
		return storage.ErrInvalidKind
	}
	if id = entityID(id); id == "" {
		return errEmptyID
	}
	u := storage.CooldownUpdate{Kind: kind, Until: until, At: s.now()}
	for _, o := range opts {
		o(&u)
	}
	cctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.backend.PutCooldown(cctx, id, u); err != nil {
		s.log.Warn("cooldown write failed", logx.String("entity", id), logx.String("kind", string(kind)), logx.Err(err))
		return err
	}
	return nil
}

// Remove deletes an entity that no longer exists upstream. A missing
// record reports false without error.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	id = entityID(id)
	cctx, cancel := s.opCtx(ctx)
	defer cancel()
	ok, err := s.backend.DeleteCooldown(cctx, id)
	if err == nil && !ok {
		s.log.Debug("remove: no record", logx.String("entity", id))
	}
	return ok, err
}

// Rename migrates a record to a new id, keeping all fields.
func (s *Store) Rename(ctx context.Context, oldID, newID string) (bool, error) {
	oldID, newID = entityID(oldID), entityID(newID)
	if newID == "" {
		return false, errEmptyID
	}
	cctx, cancel := s.opCtx(ctx)
	defer cancel()
	ok, err := s.backend.RenameCooldown(cctx, oldID, newID)
	if err == nil && !ok {
		s.log.Debug("rename: no record", logx.String("from", oldID), logx.String("to", newID))
	}
	return ok, err
}

// List returns stored records, optionally for one locale.
func (s *Store) List(ctx context.Context, locale string, limit int) ([]storage.CooldownRecord, error) {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.backend.ListCooldowns(cctx, locale, limit)
}

// entityID is the stored form of an entity id.
func entityID(id string) string { return strings.TrimSpace(id) }

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.opTimeout)
}
